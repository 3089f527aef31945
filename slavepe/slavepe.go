// Package slavepe provides a polling protocol engine for emulated I2C slaves.
// It frames the traffic of a Controller into transactions, hands them to a
// Handler and answers read requests with the bytes the handler returned.
package slavepe

import (
	"context"
	"errors"
	"io"
	"runtime"
	"sync"
	"time"

	"golang.org/x/exp/slog"

	"github.com/oxplot/go-i2cslave"
	"github.com/oxplot/go-i2cslave/frame"
)

// Handler is an interface that wraps the method HandleTransaction.
type Handler interface {
	// HandleTransaction is called for every transaction received from the
	// master. The returned bytes are queued and sent when the master next
	// reads from the slave, replacing any reply still queued. Returning no
	// bytes leaves nothing queued. A non-nil error stops the engine and is
	// returned by Run.
	//
	// The returned slice may be reused by the handler after the next call.
	HandleTransaction(frame.Transaction) ([]byte, error)
}

// HandlerFunc is an adapter to allow the use of ordinary functions as
// Handler.
type HandlerFunc func(frame.Transaction) ([]byte, error)

// HandleTransaction implements Handler interface.
func (f HandlerFunc) HandleTransaction(t frame.Transaction) ([]byte, error) {
	return f(t)
}

// Event is a protocol engine event, usually consumed for monitoring. It's
// different to the controller events of package i2cslave.
type Event string

const (
	// EventStarted is fired once the controller is initialized.
	EventStarted Event = "started"

	// EventTransaction is fired after a transaction was handled.
	EventTransaction Event = "transaction"

	// EventReply is fired when the queued reply is handed to the controller.
	EventReply Event = "reply"

	// EventFiller is fired when the master reads while no reply is queued and
	// a filler byte is sent instead.
	EventFiller Event = "filler"

	// EventError is fired when the handler rejects a transaction.
	EventError Event = "error"
)

// EventHandler is an interface that wraps the method HandleEvent.
type EventHandler interface {
	// HandleEvent is called from the goroutine running the engine.
	HandleEvent(Event)
}

// EventHandlerFunc is an adapter to allow the use of ordinary functions as
// EventHandler.
type EventHandlerFunc func(Event)

// HandleEvent implements EventHandler interface.
func (e EventHandlerFunc) HandleEvent(ev Event) {
	e(ev)
}

// Defaults
const (
	// DefaultMaxData is the number of data bytes read per transaction.
	DefaultMaxData = 4

	// DefaultFiller is sent when the master reads with no reply queued.
	DefaultFiller = 0xFF
)

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithMaxData sets the maximum number of data bytes read after a command.
// Values above frame.MaxDataBytes are capped.
func WithMaxData(n int) Option {
	return func(pe *Engine) {
		if n > frame.MaxDataBytes {
			n = frame.MaxDataBytes
		}
		if n < 0 {
			n = 0
		}
		pe.maxData = n
	}
}

// WithFiller sets the byte sent when the master reads with no reply queued.
func WithFiller(b byte) Option {
	return func(pe *Engine) {
		pe.filler = b
	}
}

// WithPollInterval sets how long the engine sleeps when the controller has
// nothing to report. The default of zero busy-polls.
func WithPollInterval(d time.Duration) Option {
	return func(pe *Engine) {
		pe.pollInterval = d
	}
}

// WithLogger sets the logger of the engine.
func WithLogger(l *slog.Logger) Option {
	return func(pe *Engine) {
		if l != nil {
			pe.log = l
		}
	}
}

// Engine implements the protocol engine of an emulated slave. It uses polling
// to handle events from the controller.
type Engine struct {
	pc           i2cslave.Controller
	maxData      int
	filler       byte
	pollInterval time.Duration
	log          *slog.Logger

	ctx context.Context // of the current Run
	tx  frame.Transaction

	// Bytes waiting for the next read request.
	reply  [frame.MaxDataBytes]byte
	nReply int

	callbacks struct {
		mu           sync.Mutex
		handler      Handler
		eventHandler EventHandler
	}
}

// New creates a new protocol engine for a given controller.
func New(pc i2cslave.Controller, opts ...Option) *Engine {
	pe := &Engine{
		pc:      pc,
		maxData: DefaultMaxData,
		filler:  DefaultFiller,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(pe)
	}
	return pe
}

// SetHandler sets the transaction handler. Passing nil results in
// transactions being dropped and every read answered with the filler byte.
func (pe *Engine) SetHandler(h Handler) {
	pe.callbacks.mu.Lock()
	pe.callbacks.handler = h
	pe.callbacks.mu.Unlock()
}

// SetEventHandler sets the event handler to send events to. Pass nil to
// remove the existing handler.
func (pe *Engine) SetEventHandler(e EventHandler) {
	pe.callbacks.mu.Lock()
	pe.callbacks.eventHandler = e
	pe.callbacks.mu.Unlock()
}

func (pe *Engine) handle(t frame.Transaction) ([]byte, error) {
	pe.callbacks.mu.Lock()
	defer pe.callbacks.mu.Unlock()
	if pe.callbacks.handler != nil {
		return pe.callbacks.handler.HandleTransaction(t)
	}
	return nil, nil
}

func (pe *Engine) notifyEvent(e Event) {
	pe.callbacks.mu.Lock()
	defer pe.callbacks.mu.Unlock()
	if pe.callbacks.eventHandler != nil {
		pe.callbacks.eventHandler.HandleEvent(e)
	}
}

// Run initializes the controller and runs the event loop of the engine until
// ctx is done, in which case it returns nil, or until the handler returns an
// error, which is then returned. Only one call to Run must be in progress at
// any given time.
func (pe *Engine) Run(ctx context.Context) error {
	pe.ctx = ctx
	cur := stateStartup
	entering := true

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var next *state // next state
		var err error

		if entering { // Entering a new state

			if cur.Enter != nil {
				next, err = cur.Enter(pe)
			}
			entering = false

		} else { // Waiting in a state

			e := i2cslave.Poll(pe.pc)
			if e == i2cslave.EventNone {
				pe.idle()
			} else {
				next, err = cur.Process(pe, e.Pop())
			}

		}

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if next != nil {
			cur = next
			entering = true
		}
	}
}

func (pe *Engine) idle() {
	if pe.pollInterval > 0 {
		time.Sleep(pe.pollInterval)
	} else {
		runtime.Gosched()
	}
}

// serve answers a read request with the queued reply, or the filler byte when
// nothing is queued.
func (pe *Engine) serve() {
	if pe.nReply == 0 {
		pe.pc.PutByte(pe.filler)
		pe.notifyEvent(EventFiller)
		return
	}
	for _, b := range pe.reply[:pe.nReply] {
		pe.pc.PutByte(b)
	}
	pe.nReply = 0
	pe.notifyEvent(EventReply)
}

// state represents an engine state.
type state struct {
	Name string

	// Enter runs actions on entering the state. It may be nil in which case it
	// is ignored. If non-nil next state is returned, the engine loop will
	// immediately enter the next state.
	Enter func(*Engine) (next *state, err error)

	// Process is called with the highest priority controller event every time
	// the controller has something to report while the engine is in this
	// state. Return values are treated the same way as state Enter. Process
	// cannot be nil unless Enter returns a next state unconditionally.
	Process func(pe *Engine, e i2cslave.Event) (next *state, err error)
}

var (
	stateStartup         *state
	stateIdle            *state
	stateAwaitingCommand *state
	stateAwaitingData    *state
)

var errReplyTooLong = errors.New("slavepe: reply exceeds the transmit fifo")

func init() {

	// Initializing is done here to avoid circular references between states
	// which are not allowed at the package level variable assignments.

	stateStartup = &state{
		Name: "startup",
		Enter: func(pe *Engine) (*state, error) {
			pe.nReply = 0
			if err := pe.pc.Init(); err != nil {
				return nil, err
			}
			pe.notifyEvent(EventStarted)
			return stateIdle, nil
		},
	}

	// Nothing read ahead and no transaction in progress.
	stateIdle = &state{
		Name: "idle",
		Process: func(pe *Engine, e i2cslave.Event) (*state, error) {
			switch e {
			case i2cslave.EventRx:
				return stateAwaitingCommand, nil
			case i2cslave.EventReadRequest:
				pe.serve()
			}
			return nil, nil
		},
	}

	// Looking for the first byte of a transaction.
	stateAwaitingCommand = &state{
		Name: "awaiting-command",
		Enter: func(pe *Engine) (*state, error) {
			cmd, err := pe.pc.Command()
			if err == i2cslave.ErrNoCommand {
				return stateIdle, nil
			}
			if err != nil {
				return nil, err
			}
			pe.tx = frame.New(cmd)
			return stateAwaitingData, nil
		},
	}

	// Reading the data bytes following a command until the maximum is
	// reached or the master starts a new transaction.
	stateAwaitingData = &state{
		Name: "awaiting-data",
		Enter: func(pe *Engine) (*state, error) {
			for pe.tx.Len() < pe.maxData {
				b, err := pe.pc.Byte(pe.ctx)
				if err == i2cslave.ErrEndOfTransaction {
					break
				}
				if err != nil {
					return nil, err
				}
				pe.tx.Append(b)
			}

			reply, err := pe.handle(pe.tx)
			if err != nil {
				pe.log.Warn("slavepe: transaction rejected",
					slog.String("tx", pe.tx.String()),
					slog.Any("err", err))
				pe.notifyEvent(EventError)
				return nil, err
			}
			if len(reply) > len(pe.reply) {
				return nil, errReplyTooLong
			}
			// A new transaction always replaces a reply nobody read
			pe.nReply = copy(pe.reply[:], reply)
			pe.notifyEvent(EventTransaction)
			return stateIdle, nil
		},
	}

}
