// Package slavedpm implements some useful transaction policies for emulated
// slaves.
package slavedpm

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/oxplot/go-i2cslave/frame"
	"github.com/oxplot/go-i2cslave/slavepe"
)

// Policy is the interface which simply embeds slavepe.Handler.
type Policy interface {
	// Validate returns an error if the policy parameters are invalid.
	Validate() error
	slavepe.Handler
}

// CommandError is returned when a transaction is out of sequence.
type CommandError struct {
	Got, Want byte
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("slavedpm: unexpected command %d, expected %d", e.Got, e.Want)
}

// LengthError is returned when a transaction carries the wrong number of data
// bytes.
type LengthError struct {
	Got, Want int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("slavedpm: got %d data bytes, expected %d", e.Got, e.Want)
}

// PayloadError is returned when the data of a transaction differs from the
// expected payload.
type PayloadError struct {
	Got, Want []byte
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("slavedpm: unexpected data % x, expected % x", e.Got, e.Want)
}

var (
	errPayloadTooLong  = errors.New("slavedpm: payload must be <= 16 bytes")
	errResponseTooLong = errors.New("slavedpm: response must be <= 16 bytes")
	errNoResponse      = errors.New("slavedpm: response must not be empty")
	errNoTerminal      = errors.New("slavedpm: terminal command must be > 0")
	errBadReadLen      = errors.New("slavedpm: read length must be >= 1 & <= 16")
)

// SequencePolicy checks a stream of numbered batches written by a test
// master. Each batch is a run of transactions whose commands count up from 0
// to Terminal, each carrying exactly Payload as data. The transaction with
// command Terminal is answered with Response.
//
// Any deviation is reported with a *CommandError, *LengthError or
// *PayloadError, which stops the engine.
type SequencePolicy struct {

	// Data expected in every transaction.
	Payload []byte

	// Command of the last transaction in a batch.
	Terminal byte

	// Reply to the terminal transaction.
	Response []byte

	mu      sync.Mutex
	want    int // next expected command
	batches uint64
}

// NewSequencePolicy returns a policy with the reference parameters: payload
// F1 03 01 FF, terminal command 255 and response 7F F7.
func NewSequencePolicy() *SequencePolicy {
	return &SequencePolicy{
		Payload:  []byte{0xF1, 0x03, 0x01, 0xFF},
		Terminal: 255,
		Response: []byte{0x7F, 0xF7},
	}
}

// Validate returns an error if the policy parameters are invalid.
func (p *SequencePolicy) Validate() error {
	if len(p.Payload) > frame.MaxDataBytes {
		return errPayloadTooLong
	}
	if len(p.Response) > frame.MaxDataBytes {
		return errResponseTooLong
	}
	if len(p.Response) == 0 {
		return errNoResponse
	}
	if p.Terminal == 0 {
		return errNoTerminal
	}
	return nil
}

// HandleTransaction checks t against the expected sequence. Command 0 always
// starts a new batch.
func (p *SequencePolicy) HandleTransaction(t frame.Transaction) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.Command == 0 {
		p.want = 0
	}
	if int(t.Command) != p.want {
		return nil, &CommandError{Got: t.Command, Want: byte(p.want)}
	}
	p.want++

	if t.Len() != len(p.Payload) {
		return nil, &LengthError{Got: t.Len(), Want: len(p.Payload)}
	}
	if !t.Equal(p.Payload) {
		return nil, &PayloadError{
			Got:  append([]byte(nil), t.Bytes()...),
			Want: p.Payload,
		}
	}

	if t.Command == p.Terminal {
		p.batches++
		p.want = 0
		return p.Response, nil
	}
	return nil, nil
}

// Batches returns the number of complete batches seen.
func (p *SequencePolicy) Batches() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches
}

// RegisterPolicy emulates a device with 256 byte-wide registers, the usual
// layout of simple I2C peripherals. The command of a transaction sets the
// register pointer, following data bytes are written from the pointer on with
// auto-increment. The reply to every transaction is ReadLen registers from
// the pointer, read by the master with a plain read.
type RegisterPolicy struct {
	mu      sync.Mutex
	regs    [256]byte
	ptr     byte
	readLen int
}

// NewRegisterPolicy creates a register file answering reads with readLen
// bytes.
func NewRegisterPolicy(readLen int) *RegisterPolicy {
	return &RegisterPolicy{readLen: readLen}
}

// Validate returns an error if the policy parameters are invalid.
func (r *RegisterPolicy) Validate() error {
	if r.readLen < 1 || r.readLen > frame.MaxDataBytes {
		return errBadReadLen
	}
	return nil
}

// HandleTransaction implements slavepe.Handler.
func (r *RegisterPolicy) HandleTransaction(t frame.Transaction) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ptr = t.Command
	for _, b := range t.Bytes() {
		r.regs[r.ptr] = b
		r.ptr++
	}
	reply := make([]byte, r.readLen)
	for i := range reply {
		reply[i] = r.regs[r.ptr+byte(i)]
	}
	return reply, nil
}

// Register returns the value of register i.
func (r *RegisterPolicy) Register(i byte) byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.regs[i]
}

// SetRegister sets register i to v.
func (r *RegisterPolicy) SetRegister(i, v byte) {
	r.mu.Lock()
	r.regs[i] = v
	r.mu.Unlock()
}

// Logger is a passthrough policy that writes a textual trace of transactions
// to a given io.Writer. It's mostly used for debugging purposes.
//
// In compact mode, a W is written at the start of each batch (command 0) and
// an R for each reply. Verbose mode writes one line per transaction.
type Logger struct {
	w       io.Writer
	sep     string
	base    Policy
	verbose bool
}

// NewLogger creates a new logger which will write to the given writer and
// optionally passes through the handle calls. If no base is provided, this
// policy replies with nothing. Line separator is written to the writer after
// each line of output. Some common values are "\n", "\r", "\r\n".
func NewLogger(w io.Writer, lineSep string, base Policy) *Logger {
	return &Logger{
		w:    w,
		sep:  lineSep,
		base: base,
	}
}

// SetVerbose switches between compact and verbose output.
func (l *Logger) SetVerbose(v bool) {
	l.verbose = v
}

// Validate returns nil if the policy is valid.
func (l *Logger) Validate() error {
	if l.base != nil {
		return l.base.Validate()
	}
	return nil
}

// HandleTransaction writes out the transaction, passes it down to the
// underlying policy and returns its response.
func (l *Logger) HandleTransaction(t frame.Transaction) ([]byte, error) {
	var reply []byte
	var err error
	if l.base != nil {
		reply, err = l.base.HandleTransaction(t)
	}

	if l.verbose {
		fmt.Fprintf(l.w, "%s", t)
		if len(reply) > 0 {
			fmt.Fprintf(l.w, " reply=[% x]", reply)
		}
		fmt.Fprint(l.w, l.sep)
		if err != nil {
			fmt.Fprintf(l.w, "error: %v%s", err, l.sep)
		}
		return reply, err
	}

	if err != nil {
		fmt.Fprintf(l.w, "%s%v%s", l.sep, err, l.sep)
		return reply, err
	}
	if t.Command == 0 {
		fmt.Fprint(l.w, "W")
	}
	if len(reply) > 0 {
		fmt.Fprint(l.w, "R")
	}
	return reply, err
}
