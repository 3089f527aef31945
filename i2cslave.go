// Package i2cslave defines high level interfaces and types for emulating an
// I2C slave device on top of a bare I2C controller.
package i2cslave

import (
	"context"
	"errors"
)

// Event can store multiple events and return them in priority order.
type Event uint8

// Pop returns the next high priority event and clears it.
func (e *Event) Pop() Event {
	if *e == 0 {
		return EventNone
	}
	for r := Event(1); r != 0; r <<= 1 {
		if *e&r != 0 {
			*e &= ^r
			return r
		}
	}
	return EventNone // will never get here
}

// Add adds the events v to the set.
func (e *Event) Add(v Event) {
	*e |= v
}

// Has returns true if the event v is set without clearing it.
func (e Event) Has(v Event) bool {
	return e&v != 0
}

func (e Event) String() string {
	switch e {
	case EventNone:
		return "None"
	case EventRx:
		return "Rx"
	case EventReadRequest:
		return "ReadRequest"
	default:
		return "INVALID"
	}
}

// EventNone represents no event.
const EventNone Event = 0

// The events are listed in order of priority from highest to lowest. Received
// bytes come first: they were written by the master before any read request
// now pending, and the reply may depend on them.
const (
	EventRx          Event = 1 << iota // A command or data byte is waiting
	EventReadRequest                   // Master is waiting for a byte
)

// Poll queries the controller status and returns the pending events.
func Poll(c Controller) Event {
	var e Event
	if c.ReadRequested() {
		e.Add(EventReadRequest)
	}
	if c.Pending() {
		e.Add(EventRx)
	}
	return e
}

// Controller provides an interface to a device, usually an I2C block of a
// µController, operating as a bus slave at a single address. Each write
// transaction from the master is framed as one command byte followed by zero
// or more data bytes.
//
// Controllers are driven by a single polling goroutine and are not safe for
// concurrent use.
type Controller interface {

	// Init (re-)programs the controller into slave mode and enables it. Init
	// must be called before any other method of this interface.
	Init() error

	// ReadRequested returns true if the master is waiting for the slave to
	// supply a byte. It has no side effects.
	ReadRequested() bool

	// RxNotEmpty returns true if the receive buffer holds at least one byte.
	// It has no side effects.
	RxNotEmpty() bool

	// Pending returns true if a call to Command may find a command, either
	// because one was read ahead by Byte or because the receive buffer is not
	// empty.
	Pending() bool

	// Command returns the command byte of the next transaction. It never
	// blocks: ErrNoCommand is returned if no command is available. Bytes that
	// are not the first byte of a transaction are skipped and lost, so
	// Command must only be called when a new transaction is expected.
	Command() (byte, error)

	// Byte blocks until the next data byte of the current transaction is
	// received and returns it. If the received byte starts a new transaction,
	// it is kept for the next call to Command and ErrEndOfTransaction is
	// returned. ErrEndOfTransaction is also returned when nothing was received
	// and the master requests a read. Byte returns ctx.Err() if ctx is done
	// first.
	Byte(ctx context.Context) (byte, error)

	// PutByte queues a byte for the master to read. It must only be called
	// after ReadRequested has returned true.
	PutByte(b byte)
}

// Stats counts the traffic seen by a controller.
type Stats struct {
	Commands  uint64 // Command bytes returned
	Bytes     uint64 // Data bytes returned
	Discarded uint64 // Bytes skipped while looking for a command
	Replies   uint64 // Bytes queued for the master
	Aborts    uint64 // Transmit aborts cleared before a reply
}

var (
	// ErrNoCommand is returned by Command() if no command is available.
	ErrNoCommand = errors.New("no command available")

	// ErrEndOfTransaction is returned by Byte() when the master has started a
	// new transaction.
	ErrEndOfTransaction = errors.New("no more data in transaction")

	// ErrInvalidAddress is returned when a slave address does not fit in 10
	// bits.
	ErrInvalidAddress = errors.New("invalid slave address")
)
