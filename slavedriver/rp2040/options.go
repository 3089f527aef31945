package rp2040

import (
	"io"
	"time"

	"golang.org/x/exp/slog"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Option is a functional option for configuring the Slave.
type Option func(*Slave)

// WithLogger sets the logger used to report discarded bytes, transmit aborts
// and configuration changes. Passing nil disables logging.
//
// Example:
//
//	s, err := rp2040.New(mem, rp2040.DefaultConfig(), rp2040.WithLogger(slog.Default()))
func WithLogger(l *slog.Logger) Option {
	return func(s *Slave) {
		if l == nil {
			l = discardLogger
		}
		s.log = l
	}
}

// WithPollInterval sets how long Byte sleeps between two polls of an empty
// receive FIFO. The default of zero busy-polls, only yielding the processor
// to other goroutines.
func WithPollInterval(d time.Duration) Option {
	return func(s *Slave) {
		s.pollInterval = d
	}
}
