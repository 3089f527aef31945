package sim

import (
	"fmt"
	"time"

	"golang.org/x/exp/slog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// StandardMode is the only bus speed the simulation supports.
const StandardMode = 100 * physic.KiloHertz

// Bus is the master end of the bus attached to one simulated controller. It
// implements periph's i2c.BusCloser, so periph device drivers and i2c.Dev can
// talk to an emulated slave.
//
// Transfers block while the slave stretches the clock, that is while its
// receive FIFO is full and hold control is enabled, or while a read waits for
// the slave to fill its transmit FIFO.
type Bus struct {
	s *Space
	c *controller
}

var _ i2c.BusCloser = (*Bus)(nil)

// Bus returns the master end of the bus of controller instance i.
func (s *Space) Bus(i int) *Bus {
	return &Bus{s: s, c: s.ctrl[i]}
}

func (b *Bus) String() string {
	return fmt.Sprintf("sim-I2C%d", b.c.id)
}

// SetSpeed implements i2c.Bus.
func (b *Bus) SetSpeed(f physic.Frequency) error {
	if f != StandardMode {
		return ErrSpeed
	}
	return nil
}

// Close implements i2c.BusCloser.
func (b *Bus) Close() error {
	return nil
}

// Tx implements i2c.Bus. A zero length transfer only checks whether addr is
// acknowledged.
func (b *Bus) Tx(addr uint16, w, r []byte) error {
	s, c := b.s, b.c
	s.busMu.Lock()
	defer s.busMu.Unlock()
	deadline := time.Now().Add(s.timeout)

	s.mu.Lock()
	if !s.acks(c, addr) {
		s.mu.Unlock()
		return ErrNack
	}
	c.raw |= IntrStartDet | IntrActivity
	s.notify()
	s.mu.Unlock()

	s.log.Debug("sim: transfer",
		slog.String("bus", b.String()),
		slog.Uint64("addr", uint64(addr)),
		slog.Int("w", len(w)),
		slog.Int("r", len(r)))

	defer b.stop(len(r) > 0)

	for i, d := range w {
		word := uint32(d)
		if i == 0 {
			word |= DataCmdFirstDataByte
		}
		if err := b.write(word, deadline); err != nil {
			return err
		}
	}
	if len(r) > 0 {
		b.flushTx()
	}
	for i := range r {
		d, err := b.read(deadline)
		if err != nil {
			return err
		}
		r[i] = d
	}
	return nil
}

func (b *Bus) write(word uint32, deadline time.Time) error {
	s, c := b.s, b.c
	for {
		s.mu.Lock()
		if !c.enabled() {
			s.mu.Unlock()
			return ErrNack
		}
		if len(c.rx) < FIFODepth {
			c.rx = append(c.rx, word)
			s.notify()
			s.mu.Unlock()
			return nil
		}
		if c.con&ConRxFIFOFullHoldCtrl == 0 {
			c.raw |= IntrRxOver
			c.counters.Overruns++
			s.notify()
			s.mu.Unlock()
			return nil
		}
		ch := s.changed
		s.mu.Unlock()
		if err := wait(ch, deadline); err != nil {
			return err
		}
	}
}

func (b *Bus) read(deadline time.Time) (byte, error) {
	s, c := b.s, b.c
	s.mu.Lock()
	if len(c.tx) == 0 {
		c.raw |= IntrRdReq
		s.notify()
	}
	s.mu.Unlock()
	for {
		s.mu.Lock()
		if !c.enabled() {
			s.mu.Unlock()
			return 0, ErrNack
		}
		if len(c.tx) > 0 {
			d := c.tx[0]
			c.tx = c.tx[1:]
			s.notify()
			s.mu.Unlock()
			return d, nil
		}
		ch := s.changed
		s.mu.Unlock()
		if err := wait(ch, deadline); err != nil {
			return 0, err
		}
	}
}

// flushTx drops stale transmit data: the slave must only write after a read
// request. The dropped bytes raise a transmit abort.
func (b *Bus) flushTx() {
	s, c := b.s, b.c
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(c.tx); n > 0 {
		c.counters.Flushed += uint64(n)
		c.tx = c.tx[:0]
		c.raw |= IntrTxAbrt
		s.notify()
	}
}

func (b *Bus) stop(read bool) {
	if read {
		b.flushTx()
	}
	s, c := b.s, b.c
	s.mu.Lock()
	defer s.mu.Unlock()
	c.raw |= IntrStopDet
	if read {
		c.raw |= IntrRxDone
	}
	c.raw &^= IntrActivity
	s.notify()
}

func wait(ch <-chan struct{}, deadline time.Time) error {
	t := time.NewTimer(time.Until(deadline))
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return ErrTimeout
	}
}
