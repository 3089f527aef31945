// Package master drives an I2C slave from the bus master side. It finds
// devices on a bus and runs scripted write and read batches against one of
// them, checking the replies. It works over any periph i2c.Bus, so the same
// test runs against hardware and against the simulator.
package master

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// Range of 7-bit addresses probed by Scan. The others are reserved.
const (
	FirstAddr = 0x08
	LastAddr  = 0x77
)

// Scan returns the 7-bit addresses that acknowledge an empty write.
func Scan(bus i2c.Bus) []uint16 {
	var found []uint16
	for addr := uint16(FirstAddr); addr <= LastAddr; addr++ {
		if err := bus.Tx(addr, nil, nil); err == nil {
			found = append(found, addr)
		}
	}
	return found
}

// Config describes a batch test. Each batch writes Terminal+1 transactions,
// the command counting up from 0 and each followed by Payload. After the
// transaction with command Terminal, len(Expect) bytes are read back and must
// equal Expect.
type Config struct {
	Addr     uint16
	Batches  int
	Payload  []byte
	Terminal byte
	Expect   []byte

	// Bus speed set before the first batch. Zero leaves the bus alone.
	Speed physic.Frequency
}

// DefaultConfig returns the reference test: 100 batches of 256 transactions
// to address 0x41 at 100kHz.
func DefaultConfig() Config {
	return Config{
		Addr:     0x41,
		Batches:  100,
		Payload:  []byte{0xF1, 0x03, 0x01, 0xFF},
		Terminal: 255,
		Expect:   []byte{0x7F, 0xF7},
		Speed:    100 * physic.KiloHertz,
	}
}

var (
	errBadAddr    = errors.New("master: address must be <= 0x3FF")
	errNoBatches  = errors.New("master: batches must be > 0")
	errLongWrite  = errors.New("master: payload must be <= 16 bytes")
	errEmptyReply = errors.New("master: expected reply must not be empty")
)

// Validate returns an error if the test parameters are invalid.
func (c Config) Validate() error {
	if c.Addr > 0x3FF {
		return errBadAddr
	}
	if c.Batches <= 0 {
		return errNoBatches
	}
	if len(c.Payload) > 16 {
		return errLongWrite
	}
	if len(c.Expect) == 0 {
		return errEmptyReply
	}
	return nil
}

// ResponseError is returned when the slave replies with unexpected data.
type ResponseError struct {
	Batch     int
	Got, Want []byte
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("master: batch %d: got reply % x, expected % x", e.Batch, e.Got, e.Want)
}

// Run runs the batch test described by cfg. progress, if non-nil, is called
// after each completed batch. Run stops at the first failing transfer, at the
// first wrong reply, or when ctx is done.
func Run(ctx context.Context, bus i2c.Bus, cfg Config, progress func(batch int)) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Speed != 0 {
		if err := bus.SetSpeed(cfg.Speed); err != nil {
			return fmt.Errorf("master: %s: %w", bus, err)
		}
	}
	dev := &i2c.Dev{Bus: bus, Addr: cfg.Addr}
	w := make([]byte, 1+len(cfg.Payload))
	copy(w[1:], cfg.Payload)
	r := make([]byte, len(cfg.Expect))

	for batch := 0; batch < cfg.Batches; batch++ {
		for cmd := 0; cmd <= int(cfg.Terminal); cmd++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			w[0] = byte(cmd)
			if err := dev.Tx(w, nil); err != nil {
				return fmt.Errorf("master: batch %d command %d: %w", batch, cmd, err)
			}
		}
		if err := dev.Tx(nil, r); err != nil {
			return fmt.Errorf("master: batch %d read: %w", batch, err)
		}
		if !bytes.Equal(r, cfg.Expect) {
			return &ResponseError{
				Batch: batch,
				Got:   append([]byte(nil), r...),
				Want:  cfg.Expect,
			}
		}
		if progress != nil {
			progress(batch)
		}
	}
	return nil
}
