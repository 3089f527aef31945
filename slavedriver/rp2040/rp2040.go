// Package rp2040 implements an I2C slave driver for the DW_apb_i2c
// controllers of the RP2040, driving the controller registers directly.
package rp2040

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/exp/slog"

	"github.com/oxplot/go-i2cslave"
	"github.com/oxplot/go-i2cslave/slavedriver"
)

// Instance selects one of the two I2C controllers.
type Instance uint8

// I2C controller instances
const (
	I2C0 Instance = 0
	I2C1 Instance = 1
)

// Base returns the base address of the controller register block.
func (i Instance) Base() uint32 {
	if i == I2C1 {
		return I2C1Base
	}
	return I2C0Base
}

func (i Instance) String() string {
	switch i {
	case I2C0:
		return "I2C0"
	case I2C1:
		return "I2C1"
	default:
		return fmt.Sprintf("I2C%d(INVALID)", uint8(i))
	}
}

// Config holds the slave configuration.
type Config struct {
	// Controller to use.
	Instance Instance

	// GPIO numbers of the data and clock lines. The pins must be able to
	// carry the SDA and SCL function of the selected controller.
	SDA, SCL uint8

	// Slave address. Addresses above 0x7F enable 10-bit addressing.
	Address uint16
}

// DefaultConfig returns the configuration of the reference setup: I2C0 on
// GPIO0 (SDA) and GPIO1 (SCL) at address 0x41.
func DefaultConfig() Config {
	return Config{
		Instance: I2C0,
		SDA:      0,
		SCL:      1,
		Address:  0x41,
	}
}

var (
	// ErrInvalidInstance is returned when the controller instance is neither
	// I2C0 nor I2C1.
	ErrInvalidInstance = errors.New("rp2040: invalid i2c instance")

	// ErrInvalidPin is returned when a pin cannot carry the requested
	// function.
	ErrInvalidPin = errors.New("rp2040: invalid i2c pin")
)

// Validate returns an error if the configuration is invalid. Addresses are
// rejected rather than masked when they do not fit in 10 bits.
func (c Config) Validate() error {
	if c.Instance > I2C1 {
		return ErrInvalidInstance
	}
	if uint32(c.Address) > regSARMask {
		return fmt.Errorf("rp2040: address 0x%x: %w", c.Address, i2cslave.ErrInvalidAddress)
	}
	sda, scl := PinRole(c.SDA), PinRole(c.SCL)
	if sda.Instance != c.Instance || sda.Line != LineSDA {
		return fmt.Errorf("%w: GPIO%d is not %s SDA", ErrInvalidPin, c.SDA, c.Instance)
	}
	if scl.Instance != c.Instance || scl.Line != LineSCL {
		return fmt.Errorf("%w: GPIO%d is not %s SCL", ErrInvalidPin, c.SCL, c.Instance)
	}
	return nil
}

// Line is a bus signal.
type Line uint8

// Bus signals
const (
	LineNone Line = iota
	LineSDA
	LineSCL
)

// Role is the I2C function a GPIO carries when routed to the I2C function.
type Role struct {
	Instance Instance
	Line     Line
}

// PinRole returns the I2C function of GPIO pin. The four pins of each group
// of four carry I2C0 SDA, I2C0 SCL, I2C1 SDA and I2C1 SCL in turn.
func PinRole(pin uint8) Role {
	if pin >= NumPins {
		return Role{}
	}
	r := Role{Instance: Instance(pin % 4 / 2)}
	if pin%2 == 0 {
		r.Line = LineSDA
	} else {
		r.Line = LineSCL
	}
	return r
}

// Slave represents an I2C slave emulated on a DW_apb_i2c controller.
type Slave struct {
	regs slavedriver.Block
	bank slavedriver.Block
	cfg  Config

	log          *slog.Logger
	pollInterval time.Duration

	// Look-ahead: a first byte of a transaction read by Byte, held until the
	// next call to Command.
	cache  uint32
	cached bool

	stats i2cslave.Stats
}

// New creates a new slave on the memory mem. The controller is not touched
// until Init is called.
func New(mem slavedriver.Memory, cfg Config, opts ...Option) (*Slave, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Slave{
		regs: slavedriver.NewBlock(mem, cfg.Instance.Base()),
		bank: slavedriver.NewBlock(mem, IOBank0Base),
		cfg:  cfg,
		log:  discardLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Config returns the configuration of the slave.
func (s *Slave) Config() Config {
	return s.cfg
}

// Stats returns the traffic counters.
func (s *Slave) Stats() i2cslave.Stats {
	return s.stats
}

// Init programs the controller into slave mode and enables it.
func (s *Slave) Init() error {

	// Disable the controller, configuration registers ignore writes while it
	// is enabled

	s.regs.Clear(regEnable, regEnableEnable)

	// Set the slave address

	s.regs.Clear(regSAR, regSARMask)
	s.regs.Set(regSAR, uint32(s.cfg.Address)&regSARMask)

	// Slave only mode with 7 or 10 bit addressing

	s.regs.Clear(regCon, regConMasterMode|regCon10BitAddrSlave|regConSlaveDisable)
	if s.cfg.Address > maxAddress7 {
		s.regs.Set(regCon, regCon10BitAddrSlave)
	}

	// Hold the bus when the receive FIFO is full

	s.regs.Set(regCon, regConRxFIFOFullHoldCtrl)

	// Receive FIFO threshold to maximum

	s.regs.Set(regRxTL, regRxTLMax)

	// Route the pins to the I2C function

	s.routePin(s.cfg.SDA)
	s.routePin(s.cfg.SCL)

	s.cached = false

	// Enable the controller

	s.regs.Set(regEnable, regEnableEnable)

	s.log.Debug("rp2040: slave enabled",
		slog.String("instance", s.cfg.Instance.String()),
		slog.Uint64("addr", uint64(s.cfg.Address)),
		slog.Uint64("sda", uint64(s.cfg.SDA)),
		slog.Uint64("scl", uint64(s.cfg.SCL)))
	return nil
}

func (s *Slave) routePin(pin uint8) {
	off := GPIOCtrl(pin)
	s.bank.Clear(off, gpioCtrlFuncSelMask)
	s.bank.Set(off, gpioCtrlFuncSelI2C)
}

// ReadRequested returns true if the master is waiting for a byte.
func (s *Slave) ReadRequested() bool {
	return s.regs.Read(regRawIntrStat)&regRawIntrStatRdReq != 0
}

// RxNotEmpty returns true if the receive FIFO is not empty.
func (s *Slave) RxNotEmpty() bool {
	return s.regs.Read(regStatus)&regStatusRFNE != 0
}

// Pending returns true if a command was read ahead or the receive FIFO is not
// empty.
func (s *Slave) Pending() bool {
	return s.cached || s.RxNotEmpty()
}

// Command returns the command byte of the next transaction or ErrNoCommand.
func (s *Slave) Command() (byte, error) {
	if s.cached {
		s.cached = false
		s.stats.Commands++
		return byte(s.cache & regDataCmdDat), nil
	}

	// The command is the first byte of a transaction, anything before it is
	// the tail of a transaction nobody asked for

	var skipped uint64
	defer func() { s.discard(skipped) }()
	for s.RxNotEmpty() {
		d := s.readData()
		if d&regDataCmdFirstDataByte != 0 {
			s.stats.Commands++
			return byte(d & regDataCmdDat), nil
		}
		skipped++
	}
	return 0, i2cslave.ErrNoCommand
}

func (s *Slave) discard(n uint64) {
	if n == 0 {
		return
	}
	s.stats.Discarded += n
	s.log.Warn("rp2040: bytes discarded while looking for a command",
		slog.Uint64("count", n),
		slog.Uint64("total", s.stats.Discarded))
}

// Byte waits for the next data byte of the current transaction. The
// transaction also ends when the master requests a read while the receive
// FIFO is empty.
func (s *Slave) Byte(ctx context.Context) (byte, error) {
	if s.cached {
		return 0, i2cslave.ErrEndOfTransaction
	}
	for !s.RxNotEmpty() {
		// A read request means the master has turned the bus around, so no
		// more data follows
		if s.ReadRequested() {
			return 0, i2cslave.ErrEndOfTransaction
		}
		if err := s.wait(ctx); err != nil {
			return 0, err
		}
	}
	d := s.readData()
	if d&regDataCmdFirstDataByte != 0 {
		s.cache, s.cached = d, true
		return 0, i2cslave.ErrEndOfTransaction
	}
	s.stats.Bytes++
	return byte(d & regDataCmdDat), nil
}

func (s *Slave) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if s.pollInterval > 0 {
		time.Sleep(s.pollInterval)
	} else {
		runtime.Gosched()
	}
	return nil
}

// PutByte acknowledges the pending read request and queues b for the master.
func (s *Slave) PutByte(b byte) {
	if s.regs.Read(regRawIntrStat)&regRawIntrStatTxAbrt != 0 {
		s.stats.Aborts++
		s.log.Warn("rp2040: transmit abort cleared", slog.Uint64("total", s.stats.Aborts))
	}

	// Both flags clear on read. The transmit FIFO drops writes while an
	// abort is pending.

	s.regs.Read(regClrTxAbrt)
	s.regs.Read(regClrRdReq)
	s.regs.Write(regDataCmd, uint32(b)&regDataCmdDat, slavedriver.ModeNormal)
	s.log.Debug("rp2040: data write",
		slog.Uint64("addr", uint64(s.regs.Addr(regDataCmd, slavedriver.ModeNormal))),
		slog.Uint64("data", uint64(b)))
	s.stats.Replies++
}

// readData pops one entry of the receive FIFO.
func (s *Slave) readData() uint32 {
	d := s.regs.Read(regDataCmd)
	s.log.Debug("rp2040: data read",
		slog.Uint64("addr", uint64(s.regs.Addr(regDataCmd, slavedriver.ModeNormal))),
		slog.Uint64("data", uint64(d&regDataCmdDat)),
		slog.Bool("first", d&regDataCmdFirstDataByte != 0))
	return d
}

// GPIOCtrl returns the offset of the control register of GPIO pin within the
// IO bank.
func GPIOCtrl(pin uint8) uint32 {
	return gpioCtrl + gpioStride*uint32(pin)
}

// Memory map
const (
	I2C0Base    = 0x40044000
	I2C1Base    = 0x40048000
	IOBank0Base = 0x40014000

	// NumPins is the number of user GPIOs in the IO bank.
	NumPins = 30

	// FIFODepth is the depth of the receive and transmit FIFOs.
	FIFODepth = 16
)

const maxAddress7 = 0x7F

const (
	regCon                   = 0x00
	regConMasterMode         = 1 << 0
	regCon10BitAddrSlave     = 1 << 3
	regConSlaveDisable       = 1 << 6
	regConRxFIFOFullHoldCtrl = 1 << 9

	regTar = 0x04

	regSAR     = 0x08
	regSARMask = 0x3FF

	regDataCmd              = 0x10
	regDataCmdDat           = 0xFF
	regDataCmdCmd           = 1 << 8
	regDataCmdStop          = 1 << 9
	regDataCmdRestart       = 1 << 10
	regDataCmdFirstDataByte = 1 << 11

	regRawIntrStat         = 0x34
	regRawIntrStatRxOver   = 1 << 1
	regRawIntrStatRdReq    = 1 << 5
	regRawIntrStatTxAbrt   = 1 << 6
	regRawIntrStatStopDet  = 1 << 9
	regRawIntrStatStartDet = 1 << 10

	regRxTL    = 0x38
	regRxTLMax = 0xFF
	regTxTL    = 0x3C

	regClrIntr   = 0x40
	regClrRdReq  = 0x50
	regClrTxAbrt = 0x54

	regEnable       = 0x6C
	regEnableEnable = 1 << 0

	regStatus     = 0x70
	regStatusRFNE = 1 << 3

	gpioCtrl            = 0x04
	gpioStride          = 8
	gpioCtrlFuncSelMask = 0x1F
	gpioCtrlFuncSelI2C  = 3
)
