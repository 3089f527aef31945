// Package sim simulates the parts of the RP2040 address space used by an I2C
// slave: both DW_apb_i2c controllers, with their atomic access aliases, and
// the GPIO function select registers of IO bank 0.
//
// The slave side accesses the simulation through the slavedriver.Memory
// interface, exactly as a driver accesses the hardware. The master side is a
// periph i2c.Bus returned by Space.Bus.
package sim

import (
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/exp/slog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/pin"
)

// Memory map
const (
	I2C0Base    = 0x40044000
	I2C1Base    = 0x40048000
	IOBank0Base = 0x40014000

	blockMask = 0x3FFF
	aliasMask = 0x3000
	offMask   = 0x0FFF

	aliasXor   = 0x1000
	aliasSet   = 0x2000
	aliasClear = 0x3000

	// FIFODepth is the depth of the controller FIFOs.
	FIFODepth = 16

	// NumPins is the number of GPIOs in IO bank 0.
	NumPins = 30
)

// DW_apb_i2c registers
const (
	RegCon          = 0x00
	RegTar          = 0x04
	RegSAR          = 0x08
	RegDataCmd      = 0x10
	RegIntrStat     = 0x2C
	RegIntrMask     = 0x30
	RegRawIntrStat  = 0x34
	RegRxTL         = 0x38
	RegTxTL         = 0x3C
	RegClrIntr      = 0x40
	RegClrRxUnder   = 0x44
	RegClrRxOver    = 0x48
	RegClrTxOver    = 0x4C
	RegClrRdReq     = 0x50
	RegClrTxAbrt    = 0x54
	RegClrRxDone    = 0x58
	RegClrActivity  = 0x5C
	RegClrStopDet   = 0x60
	RegClrStartDet  = 0x64
	RegEnable       = 0x6C
	RegStatus       = 0x70
	RegTxFLR        = 0x74
	RegRxFLR        = 0x78
	RegEnableStatus = 0x9C
)

// Register bits
const (
	ConMasterMode         = 1 << 0
	Con10BitAddrSlave     = 1 << 3
	ConSlaveDisable       = 1 << 6
	ConRxFIFOFullHoldCtrl = 1 << 9

	SARMask = 0x3FF

	DataCmdDat           = 0xFF
	DataCmdFirstDataByte = 1 << 11

	IntrRxUnder  = 1 << 0
	IntrRxOver   = 1 << 1
	IntrRxFull   = 1 << 2
	IntrTxOver   = 1 << 3
	IntrTxEmpty  = 1 << 4
	IntrRdReq    = 1 << 5
	IntrTxAbrt   = 1 << 6
	IntrRxDone   = 1 << 7
	IntrActivity = 1 << 8
	IntrStopDet  = 1 << 9
	IntrStartDet = 1 << 10

	EnableEnable = 1 << 0

	StatusActivity = 1 << 0
	StatusTFNF     = 1 << 1
	StatusTFE      = 1 << 2
	StatusRFNE     = 1 << 3
	StatusRFF      = 1 << 4

	GPIOCtrlFuncSelMask = 0x1F
	GPIOCtrlFuncSelI2C  = 3

	// Interrupt bits cleared by a read of RegClrIntr.
	intrClearable = IntrRxUnder | IntrRxOver | IntrTxOver | IntrRdReq | IntrTxAbrt |
		IntrRxDone | IntrActivity | IntrStopDet | IntrStartDet
)

// Registers that ignore writes while the controller is enabled.
var lockedWhileEnabled = map[uint32]bool{
	RegCon: true,
	RegTar: true,
	RegSAR: true,
}

var (
	// ErrNack is returned by Bus.Tx when no slave acknowledges the address.
	ErrNack = errors.New("sim: address not acknowledged")

	// ErrTimeout is returned by Bus.Tx when the slave holds the bus for longer
	// than the configured timeout.
	ErrTimeout = errors.New("sim: slave stretched the clock for too long")

	// ErrSpeed is returned by Bus.SetSpeed for any speed but standard mode.
	ErrSpeed = errors.New("sim: only standard mode (100kHz) is supported")
)

// Access is a register access recorded when tracing is enabled.
type Access struct {
	Addr  uint32
	Value uint32
	Store bool
}

// Counters reports events of a controller that a driver cannot observe
// directly.
type Counters struct {
	IgnoredWrites uint64 // Configuration writes ignored while enabled
	DroppedTx     uint64 // DATA_CMD writes dropped during a transmit abort or overflow
	Overruns      uint64 // Received bytes lost to a full receive FIFO
	Flushed       uint64 // Transmit bytes flushed after a read transfer
}

type controller struct {
	id   int
	base uint32

	con, tar, sar uint32
	rxTL, txTL    uint32
	enable        uint32
	raw           uint32

	rx []uint32
	tx []byte

	counters Counters
}

func (c *controller) enabled() bool {
	return c.enable&EnableEnable != 0
}

func (c *controller) flush() {
	c.rx = c.rx[:0]
	c.tx = c.tx[:0]
}

// Space is a simulated RP2040 address space.
type Space struct {
	mu      sync.Mutex
	ctrl    [2]*controller
	gpio    [NumPins]uint32
	changed chan struct{}

	timeout time.Duration
	log     *slog.Logger

	tracing bool
	trace   []Access

	// Serializes bus transfers: there is a single master.
	busMu sync.Mutex
}

// Option configures a Space.
type Option func(*Space)

// WithTimeout sets how long a master transfer waits on a stalled slave.
func WithTimeout(d time.Duration) Option {
	return func(s *Space) {
		s.timeout = d
	}
}

// WithLogger sets the logger used for transfer and register debug output.
func WithLogger(l *slog.Logger) Option {
	return func(s *Space) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTrace records every register access, see Space.Trace.
func WithTrace() Option {
	return func(s *Space) {
		s.tracing = true
	}
}

// New creates a new address space with both controllers in their reset
// state.
func New(opts ...Option) *Space {
	s := &Space{
		changed: make(chan struct{}),
		timeout: time.Second,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for i, base := range []uint32{I2C0Base, I2C1Base} {
		s.ctrl[i] = &controller{
			id:   i,
			base: base,
			// Reset values: master mode, slave disabled, SAR 0x55
			con: ConMasterMode | ConSlaveDisable,
			sar: 0x55,
			tar: 0x55,
		}
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// notify wakes up every master transfer waiting for a state change. It must
// be called with mu held.
func (s *Space) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Space) controllerAt(addr uint32) *controller {
	switch addr &^ blockMask {
	case I2C0Base:
		return s.ctrl[0]
	case I2C1Base:
		return s.ctrl[1]
	}
	return nil
}

// Load implements slavedriver.Memory.
func (s *Space) Load(addr uint32) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.load(addr)
	if s.tracing {
		s.trace = append(s.trace, Access{Addr: addr, Value: v})
	}
	return v
}

func (s *Space) load(addr uint32) uint32 {
	off := addr & offMask
	if addr&^blockMask == IOBank0Base {
		if n, ok := gpioCtrlPin(off); ok {
			return s.gpio[n]
		}
		return 0
	}
	c := s.controllerAt(addr)
	if c == nil {
		return 0
	}
	switch off {
	case RegCon:
		return c.con
	case RegTar:
		return c.tar
	case RegSAR:
		return c.sar
	case RegDataCmd:
		if len(c.rx) == 0 {
			c.raw |= IntrRxUnder
			return 0
		}
		d := c.rx[0]
		c.rx = c.rx[1:]
		s.notify()
		return d
	case RegRawIntrStat:
		return c.rawIntrStat()
	case RegRxTL:
		return c.rxTL
	case RegTxTL:
		return c.txTL
	case RegClrIntr:
		return s.clearIntr(c, intrClearable)
	case RegClrRxUnder:
		return s.clearIntr(c, IntrRxUnder)
	case RegClrRxOver:
		return s.clearIntr(c, IntrRxOver)
	case RegClrTxOver:
		return s.clearIntr(c, IntrTxOver)
	case RegClrRdReq:
		return s.clearIntr(c, IntrRdReq)
	case RegClrTxAbrt:
		return s.clearIntr(c, IntrTxAbrt)
	case RegClrRxDone:
		return s.clearIntr(c, IntrRxDone)
	case RegClrActivity:
		return s.clearIntr(c, IntrActivity)
	case RegClrStopDet:
		return s.clearIntr(c, IntrStopDet)
	case RegClrStartDet:
		return s.clearIntr(c, IntrStartDet)
	case RegEnable, RegEnableStatus:
		return c.enable & EnableEnable
	case RegStatus:
		return c.status()
	case RegTxFLR:
		return uint32(len(c.tx))
	case RegRxFLR:
		return uint32(len(c.rx))
	}
	return 0
}

func (s *Space) clearIntr(c *controller, bits uint32) uint32 {
	v := c.raw & bits
	c.raw &^= bits
	if v != 0 {
		s.notify()
		return 1
	}
	return 0
}

func (c *controller) rawIntrStat() uint32 {
	r := c.raw
	if uint32(len(c.rx)) > c.rxTL {
		r |= IntrRxFull
	}
	if uint32(len(c.tx)) <= c.txTL {
		r |= IntrTxEmpty
	}
	return r
}

func (c *controller) status() uint32 {
	var st uint32
	if len(c.tx) < FIFODepth {
		st |= StatusTFNF
	}
	if len(c.tx) == 0 {
		st |= StatusTFE
	}
	if len(c.rx) > 0 {
		st |= StatusRFNE
	}
	if len(c.rx) == FIFODepth {
		st |= StatusRFF
	}
	return st
}

// Store implements slavedriver.Memory.
func (s *Space) Store(addr uint32, v uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracing {
		s.trace = append(s.trace, Access{Addr: addr, Value: v, Store: true})
	}
	s.store(addr, v)
	s.notify()
}

func apply(old, v, alias uint32) uint32 {
	switch alias {
	case aliasXor:
		return old ^ v
	case aliasSet:
		return old | v
	case aliasClear:
		return old &^ v
	}
	return v
}

func (s *Space) store(addr uint32, v uint32) {
	off, alias := addr&offMask, addr&aliasMask
	if addr&^blockMask == IOBank0Base {
		if n, ok := gpioCtrlPin(off); ok {
			s.gpio[n] = apply(s.gpio[n], v, alias)
		}
		return
	}
	c := s.controllerAt(addr)
	if c == nil {
		return
	}
	if c.enabled() && lockedWhileEnabled[off] {
		c.counters.IgnoredWrites++
		s.log.Debug("sim: write ignored while enabled",
			slog.Int("i2c", c.id), slog.Uint64("off", uint64(off)))
		return
	}
	switch off {
	case RegCon:
		c.con = apply(c.con, v, alias) & 0x7FF
	case RegTar:
		c.tar = apply(c.tar, v, alias) & 0xFFF
	case RegSAR:
		c.sar = apply(c.sar, v, alias) & SARMask
	case RegDataCmd:
		if alias != 0 {
			return
		}
		if c.raw&IntrTxAbrt != 0 || len(c.tx) == FIFODepth {
			if len(c.tx) == FIFODepth {
				c.raw |= IntrTxOver
			}
			c.counters.DroppedTx++
			return
		}
		c.tx = append(c.tx, byte(v&DataCmdDat))
	case RegRxTL:
		c.rxTL = clampThreshold(apply(c.rxTL, v, alias))
	case RegTxTL:
		c.txTL = clampThreshold(apply(c.txTL, v, alias))
	case RegEnable:
		was := c.enabled()
		c.enable = apply(c.enable, v, alias) & EnableEnable
		if was && !c.enabled() {
			c.flush()
			c.raw = 0
		}
	}
}

func clampThreshold(v uint32) uint32 {
	v &= 0xFF
	if v > FIFODepth-1 {
		return FIFODepth - 1
	}
	return v
}

func gpioCtrlPin(off uint32) (int, bool) {
	if off < 4 || off%8 != 4 {
		return 0, false
	}
	pin := int(off / 8)
	return pin, pin < NumPins
}

// Trace returns the register accesses recorded since the last call and
// clears the record. Tracing must be enabled with WithTrace.
func (s *Space) Trace() []Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trace
	s.trace = nil
	return t
}

// Counters returns the event counters of controller instance i.
func (s *Space) Counters(i int) Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl[i].counters
}

// PinFunc returns the controller instance and I2C function GPIO pin is
// routed to. pin.FuncNone is returned if the pin is not routed to I2C.
func (s *Space) PinFunc(p int) (int, pin.Func) {
	if p < 0 || p >= NumPins {
		return 0, pin.FuncNone
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gpio[p]&GPIOCtrlFuncSelMask != GPIOCtrlFuncSelI2C {
		return 0, pin.FuncNone
	}
	inst := p % 4 / 2
	if p%2 == 0 {
		return inst, i2c.SDA
	}
	return inst, i2c.SCL
}

// routed returns true if controller c has both bus lines routed to a pin. It
// must be called with mu held.
func (s *Space) routed(c *controller) bool {
	var sda, scl bool
	for p, ctrl := range s.gpio {
		if ctrl&GPIOCtrlFuncSelMask != GPIOCtrlFuncSelI2C || p%4/2 != c.id {
			continue
		}
		if p%2 == 0 {
			sda = true
		} else {
			scl = true
		}
	}
	return sda && scl
}

// acks returns true if controller c acknowledges addr. Addresses above 0x7F
// are sent as 10-bit addresses. It must be called with mu held.
func (s *Space) acks(c *controller, addr uint16) bool {
	if !c.enabled() || c.con&(ConMasterMode|ConSlaveDisable) != 0 || !s.routed(c) {
		return false
	}
	if c.con&Con10BitAddrSlave != 0 {
		return addr > 0x7F && uint32(addr) == c.sar
	}
	return addr <= 0x7F && uint32(addr) == c.sar&0x7F
}
