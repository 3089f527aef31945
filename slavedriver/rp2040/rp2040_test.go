package rp2040

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/exp/slog"
	"periph.io/x/conn/v3/i2c"

	"github.com/oxplot/go-i2cslave"
	"github.com/oxplot/go-i2cslave/sim"
)

// newSlave returns an initialized slave on a fresh simulator.
func newSlave(t *testing.T, cfg Config, opts ...sim.Option) (*Slave, *sim.Space) {
	t.Helper()
	space := sim.New(opts...)
	s, err := New(space, cfg)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatalf("Init() = %v", err)
	}
	return s, space
}

// write sends one write transaction from the master side.
func write(t *testing.T, space *sim.Space, cfg Config, b ...byte) {
	t.Helper()
	if err := space.Bus(int(cfg.Instance)).Tx(cfg.Address, b, nil); err != nil {
		t.Fatalf("Tx(% x) = %v", b, err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want error
	}{
		{"default", DefaultConfig(), nil},
		{"i2c1", Config{Instance: I2C1, SDA: 6, SCL: 7, Address: 0x17}, nil},
		{"10-bit", Config{Instance: I2C0, SDA: 4, SCL: 5, Address: 0x3FF}, nil},
		{"address too big", Config{Instance: I2C0, SDA: 0, SCL: 1, Address: 0x400}, i2cslave.ErrInvalidAddress},
		{"bad instance", Config{Instance: 2, SDA: 0, SCL: 1, Address: 0x41}, ErrInvalidInstance},
		{"swapped lines", Config{Instance: I2C0, SDA: 1, SCL: 0, Address: 0x41}, ErrInvalidPin},
		{"wrong instance", Config{Instance: I2C0, SDA: 2, SCL: 3, Address: 0x41}, ErrInvalidPin},
		{"no such pin", Config{Instance: I2C1, SDA: 30, SCL: 31, Address: 0x41}, ErrInvalidPin},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.want == nil && err != nil {
				t.Errorf("Validate() = %v, want nil", err)
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
	if _, err := New(sim.New(), Config{Address: 0x800}); !errors.Is(err, i2cslave.ErrInvalidAddress) {
		t.Errorf("New() with bad address = %v", err)
	}
}

func TestPinRole(t *testing.T) {
	tests := []struct {
		pin  uint8
		want Role
	}{
		{0, Role{I2C0, LineSDA}},
		{1, Role{I2C0, LineSCL}},
		{2, Role{I2C1, LineSDA}},
		{3, Role{I2C1, LineSCL}},
		{20, Role{I2C0, LineSDA}},
		{27, Role{I2C1, LineSCL}},
		{30, Role{}},
	}
	for _, tt := range tests {
		if got := PinRole(tt.pin); got != tt.want {
			t.Errorf("PinRole(%d) = %+v, want %+v", tt.pin, got, tt.want)
		}
	}
}

func TestInitSequence(t *testing.T) {
	space := sim.New(sim.WithTrace())
	s, err := New(space, DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}

	const (
		set = 0x2000
		clr = 0x3000
	)
	want := []sim.Access{
		{Addr: I2C0Base | clr | regEnable, Value: regEnableEnable, Store: true},
		{Addr: I2C0Base | clr | regSAR, Value: 0x3FF, Store: true},
		{Addr: I2C0Base | set | regSAR, Value: 0x41, Store: true},
		{Addr: I2C0Base | clr | regCon, Value: regConMasterMode | regCon10BitAddrSlave | regConSlaveDisable, Store: true},
		{Addr: I2C0Base | set | regCon, Value: regConRxFIFOFullHoldCtrl, Store: true},
		{Addr: I2C0Base | set | regRxTL, Value: regRxTLMax, Store: true},
		{Addr: IOBank0Base | clr | GPIOCtrl(0), Value: gpioCtrlFuncSelMask, Store: true},
		{Addr: IOBank0Base | set | GPIOCtrl(0), Value: gpioCtrlFuncSelI2C, Store: true},
		{Addr: IOBank0Base | clr | GPIOCtrl(1), Value: gpioCtrlFuncSelMask, Store: true},
		{Addr: IOBank0Base | set | GPIOCtrl(1), Value: gpioCtrlFuncSelI2C, Store: true},
		{Addr: I2C0Base | set | regEnable, Value: regEnableEnable, Store: true},
	}
	got := space.Trace()
	if len(got) != len(want) {
		t.Fatalf("Init() made %d accesses, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("access %d = %+v, want %+v", i, got[i], want[i])
		}
	}

	if c := space.Counters(0); c.IgnoredWrites != 0 {
		t.Errorf("IgnoredWrites = %d, want 0", c.IgnoredWrites)
	}
	if v := space.Load(I2C0Base | regCon); v != regConRxFIFOFullHoldCtrl {
		t.Errorf("IC_CON = %#x, want %#x", v, regConRxFIFOFullHoldCtrl)
	}
	if _, fn := space.PinFunc(0); fn != i2c.SDA {
		t.Errorf("GPIO0 function = %s, want %s", fn, i2c.SDA)
	}
	if _, fn := space.PinFunc(1); fn != i2c.SCL {
		t.Errorf("GPIO1 function = %s, want %s", fn, i2c.SCL)
	}
}

func TestReInit(t *testing.T) {
	cfg := DefaultConfig()
	s, space := newSlave(t, cfg)
	write(t, space, cfg, 1, 2)
	if _, err := s.Byte(context.Background()); err != i2cslave.ErrEndOfTransaction {
		t.Fatalf("Byte() = %v", err)
	}
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	if s.Pending() {
		t.Error("Pending() = true after Init")
	}
	if c := space.Counters(0); c.IgnoredWrites != 0 {
		t.Errorf("IgnoredWrites = %d, want 0", c.IgnoredWrites)
	}
}

func TestAddressMatching(t *testing.T) {
	tests := []struct {
		name   string
		addr   uint16
		others []uint16
	}{
		{"7-bit", 0x41, []uint16{0x40, 0x42, 0x01, 0x7F, 0x241}},
		{"10-bit", 0x241, []uint16{0x41, 0x240, 0x3FF}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Address = tt.addr
			_, space := newSlave(t, cfg)
			bus := space.Bus(0)
			if err := bus.Tx(tt.addr, nil, nil); err != nil {
				t.Errorf("Tx(%#x) = %v, want ack", tt.addr, err)
			}
			for _, a := range tt.others {
				if err := bus.Tx(a, nil, nil); !errors.Is(err, sim.ErrNack) {
					t.Errorf("Tx(%#x) = %v, want %v", a, err, sim.ErrNack)
				}
			}
			if err := space.Bus(1).Tx(tt.addr, nil, nil); !errors.Is(err, sim.ErrNack) {
				t.Errorf("I2C1 Tx(%#x) = %v, want %v", tt.addr, err, sim.ErrNack)
			}
		})
	}
}

func TestAddressSweep(t *testing.T) {
	for a := uint16(0x08); a <= 0x3FF; a += 29 {
		cfg := DefaultConfig()
		cfg.Address = a
		s, space := newSlave(t, cfg)
		bus := space.Bus(0)
		if err := bus.Tx(a, []byte{0x5A}, nil); err != nil {
			t.Fatalf("address %#x: Tx() = %v", a, err)
		}
		if err := bus.Tx(a^1, []byte{0xA5}, nil); !errors.Is(err, sim.ErrNack) {
			t.Fatalf("address %#x: Tx(%#x) = %v, want %v", a, a^1, err, sim.ErrNack)
		}
		if c, err := s.Command(); err != nil || c != 0x5A {
			t.Fatalf("address %#x: Command() = %#x, %v", a, c, err)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	s, space := newSlave(t, cfg)
	payload := []byte{0xF1, 0x03, 0x01, 0xFF}
	write(t, space, cfg, append([]byte{0}, payload...)...)
	write(t, space, cfg, append([]byte{1}, payload...)...)

	ctx := context.Background()
	for cmd := byte(0); cmd < 2; cmd++ {
		if !s.Pending() {
			t.Fatalf("Pending() = false before command %d", cmd)
		}
		got, err := s.Command()
		if err != nil || got != cmd {
			t.Fatalf("Command() = %d, %v, want %d", got, err, cmd)
		}
		for i, want := range payload {
			b, err := s.Byte(ctx)
			if err != nil || b != want {
				t.Fatalf("Byte() #%d = %#x, %v, want %#x", i, b, err, want)
			}
		}
		if cmd == 0 {
			// The next command is read ahead and kept
			if _, err := s.Byte(ctx); err != i2cslave.ErrEndOfTransaction {
				t.Fatalf("Byte() = %v, want %v", err, i2cslave.ErrEndOfTransaction)
			}
			if _, err := s.Byte(ctx); err != i2cslave.ErrEndOfTransaction {
				t.Fatalf("second Byte() = %v, want %v", err, i2cslave.ErrEndOfTransaction)
			}
			if !s.RxNotEmpty() || !s.Pending() {
				t.Fatal("second transaction lost")
			}
		}
	}
	if s.Pending() {
		t.Error("Pending() = true after all transactions")
	}
	if _, err := s.Command(); err != i2cslave.ErrNoCommand {
		t.Errorf("Command() = %v, want %v", err, i2cslave.ErrNoCommand)
	}
	st := s.Stats()
	if st.Commands != 2 || st.Bytes != 8 || st.Discarded != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestShortTransactionLookAhead(t *testing.T) {
	cfg := DefaultConfig()
	s, space := newSlave(t, cfg)
	write(t, space, cfg, 7, 0x00, 0x02)
	write(t, space, cfg, 8, 0xF1, 0x03, 0x01, 0xFF)

	ctx := context.Background()
	if c, err := s.Command(); err != nil || c != 7 {
		t.Fatalf("Command() = %d, %v, want 7", c, err)
	}
	// A zero data byte is data, not the end of the transaction
	for _, want := range []byte{0x00, 0x02} {
		b, err := s.Byte(ctx)
		if err != nil || b != want {
			t.Fatalf("Byte() = %#x, %v, want %#x", b, err, want)
		}
	}
	if _, err := s.Byte(ctx); err != i2cslave.ErrEndOfTransaction {
		t.Fatalf("Byte() = %v, want %v", err, i2cslave.ErrEndOfTransaction)
	}
	if c, err := s.Command(); err != nil || c != 8 {
		t.Fatalf("Command() = %d, %v, want 8", c, err)
	}
	for _, want := range []byte{0xF1, 0x03, 0x01, 0xFF} {
		b, err := s.Byte(ctx)
		if err != nil || b != want {
			t.Fatalf("Byte() = %#x, %v, want %#x", b, err, want)
		}
	}
	st := s.Stats()
	if st.Commands != 2 || st.Bytes != 6 || st.Discarded != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestDataLogging(t *testing.T) {
	cfg := DefaultConfig()
	space := sim.New(sim.WithTimeout(100 * time.Millisecond))
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := New(space, cfg, WithLogger(l))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Init(); err != nil {
		t.Fatal(err)
	}
	write(t, space, cfg, 0x42, 0x17)
	if _, err := s.Command(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Byte(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.PutByte(0x7F)

	out := buf.String()
	addr := fmt.Sprintf("addr=%d", I2C0Base+regDataCmd)
	for _, want := range []string{
		"msg=\"rp2040: data read\" " + addr + " data=66 first=true",
		"msg=\"rp2040: data read\" " + addr + " data=23 first=false",
		"msg=\"rp2040: data write\" " + addr + " data=127",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log does not contain %q:\n%s", want, out)
		}
	}
}

func TestCommandDiscards(t *testing.T) {
	cfg := DefaultConfig()
	s, space := newSlave(t, cfg)
	write(t, space, cfg, 5, 6, 7)
	write(t, space, cfg, 9)

	if c, err := s.Command(); err != nil || c != 5 {
		t.Fatalf("Command() = %d, %v", c, err)
	}
	if c, err := s.Command(); err != nil || c != 9 {
		t.Fatalf("Command() = %d, %v, want 9", c, err)
	}
	if st := s.Stats(); st.Discarded != 2 {
		t.Errorf("Discarded = %d, want 2", st.Discarded)
	}

	write(t, space, cfg, 1, 2)
	if _, err := s.Command(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Command(); err != i2cslave.ErrNoCommand {
		t.Errorf("Command() = %v, want %v", err, i2cslave.ErrNoCommand)
	}
	if st := s.Stats(); st.Discarded != 3 {
		t.Errorf("Discarded = %d, want 3", st.Discarded)
	}
}

func TestQueriesHaveNoSideEffects(t *testing.T) {
	cfg := DefaultConfig()
	s, space := newSlave(t, cfg)
	write(t, space, cfg, 1, 2, 3)
	for i := 0; i < 10; i++ {
		if !s.RxNotEmpty() || !s.Pending() || s.ReadRequested() {
			t.Fatalf("iteration %d: unexpected status", i)
		}
	}
	if n := space.Load(I2C0Base | 0x78); n != 3 {
		t.Errorf("RXFLR = %d, want 3", n)
	}
}

func TestByteCancel(t *testing.T) {
	cfg := DefaultConfig()
	s, _ := newSlave(t, cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := s.Byte(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Byte() = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestByteEndsOnReadRequest(t *testing.T) {
	cfg := DefaultConfig()
	s, space := newSlave(t, cfg, sim.WithTimeout(100*time.Millisecond))
	write(t, space, cfg, 0xFF, 1)

	if _, err := s.Command(); err != nil {
		t.Fatal(err)
	}
	if b, err := s.Byte(context.Background()); err != nil || b != 1 {
		t.Fatalf("Byte() = %d, %v", b, err)
	}

	done := make(chan error)
	go func() {
		done <- space.Bus(0).Tx(cfg.Address, nil, make([]byte, 1))
	}()
	if _, err := s.Byte(context.Background()); err != i2cslave.ErrEndOfTransaction {
		t.Errorf("Byte() = %v, want %v", err, i2cslave.ErrEndOfTransaction)
	}
	s.PutByte(0x7F)
	if err := <-done; err != nil {
		t.Error(err)
	}
}

func TestPutByte(t *testing.T) {
	cfg := DefaultConfig()
	s, space := newSlave(t, cfg)
	r := make([]byte, 2)
	done := make(chan error)
	go func() {
		done <- space.Bus(0).Tx(cfg.Address, nil, r)
	}()
	for !s.ReadRequested() {
	}
	s.PutByte(0x7F)
	s.PutByte(0xF7)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if r[0] != 0x7F || r[1] != 0xF7 {
		t.Errorf("master read % x, want 7f f7", r)
	}
	if s.ReadRequested() {
		t.Error("ReadRequested() = true after reply")
	}
	if st := s.Stats(); st.Replies != 2 || st.Aborts != 0 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestPutByteClearsAbort(t *testing.T) {
	cfg := DefaultConfig()
	s, space := newSlave(t, cfg)

	// A byte queued without a read request is flushed by the next read
	s.PutByte(0x55)

	r := make([]byte, 1)
	done := make(chan error)
	go func() {
		done <- space.Bus(0).Tx(cfg.Address, nil, r)
	}()
	for !s.ReadRequested() {
	}
	s.PutByte(0x7F)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if r[0] != 0x7F {
		t.Errorf("master read %#x, want 0x7f", r[0])
	}
	if st := s.Stats(); st.Aborts != 1 {
		t.Errorf("Aborts = %d, want 1", st.Aborts)
	}
	if c := space.Counters(0); c.Flushed != 1 || c.DroppedTx != 0 {
		t.Errorf("sim counters = %+v", c)
	}
}

func TestInstanceString(t *testing.T) {
	if I2C1.String() != "I2C1" || Instance(7).String() != "I2C7(INVALID)" {
		t.Errorf("unexpected names %s, %s", I2C1, Instance(7))
	}
	if I2C1.Base() != I2C1Base {
		t.Errorf("I2C1.Base() = %#x", I2C1.Base())
	}
}
