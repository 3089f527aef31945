// Package slavedriver defines interfaces and helper functions for implementing
// I2C slave drivers on top of memory mapped controller registers.
package slavedriver

// Memory defines a minimum interface to a 32-bit memory mapped address space
// which allows a single driver implementation to work on the target, on a
// host with access to physical memory and against a simulator. All slave
// drivers access their registers through this interface.
type Memory interface {

	// Load returns the 32-bit word at addr. Loads from some registers have
	// side effects, such as popping a FIFO or clearing a flag.
	Load(addr uint32) uint32

	// Store writes the 32-bit word v to addr. Store is synchronous and is
	// neither buffered nor retried.
	Store(addr uint32, v uint32)
}

// Mode selects the operation a store performs on a register. It is encoded
// in the address: each register block is mirrored at fixed offsets where a
// store is applied atomically as an XOR, set or clear of the written bits.
type Mode uint32

// Register access modes.
const (
	ModeNormal Mode = 0x0000 // Plain read/write
	ModeXor    Mode = 0x1000 // Toggle the written bits
	ModeSet    Mode = 0x2000 // Set the written bits
	ModeClear  Mode = 0x3000 // Clear the written bits

	// ModeMask covers the address bits used by the access mode.
	ModeMask uint32 = 0x3000
)

// Block is a register block of a peripheral at a fixed base address.
type Block struct {
	mem  Memory
	base uint32
}

// NewBlock returns the register block at base.
func NewBlock(mem Memory, base uint32) Block {
	return Block{mem: mem, base: base}
}

// Base returns the base address of the block.
func (b Block) Base() uint32 {
	return b.base
}

// Addr returns the address of the register at offset off accessed with mode
// m.
func (b Block) Addr(off uint32, m Mode) uint32 {
	return b.base | uint32(m) | off
}

// Read returns the value of the register at offset off.
func (b Block) Read(off uint32) uint32 {
	return b.mem.Load(b.Addr(off, ModeNormal))
}

// Write stores v in the register at offset off using mode m.
func (b Block) Write(off, v uint32, m Mode) {
	b.mem.Store(b.Addr(off, m), v)
}

// Set sets bits in the register at offset off.
func (b Block) Set(off, bits uint32) {
	b.Write(off, bits, ModeSet)
}

// Clear clears bits in the register at offset off.
func (b Block) Clear(off, bits uint32) {
	b.Write(off, bits, ModeClear)
}
