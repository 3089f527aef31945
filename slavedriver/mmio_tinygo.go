//go:build tinygo

package slavedriver

import (
	"runtime/volatile"
	"unsafe"
)

// MMIO is a Memory accessing the address space of the µController the
// program runs on.
type MMIO struct{}

// Load implements Memory.
func (MMIO) Load(addr uint32) uint32 {
	return (*volatile.Register32)(unsafe.Pointer(uintptr(addr))).Get()
}

// Store implements Memory.
func (MMIO) Store(addr uint32, v uint32) {
	(*volatile.Register32)(unsafe.Pointer(uintptr(addr))).Set(v)
}
