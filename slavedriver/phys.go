//go:build !tinygo

package slavedriver

import (
	"errors"
	"fmt"

	"periph.io/x/host/v3/pmem"
)

// Region is a window of physical address space.
type Region struct {
	Base uint32
	Size int
}

type window struct {
	Region
	view  *pmem.View
	words []uint32
}

// Phys is a Memory backed by physical memory mapped through /dev/mem. It is
// used to drive a controller from a host operating system.
type Phys struct {
	windows []window
}

var errUnmapped = errors.New("slavedriver: address not mapped")

// OpenPhys maps the given regions of physical memory. Register blocks with
// atomic access aliases must be mapped with a size covering the aliases
// (0x4000 bytes).
func OpenPhys(regions ...Region) (*Phys, error) {
	p := &Phys{}
	for _, r := range regions {
		v, err := pmem.Map(uint64(r.Base), r.Size)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("slavedriver: map 0x%08x: %w", r.Base, err)
		}
		p.windows = append(p.windows, window{Region: r, view: v, words: v.Uint32()})
	}
	return p, nil
}

func (p *Phys) word(addr uint32) *uint32 {
	for i := range p.windows {
		w := &p.windows[i]
		if addr >= w.Base && addr-w.Base < uint32(w.Size) {
			return &w.words[(addr-w.Base)/4]
		}
	}
	panic(fmt.Errorf("%w: 0x%08x", errUnmapped, addr))
}

// Load implements Memory.
func (p *Phys) Load(addr uint32) uint32 {
	return *p.word(addr)
}

// Store implements Memory.
func (p *Phys) Store(addr uint32, v uint32) {
	*p.word(addr) = v
}

// Close unmaps all regions.
func (p *Phys) Close() error {
	var err error
	for _, w := range p.windows {
		if e := w.view.Close(); e != nil && err == nil {
			err = e
		}
	}
	p.windows = nil
	return err
}
