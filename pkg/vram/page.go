package vram

import (
	"github.com/pkg/errors"

	"github.com/CPFL/gxen/pkg/gxenabi"
)

// Pramin is the narrow capability Page needs to zero and read/write its
// backing pages through the indirect BAR0 window; satisfied by
// *hwio.PraminAccessor. Page depends only on this interface, not on
// pkg/hwio or pkg/device, so the allocator/page layer has no knowledge of
// the device lock that guards the accessor's construction.
type Pramin interface {
	Read32(addr gxenabi.HostPhysAddr) uint32
	Write32(addr gxenabi.HostPhysAddr, val uint32)
}

// PraminOpener opens a scoped Pramin accessor and returns it along with the
// function that releases it (restoring the PRAMIN window register and the
// device lock). Page calls this once per standalone Read32/Write32/clear;
// callers doing a bulk sequence of page operations (e.g. the RAMIN copy in
// channel.Channel's attach) instead open one accessor themselves and use ReadVia/WriteVia.
type PraminOpener func() (Pramin, func())

// Page is an RAII handle owning exactly one Memory. Construction zeros the
// backing pages via PRAMIN; destruction (Close) returns the backing to the
// allocator. Grounded on cross_page.{h,cc}.
type Page struct {
	mem        Memory
	openPramin PraminOpener
	free       func(Memory)
	closed     bool
}

// NewPage allocates n pages (n==1 is the common case, n==2 backs RAMIN
// blocks) from alloc and zeroes them via a PRAMIN accessor opened through
// openPramin.
func NewPage(n uint64, alloc *Allocator, openPramin PraminOpener) (*Page, error) {
	mem, err := alloc.Allocate(n)
	if err != nil {
		return nil, err
	}
	p := &Page{mem: mem, openPramin: openPramin, free: alloc.Free}
	p.clear()
	return p, nil
}

// clear writes 0 across every 4-byte word of the page via PRAMIN, using a
// single-stride loop. The original C++ advanced both the loop variable and
// the target address by sizeof(uint32_t) per iteration, which under-zeroed
// the page by only touching every other word; this is the fix the spec's
// Design Notes call for.
func (p *Page) clear() {
	pramin, release := p.openPramin()
	defer release()
	size := p.Size()
	for off := uint64(0); off < size; off += 4 {
		pramin.Write32(p.Address()+gxenabi.HostPhysAddr(off), 0)
	}
}

// Address returns the page-aligned host-physical VRAM address backing p.
func (p *Page) Address() gxenabi.HostPhysAddr {
	return p.mem.Address
}

// Size is the byte span of p.
func (p *Page) Size() uint64 {
	return p.mem.Size()
}

// Write32 writes a 4-byte-aligned word at offset, opening its own scoped
// PRAMIN accessor.
func (p *Page) Write32(offset uint64, value uint32) error {
	if err := p.checkOffset(offset); err != nil {
		return err
	}
	pramin, release := p.openPramin()
	defer release()
	pramin.Write32(p.Address()+gxenabi.HostPhysAddr(offset), value)
	return nil
}

// Read32 reads a 4-byte-aligned word at offset, opening its own scoped
// PRAMIN accessor.
func (p *Page) Read32(offset uint64) (uint32, error) {
	if err := p.checkOffset(offset); err != nil {
		return 0, err
	}
	pramin, release := p.openPramin()
	defer release()
	return pramin.Read32(p.Address() + gxenabi.HostPhysAddr(offset)), nil
}

// WriteVia writes through an already-open Pramin accessor, for callers
// (channel.Channel's attach) performing a bulk sequence of page touches under
// one scoped accessor instead of opening/closing one per word.
func (p *Page) WriteVia(pramin Pramin, offset uint64, value uint32) error {
	if err := p.checkOffset(offset); err != nil {
		return err
	}
	pramin.Write32(p.Address()+gxenabi.HostPhysAddr(offset), value)
	return nil
}

// ReadVia reads through an already-open Pramin accessor.
func (p *Page) ReadVia(pramin Pramin, offset uint64) (uint32, error) {
	if err := p.checkOffset(offset); err != nil {
		return 0, err
	}
	return pramin.Read32(p.Address() + gxenabi.HostPhysAddr(offset)), nil
}

func (p *Page) checkOffset(offset uint64) error {
	if offset%4 != 0 {
		return errors.Errorf("vram: page offset 0x%x is not 4-byte aligned", offset)
	}
	if offset >= p.Size() {
		return errors.Errorf("vram: page offset 0x%x >= size 0x%x", offset, p.Size())
	}
	return nil
}

// Close returns p's backing pages to the allocator. Calls after the first
// are no-ops.
func (p *Page) Close() {
	if p.closed {
		return
	}
	p.closed = true
	p.free(p.mem)
}
