package hwio

import (
	"github.com/CPFL/gxen/pkg/gxenabi"
)

// PraminAccessor translates a 64-bit host-physical VRAM address into BAR0's
// 64 KB indirect window (spec §4.2, RegPraminWindow/RegPraminWindowBase).
// Constructing one acquires the device lock and saves the current window
// register; Close restores the saved register and releases the lock.
// Grounded on cross_pramin.{h,cc}.
type PraminAccessor struct {
	regs     *RegisterAccessor
	old      uint32
	haveLast bool
	lastHigh uint32
}

// NewPraminAccessor acquires the device lock and returns a scoped PRAMIN
// accessor. The caller must Close it.
func NewPraminAccessor(bus *Bus) *PraminAccessor {
	return newPramin(NewRegisterAccessor(bus))
}

// NewPraminAccessorLocked builds a scoped PRAMIN accessor reusing a lock
// token the caller already holds, for composing PRAMIN access with an
// outer device-locked operation.
func NewPraminAccessorLocked(tok *Locked) *PraminAccessor {
	return newPramin(NewRegisterAccessorLocked(tok))
}

func newPramin(regs *RegisterAccessor) *PraminAccessor {
	return &PraminAccessor{regs: regs, old: regs.Read32(gxenabi.RegPraminWindow)}
}

// Close restores BAR0's PRAMIN window register to its pre-construction
// value and releases the device lock if this accessor acquired it.
func (p *PraminAccessor) Close() {
	p.regs.Write32(gxenabi.RegPraminWindow, p.old)
	p.regs.Close()
}

// Read32 reads a 32-bit word of VRAM at the given host-physical address,
// sliding the PRAMIN window as needed.
func (p *PraminAccessor) Read32(addr gxenabi.HostPhysAddr) uint32 {
	p.slideTo(addr)
	return p.regs.Read32(gxenabi.RegPraminWindowBase + uint32(uint64(addr)&gxenabi.RegPraminWindowMask))
}

// Write32 writes a 32-bit word of VRAM at the given host-physical address.
func (p *PraminAccessor) Write32(addr gxenabi.HostPhysAddr, val uint32) {
	p.slideTo(addr)
	p.regs.Write32(gxenabi.RegPraminWindowBase+uint32(uint64(addr)&gxenabi.RegPraminWindowMask), val)
}

// slideTo updates the PRAMIN window register only when the high part of
// addr differs from the last value this accessor wrote, per spec §4.2.
func (p *PraminAccessor) slideTo(addr gxenabi.HostPhysAddr) {
	high := uint32(uint64(addr) >> 16)
	if p.haveLast && p.lastHigh == high {
		return
	}
	p.regs.Write32(gxenabi.RegPraminWindow, high)
	p.lastHigh = high
	p.haveLast = true
}
