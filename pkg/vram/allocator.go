// Package vram implements the VRAM slab allocator (spec §4.1) and the Page
// RAII handle built on top of it (spec §4.3), grounded on
// _examples/original_source/tools/cross/cross_vram.{h,cc} and
// cross_page.{h,cc}. The original's boost::pool allocator is replaced with
// a plain free-bitmap over the fixed host-physical region, in the spirit of
// the free-list allocators throughout the retrieval pack
// (Oichkatzelesfrettschen-biscuit's Physmem_t).
package vram

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/gxenerr"
)

// Memory is a handle to n contiguous, page-granular pages carved out of an
// Allocator's region. It is created exclusively by Allocator.Allocate and
// destroyed only through Allocator.Free; callers must not copy it into a
// second owner.
type Memory struct {
	Address gxenabi.HostPhysAddr
	NPages  uint64
}

// Size is the byte span of m.
func (m Memory) Size() uint64 {
	return m.NPages * gxenabi.SmallPageSize
}

// Allocator manages a fixed host-physical region [base, base+size) split
// into 4 KB pages. It never relocates a live allocation: the address
// Allocate returns is encoded from the pool's internal page index and is
// stable until the corresponding Free.
type Allocator struct {
	mu    sync.Mutex
	base  gxenabi.HostPhysAddr
	pages uint64
	free  []bool // free[i] == true iff page i is unallocated
}

// NewAllocator carves an allocator out of [base, base+size). size is
// rounded down to a whole number of 4 KB pages.
func NewAllocator(base gxenabi.HostPhysAddr, size uint64) *Allocator {
	n := size / gxenabi.SmallPageSize
	free := make([]bool, n)
	for i := range free {
		free[i] = true
	}
	return &Allocator{base: base, pages: n, free: free}
}

// Allocate returns n contiguous pages if n>1, or any single free page if
// n==1. It fails with gxenerr.ErrOutOfVram when the pool cannot satisfy
// the request.
func (a *Allocator) Allocate(n uint64) (Memory, error) {
	if n == 0 {
		n = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start, ok := a.findRun(n)
	if !ok {
		return Memory{}, errors.Wrapf(gxenerr.ErrOutOfVram, "allocate %d pages", n)
	}
	for i := start; i < start+n; i++ {
		a.free[i] = false
	}
	return Memory{Address: a.base + gxenabi.HostPhysAddr(start*gxenabi.SmallPageSize), NPages: n}, nil
}

func (a *Allocator) findRun(n uint64) (uint64, bool) {
	var run uint64
	for i := uint64(0); i < a.pages; i++ {
		if a.free[i] {
			run++
			if run == n {
				return i - run + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Free returns mem's pages to the pool. It is safe to call only once per
// live Memory value; exclusive ownership (spec §3) keeps callers from
// reusing mem afterward.
func (a *Allocator) Free(mem Memory) {
	if mem.NPages == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := uint64(mem.Address-a.base) / gxenabi.SmallPageSize
	for i := start; i < start+mem.NPages; i++ {
		a.free[i] = true
	}
}
