// Package remap implements the memory barrier/remapping table (spec §4.6):
// a sparse two-level table over a 40-bit guest-physical address space that
// intercepts writes to pages backing page-table entries so the shadow
// state stays coherent. Grounded on
// _examples/original_source/tools/cross/cross_remapping.{h,cc}.
package remap

import (
	"github.com/CPFL/gxen/pkg/gxenabi"
)

// Address layout, matching cross_remapping.h's diagram:
//
//	DDDDDDDDDDDDD PPPPPPPPPPPPPPP OOOOOOOOOOOO
//	13 directory  15 page         12 offset
const (
	offsetBits    = 12
	pageBits      = 15
	directoryBits = 13
	addressBits   = offsetBits + pageBits + directoryBits // 40

	directoryCount = 1 << directoryBits
	pageCount      = 1 << pageBits

	pageMask = (uint64(1) << offsetBits) - 1
)

// PageEntry is a barrier table entry: a present/read-only/target-address
// PTE plus a reference count. The original C++ declared ref_count but
// never maintained it; per the spec's Design Notes, this rewrite maintains
// it properly: Map increments on every call (including overwriting an
// already-present entry), Unmap decrements and only clears Present when it
// reaches zero.
type PageEntry struct {
	Present  bool
	ReadOnly bool
	Target   uint64 // page-shifted: actual address is Target<<12
	RefCount uint32
}

type directory struct {
	entries [pageCount]PageEntry
}

// Table is the two-level sparse barrier/remap table. It is a pure
// in-memory structure; it never issues MMIO itself.
type Table struct {
	size uint64 // configured memory size, addresses >= size are rejected
	dirs []*directory
}

// NewTable builds a Table over [0, memorySize). memorySize is masked down
// to addressBits (40 bits).
func NewTable(memorySize uint64) *Table {
	size := memorySize & ((uint64(1) << addressBits) - 1)
	t := &Table{size: size}
	if size == 0 {
		return t
	}
	n := uint32(((size-1)>>(offsetBits+pageBits))&(directoryCount-1)) + 1
	t.dirs = make([]*directory, n)
	return t
}

func dirIndex(addr uint64) uint32 {
	return uint32((addr >> (offsetBits + pageBits)) & (directoryCount - 1))
}

func pageIndex(addr uint64) uint32 {
	return uint32((addr >> offsetBits) & (pageCount - 1))
}

// Map installs {present=true, read_only, target=resultStart>>12} at
// pageStart, allocating the directory slot lazily if needed. It increments
// RefCount and returns whether a mapping already existed at pageStart.
func (t *Table) Map(pageStart, resultStart gxenabi.GuestPhysAddr, readOnly bool) bool {
	if uint64(pageStart) >= t.size {
		return false
	}
	idx := dirIndex(uint64(pageStart))
	dir := t.dirs[idx]
	if dir == nil {
		dir = &directory{}
		t.dirs[idx] = dir
	}
	entry := &dir.entries[pageIndex(uint64(pageStart))]
	existed := entry.Present
	entry.Present = true
	entry.ReadOnly = readOnly
	entry.Target = uint64(resultStart) >> offsetBits
	entry.RefCount++
	return existed
}

// Unmap decrements the RefCount at pageStart and clears Present only once
// it reaches zero, matching the one-entry-per-ref-count discipline Map
// establishes.
func (t *Table) Unmap(pageStart gxenabi.GuestPhysAddr) {
	if uint64(pageStart) >= t.size {
		return
	}
	idx := dirIndex(uint64(pageStart))
	dir := t.dirs[idx]
	if dir == nil {
		return
	}
	entry := &dir.entries[pageIndex(uint64(pageStart))]
	if !entry.Present {
		return
	}
	if entry.RefCount > 0 {
		entry.RefCount--
	}
	if entry.RefCount == 0 {
		entry.Present = false
	}
}

// Lookup returns the entry covering address, or (_, false) if address is
// out of range, its directory slot is unallocated, or no entry is present.
func (t *Table) Lookup(address gxenabi.GuestPhysAddr) (PageEntry, bool) {
	if uint64(address) >= t.size {
		return PageEntry{}, false
	}
	dir := t.dirs[dirIndex(uint64(address))]
	if dir == nil {
		return PageEntry{}, false
	}
	entry := dir.entries[pageIndex(uint64(address))]
	return entry, entry.Present
}
