// Package shadowpt implements the shadow page table (spec §4.4): a
// mediator-maintained mirror of a guest channel's two-level GPU page
// directory, resolving guest-virtual addresses to host-physical ones.
// Grounded on
// _examples/original_source/tools/cross/cross_shadow_page_table.cc.
package shadowpt

import (
	"github.com/pkg/errors"

	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/gxenerr"
)

// Pramin is the narrow read capability Table needs: every refresh re-reads
// directory and PTE contents straight from guest VRAM, never caching a
// physical copy (spec §4.4).
type Pramin interface {
	Read32(addr gxenabi.HostPhysAddr) uint32
}

// Directory holds one page directory entry's parsed form plus whichever of
// its small/large PTE vectors is populated. SmallEntries is non-empty iff
// the PDE's small_present bit is set, and LargeEntries iff large_present is.
type Directory struct {
	PDE          gxenabi.PageDirectoryEntry
	SmallEntries []gxenabi.PageEntry
	LargeEntries []gxenabi.PageEntry
}

// Table mirrors one guest channel's page directory tree.
type Table struct {
	ChannelID         uint32
	ChannelRaminAddr  gxenabi.GuestPhysAddr
	PageDirectoryAddr uint64 // host-physical byte address of the guest's PD
	Size              uint64 // virtual-space byte span
	Directories       []Directory
}

// New constructs an empty table for the given channel.
func New(channelID uint32) *Table {
	return &Table{ChannelID: channelID}
}

// Refresh re-derives the table from a raw RAMIN register value (the form
// a BAR0 channel-switch write delivers): it decodes the RAMIN address from
// value, reads the page-directory address/limit fields out of guest VRAM
// via pramin, and rebuilds the directory vector. A refresh that would
// exceed MaxPageDirectories aborts, leaving the table's previous contents
// untouched, and returns gxenerr.ErrTableTooLarge.
func (t *Table) Refresh(pramin Pramin, value uint32) error {
	raminAddr := gxenabi.GuestPhysAddr(uint64(value&((1<<30)-1)) << 12)

	pdLow := pramin.Read32(gxenabi.HostPhysAddr(raminAddr) + gxenabi.RaminPageDirectory)
	pdHigh := pramin.Read32(gxenabi.HostPhysAddr(raminAddr) + gxenabi.RaminPageDirectory + 4)
	limitLow := pramin.Read32(gxenabi.HostPhysAddr(raminAddr) + gxenabi.RaminPageLimit)
	limitHigh := pramin.Read32(gxenabi.HostPhysAddr(raminAddr) + gxenabi.RaminPageLimit + 4)

	pdAddr := uint64(pdLow) | uint64(pdHigh)<<32
	limit := uint64(limitLow) | uint64(limitHigh)<<32

	if err := t.RefreshDirectories(pramin, pdAddr, limit+1); err != nil {
		return err
	}
	t.ChannelRaminAddr = raminAddr
	return nil
}

// RefreshDirectories rebuilds the directory vector from an already-known
// page-directory address and virtual-space size. channel.Channel's attach
// calls this variant directly because it has already translated the page
// directory pointer itself (spec §4.5), rather than routing back through
// a raw RAMIN value.
func (t *Table) RefreshDirectories(pramin Pramin, pageDirectoryAddr uint64, size uint64) error {
	n := ceilDiv(size, gxenabi.PageDirectoryCoveredSize)
	if n > gxenabi.MaxPageDirectories {
		return errors.Wrapf(gxenerr.ErrTableTooLarge, "channel %d: %d directories exceeds cap %d", t.ChannelID, n, gxenabi.MaxPageDirectories)
	}

	dirs := make([]Directory, n)
	for i := uint64(0); i < n; i++ {
		addr := pageDirectoryAddr + 8*i
		word0 := pramin.Read32(gxenabi.HostPhysAddr(addr))
		word1 := pramin.Read32(gxenabi.HostPhysAddr(addr) + 4)
		pde := gxenabi.DecodePageDirectoryEntry(word0, word1)
		dirs[i].PDE = pde

		if pde.LargePresent {
			dirs[i].LargeEntries = readEntries(pramin, pde.Addr<<12, gxenabi.PageDirectoryCoveredSize/gxenabi.LargePageSize)
		}
		if pde.SmallPresent {
			dirs[i].SmallEntries = readEntries(pramin, pde.Addr<<12, gxenabi.PageDirectoryCoveredSize/gxenabi.SmallPageSize)
		}
	}

	// Only commit once every directory has been read successfully, so a
	// failure above leaves the table's previous contents in place.
	t.PageDirectoryAddr = pageDirectoryAddr
	t.Size = size
	t.Directories = dirs
	return nil
}

func readEntries(pramin Pramin, base uint64, count uint64) []gxenabi.PageEntry {
	entries := make([]gxenabi.PageEntry, count)
	for i := uint64(0); i < count; i++ {
		addr := base + 8*i
		word0 := pramin.Read32(gxenabi.HostPhysAddr(addr))
		word1 := pramin.Read32(gxenabi.HostPhysAddr(addr) + 4)
		entries[i] = gxenabi.DecodePageEntry(word0, word1)
	}
	return entries
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// Resolve translates a guest-virtual address to a host-physical one,
// preferring the large-page path over the small-page path within a
// directory (spec §4.4 steps 2-3). It returns (_, false) if the address is
// unmapped — directory_index out of range, or no present PTE covers it.
func (t *Table) Resolve(virt gxenabi.GuestVirtAddr) (gxenabi.HostPhysAddr, bool) {
	dirIndex := uint64(virt) / gxenabi.PageDirectoryCoveredSize
	if dirIndex >= uint64(len(t.Directories)) {
		return 0, false
	}
	dir := t.Directories[dirIndex]
	offset := uint64(virt) - dirIndex*gxenabi.PageDirectoryCoveredSize

	if dir.PDE.LargePresent {
		if hp, ok := resolveIn(dir.LargeEntries, offset, gxenabi.LargePageSize); ok {
			return hp, true
		}
	}
	if dir.PDE.SmallPresent {
		if hp, ok := resolveIn(dir.SmallEntries, offset, gxenabi.SmallPageSize); ok {
			return hp, true
		}
	}
	return 0, false
}

func resolveIn(entries []gxenabi.PageEntry, offset uint64, pageSize uint64) (gxenabi.HostPhysAddr, bool) {
	index := offset / pageSize
	if index >= uint64(len(entries)) {
		return 0, false
	}
	entry := entries[index]
	if !entry.Present {
		return 0, false
	}
	rest := offset % pageSize
	return gxenabi.HostPhysAddr(entry.Address<<12 + rest), true
}
