// Package bar1shadow implements the BAR1 shadow device channel (spec §4.7):
// the fixed minimum shadow-mode channel the mediator itself uses to address
// guest memory through BAR1. Grounded on
// _examples/original_source/tools/cross/cross_device_bar1.{h,cc}.
package bar1shadow

import (
	"github.com/pkg/errors"

	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/hwio"
	"github.com/CPFL/gxen/pkg/vram"
)

// vmSize is the virtual-space span the device channel's single page
// directory slot covers: 128 pages of 4 KB each.
const vmSize = 128 * gxenabi.SmallPageSize

// PollAreaReader is the narrow read-only capability Shadow needs from a
// session.Context: resolve one of its poll-area virtual channel slots to
// the host-physical address backing it, and report the context's assigned
// physical channel id for a given virtual one. Device borrows this
// interface rather than taking an owning pointer into the context's own
// shadow tables, per the spec's Design Notes on dual table ownership.
type PollAreaReader struct {
	// ResolvePollSlot resolves virtual channel id vcid's poll-area slot
	// through the context's own BAR1 shadow table.
	ResolvePollSlot func(vcid uint32) (gxenabi.HostPhysAddr, bool)
	// PhysChannelID maps a virtual channel id to this context's assigned
	// physical channel id (ctx.vid*64 + vcid, spec §4.8/§4.10).
	PhysChannelID func(vcid uint32) uint32
}

// domainChannels is the number of virtual channels multiplexed per guest
// (spec §3 Channel: "id: u32 (0..2 per guest)").
const domainChannels = 2

// Channel is the singleton BAR1 shadow device channel constructed once at
// device init.
type Channel struct {
	ramin     *vram.Page
	directory *vram.Page
	entry     *vram.Page
}

// New constructs the fixed minimum shadow-mode BAR1 channel: one page for
// RAMIN, one for a page directory, one for a small-PTE block. The RAMIN's
// page directory pointer is pre-wired to the allocated directory page with
// small_page_table_present set, spanning 128*4KB = 512KB of virtual space.
func New(alloc *vram.Allocator, openPramin vram.PraminOpener) (*Channel, error) {
	ramin, err := vram.NewPage(2, alloc, openPramin)
	if err != nil {
		return nil, errors.Wrap(err, "bar1shadow: allocate ramin")
	}
	directory, err := vram.NewPage(1, alloc, openPramin)
	if err != nil {
		return nil, errors.Wrap(err, "bar1shadow: allocate page directory")
	}
	entry, err := vram.NewPage(1, alloc, openPramin)
	if err != nil {
		return nil, errors.Wrap(err, "bar1shadow: allocate pte block")
	}

	c := &Channel{ramin: ramin, directory: directory, entry: entry}

	if err := ramin.Write32(gxenabi.RaminPageDirectory, uint32(directory.Address())); err != nil {
		return nil, err
	}
	if err := ramin.Write32(gxenabi.RaminPageDirectory+4, uint32(uint64(directory.Address())>>32)); err != nil {
		return nil, err
	}
	if err := ramin.Write32(gxenabi.RaminPageLimit, uint32(vmSize)); err != nil {
		return nil, err
	}
	if err := ramin.Write32(gxenabi.RaminPageLimit+4, 0); err != nil {
		return nil, err
	}

	word0 := uint32(1 << 1) // small_page_table_present
	word1 := uint32(uint64(entry.Address()) >> 12)
	if err := directory.Write32(0x0, word0); err != nil {
		return nil, err
	}
	if err := directory.Write32(0x4, word1); err != nil {
		return nil, err
	}
	return c, nil
}

// Address is the shadow page directory's host-physical address, written to
// the scheduler's playlist-page-directory register on Flush.
func (c *Channel) Address() gxenabi.HostPhysAddr {
	return c.directory.Address()
}

// Close releases the channel's three backing pages.
func (c *Channel) Close() {
	c.ramin.Close()
	c.directory.Close()
	c.entry.Close()
}

// Map installs a present PTE mapping virt to phys in the channel's single
// PTE block. Calls outside the first 32 MB directory slot are silently
// dropped, matching the "only considers first 0x1000 tables" scope of the
// original.
func (c *Channel) Map(virt gxenabi.GuestVirtAddr, phys gxenabi.HostPhysAddr) error {
	if uint64(virt)/gxenabi.PageDirectoryCoveredSize != 0 {
		return nil
	}
	index := uint64(virt) / gxenabi.SmallPageSize
	data := gxenabi.EncodeMediatorPTE(phys)
	if err := c.entry.Write32(8*index, uint32(data)); err != nil {
		return err
	}
	return c.entry.Write32(8*index+4, uint32(data>>32))
}

// Shadow iterates over ctx's poll area and installs PTEs mapping each
// virtual channel slot to its resolved host-physical address.
func (c *Channel) Shadow(ctx PollAreaReader) error {
	for vcid := uint32(0); vcid < domainChannels; vcid++ {
		pcid := ctx.PhysChannelID(vcid)
		hostPhys, ok := ctx.ResolvePollSlot(vcid)
		if !ok {
			continue
		}
		virt := gxenabi.GuestVirtAddr(uint64(pcid) * gxenabi.SmallPageSize)
		if err := c.Map(virt, hostPhys); err != nil {
			return err
		}
	}
	return nil
}

// Flush installs the channel's page directory with the GPU scheduler:
// waits for engine idle, writes the directory address and engine mask, then
// waits for the scheduler to acknowledge.
func (c *Channel) Flush(bus *hwio.Bus, progress func(iterations uint64)) {
	l := bus.Lock()
	defer l.Unlock()
	regs := hwio.NewRegisterAccessorLocked(l)
	defer regs.Close()

	regs.WaitNe(gxenabi.RegFifoEngineStatus, 0x00ff0000, 0, progress)
	regs.Write32(gxenabi.RegFifoPlaylistAddr, uint32(uint64(c.Address())>>8))
	regs.Write32(gxenabi.RegFifoPlaylistUpdate, 1|4)
	regs.WaitEq(gxenabi.RegFifoEngineStatus, 0x00008000, 0x00008000, progress)
}
