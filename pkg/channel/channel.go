// Package channel implements the per-guest GPU channel (spec §4.5): a
// shadow RAMIN block plus shadow page table, with attach/detach logic that
// re-homes the guest-physical pointers embedded in RAMIN into host-physical
// ones. Grounded on
// _examples/original_source/tools/cross/cross_channel.{h,cc}.
package channel

import (
	"github.com/pkg/errors"

	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/shadowpt"
	"github.com/CPFL/gxen/pkg/vram"
)

// raminOffset names one of the RAMIN fields attach/detach rewrites, per the
// table in spec §4.5.
type raminOffset struct {
	offset uint64
	is64   bool
}

// raminPointerFields lists, in the order attach walks them, the RAMIN
// fields holding guest pointers that must be translated on attach (and
// translated back, in reverse order, on detach). The page-directory limit
// at 0x0208 is copied unchanged and is not in this list.
var raminPointerFields = []raminOffset{
	{offset: gxenabi.RaminPageDirectory, is64: true},
	{offset: gxenabi.RaminFaultContext, is64: true},
	{offset: gxenabi.RaminMpegContextLimit, is64: false},
	{offset: gxenabi.RaminMpegContext, is64: false},
}

// AddressTranslator is the narrow capability a Channel needs from its
// owning session to translate the guest-physical pointers embedded in a
// channel's RAMIN block into host-physical ones, and back. Implemented by
// session.Context: each guest is given an exclusive host-physical VRAM
// slab at INIT time, and the translation is the fixed offset between that
// slab and the guest's own view of its GPU-physical address space (see
// DESIGN.md — the original's ctx->get_phys_address/get_virt_address were
// not present in the retrieved source).
type AddressTranslator interface {
	GuestToHost(gxenabi.GuestPhysAddr) (gxenabi.HostPhysAddr, error)
	HostToGuest(gxenabi.HostPhysAddr) (gxenabi.GuestPhysAddr, error)
}

// Barrier is the narrow capability to register or release a RAMIN page for
// write interception, implemented by remap.Table.
type Barrier interface {
	Map(page gxenabi.GuestPhysAddr, result gxenabi.GuestPhysAddr, readOnly bool) bool
	Unmap(page gxenabi.GuestPhysAddr)
}

// Pramin is the bulk read/write capability attach/detach hold open across
// their whole sequence of RAMIN touches, rather than opening a fresh scoped
// accessor per word.
type Pramin interface {
	Read32(addr gxenabi.HostPhysAddr) uint32
	Write32(addr gxenabi.HostPhysAddr, val uint32)
}

// Channel is a per-guest GPU channel: a 2-page shadow RAMIN block plus the
// shadow page table mirroring the guest's page directory.
type Channel struct {
	ID        uint32
	Enabled   bool
	RaminAddr gxenabi.GuestPhysAddr

	ShadowRamin *vram.Page
	Table       *shadowpt.Table
}

// New allocates the 2-page shadow RAMIN block and constructs an empty
// shadow page table for channel id.
func New(id uint32, alloc *vram.Allocator, openPramin vram.PraminOpener) (*Channel, error) {
	ramin, err := vram.NewPage(2, alloc, openPramin)
	if err != nil {
		return nil, errors.Wrapf(err, "channel %d: allocate shadow ramin", id)
	}
	return &Channel{ID: id, ShadowRamin: ramin, Table: shadowpt.New(id)}, nil
}

// Close releases the channel's shadow RAMIN pages.
func (c *Channel) Close() {
	c.ShadowRamin.Close()
}

// Refresh re-homes the channel onto newRaminAddr. If the channel is already
// enabled at that address, it is a no-op that returns the shadow RAMIN's
// host-physical address (idempotent). If enabled at a different address, it
// detaches from the old address before attaching to the new one — detach
// must precede attach so the barrier table is never left double-mapped.
func (c *Channel) Refresh(trans AddressTranslator, barrier Barrier, pramin Pramin, newRaminAddr gxenabi.GuestPhysAddr) (gxenabi.HostPhysAddr, error) {
	if c.Enabled && newRaminAddr == c.RaminAddr {
		return c.ShadowRamin.Address(), nil
	}
	if c.Enabled {
		if err := c.detach(trans, barrier, pramin); err != nil {
			return 0, err
		}
	}
	c.Enabled = true
	c.RaminAddr = newRaminAddr
	if err := c.attach(trans, barrier, pramin); err != nil {
		return 0, err
	}
	return c.ShadowRamin.Address(), nil
}

// attach copies the live RAMIN into the shadow RAMIN, translates the
// embedded guest pointers (phys→host-phys, writing both the shadow and the
// live RAMIN), rebuilds the shadow page table from the translated page
// directory pointer, and registers the RAMIN's physical page with the
// barrier table. A failed translation is fatal for the command: the
// channel is left partially updated and the caller must tear the session
// down (spec §4.5 failure semantics).
func (c *Channel) attach(trans AddressTranslator, barrier Barrier, pramin Pramin) error {
	raminHost := gxenabi.HostPhysAddr(c.RaminAddr)

	for off := uint64(0); off < c.ShadowRamin.Size(); off += 4 {
		value := pramin.Read32(raminHost + gxenabi.HostPhysAddr(off))
		if err := c.ShadowRamin.WriteVia(pramin, off, value); err != nil {
			return errors.Wrapf(err, "channel %d: copy shadow ramin", c.ID)
		}
	}

	var pageDirectoryHost gxenabi.HostPhysAddr
	for _, f := range raminPointerFields {
		guestVal, err := readField(pramin, raminHost, f)
		if err != nil {
			return err
		}
		hostVal, err := trans.GuestToHost(gxenabi.GuestPhysAddr(guestVal))
		if err != nil {
			return errors.Wrapf(err, "channel %d: attach: translate field at 0x%x", c.ID, f.offset)
		}
		if err := writeField(pramin, raminHost, f, uint64(hostVal)); err != nil {
			return err
		}
		if err := writeFieldPage(c.ShadowRamin, pramin, f, uint64(hostVal)); err != nil {
			return err
		}
		if f.offset == gxenabi.RaminPageDirectory {
			pageDirectoryHost = hostVal
		}
	}

	pdLimit, err := readField(pramin, raminHost, raminOffset{offset: gxenabi.RaminPageLimit, is64: true})
	if err != nil {
		return err
	}

	if err := c.Table.RefreshDirectories(pramin, uint64(pageDirectoryHost), pdLimit+1); err != nil {
		return errors.Wrapf(err, "channel %d: attach", c.ID)
	}

	barrier.Map(c.RaminAddr, c.RaminAddr, false)
	return nil
}

// detach unmaps the RAMIN from the barrier and walks the same field list in
// reverse (host-phys→guest-phys) so the guest sees its original pointers if
// it re-reads the channel's RAMIN block.
func (c *Channel) detach(trans AddressTranslator, barrier Barrier, pramin Pramin) error {
	barrier.Unmap(c.RaminAddr)

	raminHost := gxenabi.HostPhysAddr(c.RaminAddr)
	for i := len(raminPointerFields) - 1; i >= 0; i-- {
		f := raminPointerFields[i]
		hostVal, err := readField(pramin, raminHost, f)
		if err != nil {
			return err
		}
		guestVal, err := trans.HostToGuest(gxenabi.HostPhysAddr(hostVal))
		if err != nil {
			return errors.Wrapf(err, "channel %d: detach: translate field at 0x%x", c.ID, f.offset)
		}
		if err := writeField(pramin, raminHost, f, uint64(guestVal)); err != nil {
			return err
		}
	}
	return nil
}

func readField(pramin Pramin, base gxenabi.HostPhysAddr, f raminOffset) (uint64, error) {
	if !f.is64 {
		return uint64(pramin.Read32(base + gxenabi.HostPhysAddr(f.offset))), nil
	}
	low := pramin.Read32(base + gxenabi.HostPhysAddr(f.offset))
	high := pramin.Read32(base + gxenabi.HostPhysAddr(f.offset) + 4)
	return uint64(low) | uint64(high)<<32, nil
}

func writeField(pramin Pramin, base gxenabi.HostPhysAddr, f raminOffset, value uint64) error {
	if !f.is64 {
		pramin.Write32(base+gxenabi.HostPhysAddr(f.offset), uint32(value))
		return nil
	}
	pramin.Write32(base+gxenabi.HostPhysAddr(f.offset), uint32(value))
	pramin.Write32(base+gxenabi.HostPhysAddr(f.offset)+4, uint32(value>>32))
	return nil
}

func writeFieldPage(p *vram.Page, pramin vram.Pramin, f raminOffset, value uint64) error {
	if !f.is64 {
		return p.WriteVia(pramin, f.offset, uint32(value))
	}
	if err := p.WriteVia(pramin, f.offset, uint32(value)); err != nil {
		return err
	}
	return p.WriteVia(pramin, f.offset+4, uint32(value>>32))
}
