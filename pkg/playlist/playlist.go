// Package playlist implements the FIFO playlist (spec §4.8): a
// double-buffered list of physical channel ids produced for the GPU
// scheduler. Grounded on
// _examples/original_source/tools/cross/cross_playlist.{h,cc}.
package playlist

import (
	"github.com/pkg/errors"

	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/vram"
)

// entrySize is the byte stride of one playlist slot: a 4-byte physical
// channel id followed by a 4-byte constant.
const entrySize = 8

// Pramin is the read capability Update needs to scan the guest's FIFO
// channel id list.
type Pramin interface {
	Read32(addr gxenabi.HostPhysAddr) uint32
}

// ChannelIDMapper maps a guest-relative virtual channel id to the
// mediator's physical channel id (ctx.vid*64 + cid, spec §4.10).
type ChannelIDMapper func(virtChannelID uint32) uint32

// Playlist is the double-buffered FIFO channel-id list. Exactly two pages
// are used regardless of any toggle-then-mask ambiguity in the original
// (spec's Design Notes).
type Playlist struct {
	pages  [2]*vram.Page
	cursor int
}

// New allocates the two pages backing the double buffer.
func New(alloc *vram.Allocator, openPramin vram.PraminOpener) (*Playlist, error) {
	var pl Playlist
	for i := range pl.pages {
		p, err := vram.NewPage(1, alloc, openPramin)
		if err != nil {
			return nil, errors.Wrapf(err, "playlist: allocate page %d", i)
		}
		pl.pages[i] = p
	}
	return &pl, nil
}

// Close releases both backing pages.
func (pl *Playlist) Close() {
	for _, p := range pl.pages {
		p.Close()
	}
}

func (pl *Playlist) toggle() *vram.Page {
	pl.cursor ^= 1
	return pl.pages[pl.cursor&0x1]
}

// Update selects the inactive page, reads count virtual channel ids from
// guestAddress via pramin, writes each one's mapped physical channel id
// plus the constant 0x4 into the page, and returns the page's host-physical
// address for the scheduler to consume. count==0 still toggles and returns
// the now-active (previously inactive) page's address unchanged.
func (pl *Playlist) Update(pramin Pramin, mapID ChannelIDMapper, guestAddress gxenabi.HostPhysAddr, count uint32) (gxenabi.HostPhysAddr, error) {
	page := pl.toggle()
	for i := uint32(0); i < count; i++ {
		cid := pramin.Read32(guestAddress + gxenabi.HostPhysAddr(uint64(i)*entrySize))
		pcid := mapID(cid)
		if err := page.Write32(uint64(i)*entrySize, pcid); err != nil {
			return 0, errors.Wrapf(err, "playlist: write entry %d", i)
		}
		if err := page.Write32(uint64(i)*entrySize+4, 0x4); err != nil {
			return 0, errors.Wrapf(err, "playlist: write entry %d constant", i)
		}
	}
	return page.Address(), nil
}
