// Package session implements the per-guest Context state machine (spec
// §4.10): the wire command dispatcher that turns INIT/READ/WRITE records
// into device and shadow-table operations. Grounded on
// _examples/original_source/tools/cross/cross_context.{h,cc} and
// cross_session.{h,cc}.
package session

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/CPFL/gxen/pkg/bar1shadow"
	"github.com/CPFL/gxen/pkg/channel"
	"github.com/CPFL/gxen/pkg/device"
	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/gxenerr"
	"github.com/CPFL/gxen/pkg/remap"
	"github.com/CPFL/gxen/pkg/shadowpt"
	"github.com/CPFL/gxen/pkg/vram"
)

// State is one of the four session lifecycle states (spec §4.10).
type State int

const (
	Unaccepted State = iota
	Initialized
	Serving
	Closed
)

func (s State) String() string {
	switch s {
	case Unaccepted:
		return "unaccepted"
	case Initialized:
		return "initialized"
	case Serving:
		return "serving"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// channelCount is the number of virtual channels multiplexed per guest
// (spec §3 Channel: "id: u32 (0..2 per guest)").
const channelCount = 2

// remapTableSize is the guest-physical address span the per-context
// barrier/remap table covers; 40 bits per spec §4.6.
const remapTableSize = uint64(1) << 40

// Config bundles the construction-time parameters for New that the socket
// acceptor (external to this core, per spec §1) supplies per accepted
// connection.
type Config struct {
	Device *device.Device
	Log    *logrus.Logger

	// PollArea anchors the 128*4KB poll-area band on BAR1 (spec §6). The
	// distilled spec names no wire command that sets this per session; see
	// DESIGN.md's Open Question resolution. It is supplied at session
	// construction by the (external) acceptor, which knows the guest's
	// memory layout.
	PollArea gxenabi.GuestVirtAddr

	// SlabPages sizes the host-physical VRAM slab this context's
	// AddressTranslator maps the guest's GPU-physical view onto (see
	// DESIGN.md's Open Question resolution for GuestToHost/HostToGuest).
	SlabPages uint64
}

// Context is a per-guest session: the wire-command state machine plus the
// per-guest shadow state (BAR1/BAR3 shadow page tables, channels, and
// barrier table) spec §3's Context/Device ownership summary assigns it
// exclusively.
type Context struct {
	dev *device.Device
	log *logrus.Entry
	id  uuid.UUID

	mu    sync.Mutex
	state State
	domid int32
	vid   uint32

	pollArea  gxenabi.GuestVirtAddr
	slabPages uint64
	vramSlab  vram.Memory
	accepted  bool

	bar1Table *shadowpt.Table
	bar3Table *shadowpt.Table
	barrier   *remap.Table
	channels  [channelCount]*channel.Channel
}

// New constructs a Context in the Unaccepted state. The session's vid and
// VRAM slab are acquired lazily, on its first INIT command.
func New(cfg Config) *Context {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	id := uuid.New()
	slabPages := cfg.SlabPages
	if slabPages == 0 {
		slabPages = 4096 // 16 MB default guest-visible GPU address space
	}
	return &Context{
		dev:       cfg.Device,
		log:       log.WithField("session", id.String()),
		id:        id,
		state:     Unaccepted,
		domid:     -1,
		pollArea:  cfg.PollArea,
		slabPages: slabPages,
		bar1Table: shadowpt.New(0),
		bar3Table: shadowpt.New(1),
		barrier:   remap.NewTable(remapTableSize),
	}
}

// State returns the session's current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close tears the session down: releases the virtual-GPU id, the VRAM
// slab, and every channel's shadow RAMIN page, matching the "any state:
// socket error/EOF -> Closed: release vid; drop tables" transition of spec
// §4.10.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return
	}
	wasServing := c.state == Serving
	c.state = Closed
	for _, ch := range c.channels {
		if ch != nil {
			ch.Close()
		}
	}
	if c.accepted {
		c.dev.ReleaseVirt(c.vid)
		c.dev.Free(c.vramSlab)
		c.accepted = false
	}
	if wasServing && c.dev.Metrics != nil {
		c.dev.Metrics.SessionsActive.Dec()
	}
	c.log.Info("session closed")
}

// GuestToHost implements channel.AddressTranslator: the guest's
// GPU-physical address space is modeled as a fixed linear offset onto a
// host-physical VRAM slab this context owns exclusively from INIT until
// Close (see DESIGN.md's Open Question resolution: the original
// ctx->get_phys_address/get_virt_address bodies are absent from the
// retrieved source).
func (c *Context) GuestToHost(gp gxenabi.GuestPhysAddr) (gxenabi.HostPhysAddr, error) {
	if uint64(gp) >= c.vramSlab.Size() {
		return 0, errors.Wrapf(gxenerr.ErrUnmappedAddress, "guest-phys 0x%x beyond slab size 0x%x", gp, c.vramSlab.Size())
	}
	return c.vramSlab.Address + gxenabi.HostPhysAddr(gp), nil
}

// HostToGuest is GuestToHost's inverse.
func (c *Context) HostToGuest(hp gxenabi.HostPhysAddr) (gxenabi.GuestPhysAddr, error) {
	if hp < c.vramSlab.Address || uint64(hp-c.vramSlab.Address) >= c.vramSlab.Size() {
		return 0, errors.Wrapf(gxenerr.ErrUnmappedAddress, "host-phys 0x%x outside slab [0x%x, 0x%x)", hp, c.vramSlab.Address, c.vramSlab.Address+gxenabi.HostPhysAddr(c.vramSlab.Size()))
	}
	return gxenabi.GuestPhysAddr(hp - c.vramSlab.Address), nil
}

// phys_channel_id per spec §4.8: ctx.vid*64 + cid.
func (c *Context) physChannelID(vcid uint32) uint32 {
	return c.vid*64 + vcid
}

// pollAreaReader builds the narrow capability bar1shadow.Channel.Shadow
// needs to resolve this context's poll-area slots, per Design Note 3 (dual
// ownership of BAR1/BAR3 tables: Device borrows, never owns, the context's
// table).
func (c *Context) pollAreaReader() bar1shadow.PollAreaReader {
	return bar1shadow.PollAreaReader{
		ResolvePollSlot: func(vcid uint32) (gxenabi.HostPhysAddr, bool) {
			slotVirt := gxenabi.GuestVirtAddr(uint64(c.pollArea) + uint64(vcid)*gxenabi.SmallPageSize)
			return c.bar1Table.Resolve(slotVirt)
		},
		PhysChannelID: c.physChannelID,
	}
}

// channelFor lazily constructs the channel for virtual channel id vcid on
// first use, per spec §4.5 ("created when context first attaches").
func (c *Context) channelFor(vcid uint32) (*channel.Channel, error) {
	if c.channels[vcid] != nil {
		return c.channels[vcid], nil
	}
	ch, err := channel.New(c.physChannelID(vcid), c.dev.Allocator, c.dev.OpenPramin)
	if err != nil {
		return nil, errors.Wrapf(err, "session %s: construct channel %d", c.id, vcid)
	}
	c.channels[vcid] = ch
	return ch, nil
}

// refreshChannel re-homes virtual channel vcid's RAMIN pointer, driving
// channel.Channel.Refresh (attach/detach) and then reshadowing the BAR1
// device channel's poll-area PTEs so the mediator can still reach the
// guest's poll slots after the switch.
func (c *Context) refreshChannel(vcid uint32, newRaminAddr gxenabi.GuestPhysAddr) (gxenabi.HostPhysAddr, error) {
	ch, err := c.channelFor(vcid)
	if err != nil {
		return 0, err
	}
	pramin, release := c.dev.OpenPramin()
	wasEnabled, oldRaminAddr := ch.Enabled, ch.RaminAddr
	addr, err := ch.Refresh(c, c.barrier, pramin, newRaminAddr)
	// Release the accessor before reshadowing: the BAR1 channel's page
	// writes open their own accessor and would otherwise lock the bus twice.
	release()
	if err != nil {
		return 0, errors.Wrapf(err, "session %s: refresh channel %d", c.id, vcid)
	}
	rehomed := !wasEnabled || oldRaminAddr != newRaminAddr
	if c.dev.Metrics != nil && rehomed {
		if wasEnabled {
			c.dev.Metrics.ChannelDetaches.Inc()
		}
		c.dev.Metrics.ChannelAttaches.Inc()
	}

	if err := c.dev.BAR1.Shadow(c.pollAreaReader()); err != nil {
		c.log.WithError(err).Warn("bar1 shadow update failed")
	}
	return addr, nil
}
