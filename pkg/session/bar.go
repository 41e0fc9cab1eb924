package session

import (
	"github.com/pkg/errors"

	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/gxenerr"
)

// pollAreaSpan is the byte span of the 128-page poll area (spec §6).
const pollAreaSpan = 128 * gxenabi.SmallPageSize

// dispatchBAR0 handles BAR0 reads (raw register passthrough) and writes
// (special-cased at the offsets spec §4.10 names; everything else is
// ignored).
func (c *Context) dispatchBAR0(cmd gxenabi.Command) (gxenabi.Command, error) {
	reply := cmd
	switch cmd.Type {
	case gxenabi.CommandRead:
		reply.Value = c.dev.Read(gxenabi.BAR0, cmd.Offset)
		return reply, nil

	case gxenabi.CommandWrite:
		switch cmd.Offset {
		case gxenabi.RegPraminWindow:
			c.dev.Write(gxenabi.BAR0, cmd.Offset, cmd.Value)

		case gxenabi.RegBar1VM:
			pramin, release := c.dev.OpenPramin()
			err := c.bar1Table.Refresh(pramin, cmd.Value)
			release()
			if err != nil {
				return reply, errors.Wrapf(err, "session %s: bar1_table refresh", c.id)
			}

		case gxenabi.RegBar3VM:
			pramin, release := c.dev.OpenPramin()
			err := c.bar3Table.Refresh(pramin, cmd.Value)
			release()
			if err != nil {
				return reply, errors.Wrapf(err, "session %s: bar3_table refresh", c.id)
			}

		case gxenabi.RegChannelSwitch0:
			if _, err := c.refreshChannel(0, gxenabi.GuestPhysAddr(cmd.Value)); err != nil {
				return reply, err
			}

		case gxenabi.RegChannelSwitch1:
			if _, err := c.refreshChannel(1, gxenabi.GuestPhysAddr(cmd.Value)); err != nil {
				return reply, err
			}

		default:
			// Other offsets are ignored, per spec §4.10.
		}
		return reply, nil

	default:
		return reply, errors.Wrapf(gxenerr.ErrProtocol, "session %s: unknown command type on BAR0", c.id)
	}
}

// dispatchBAR1 handles the poll-area fast path and, outside it, resolution
// through the context's BAR1 shadow table plus a barrier-table consult on
// writes (spec §4.10).
func (c *Context) dispatchBAR1(cmd gxenabi.Command) (gxenabi.Command, error) {
	reply := cmd
	pollStart := uint64(c.pollArea)
	inPoll := uint64(cmd.Offset) >= pollStart && uint64(cmd.Offset) < pollStart+pollAreaSpan

	switch cmd.Type {
	case gxenabi.CommandRead:
		if inPoll {
			reply.Value = c.dev.Read(gxenabi.BAR1, cmd.Offset-uint32(pollStart))
			return reply, nil
		}
		host, ok := c.bar1Table.Resolve(gxenabi.GuestVirtAddr(cmd.Offset))
		if !ok {
			reply.Value = gxenabi.UnmappedWireValue
			c.log.WithField("offset", cmd.Offset).Warn("unresolved bar1 read")
			return reply, nil
		}
		pramin, release := c.dev.OpenPramin()
		defer release()
		reply.Value = pramin.Read32(host)
		return reply, nil

	case gxenabi.CommandWrite:
		if inPoll {
			c.dev.Write(gxenabi.BAR1, cmd.Offset-uint32(pollStart), cmd.Value)
			return reply, nil
		}
		host, ok := c.bar1Table.Resolve(gxenabi.GuestVirtAddr(cmd.Offset))
		if !ok {
			c.log.WithField("offset", cmd.Offset).Warn("unresolved bar1 write dropped")
			return reply, nil
		}
		if _, hit := c.barrier.Lookup(gxenabi.GuestPhysAddr(host)); hit {
			// read_barrier(gphys): logged, no-op in the current design
			// (spec §4.10), then the write still commits.
			c.log.WithField("host", host).Debug("barrier hit on bar1 write")
		}
		pramin, release := c.dev.OpenPramin()
		defer release()
		pramin.Write32(host, cmd.Value)
		return reply, nil

	default:
		return reply, errors.Wrapf(gxenerr.ErrProtocol, "session %s: unknown command type on BAR1", c.id)
	}
}

// dispatchBAR3 resolves through the context's BAR3 shadow table; no poll
// area, no barrier consult (spec §4.10).
func (c *Context) dispatchBAR3(cmd gxenabi.Command) (gxenabi.Command, error) {
	reply := cmd
	switch cmd.Type {
	case gxenabi.CommandRead:
		host, ok := c.bar3Table.Resolve(gxenabi.GuestVirtAddr(cmd.Offset))
		if !ok {
			reply.Value = gxenabi.UnmappedWireValue
			c.log.WithField("offset", cmd.Offset).Warn("unresolved bar3 read")
			return reply, nil
		}
		pramin, release := c.dev.OpenPramin()
		defer release()
		reply.Value = pramin.Read32(host)
		return reply, nil

	case gxenabi.CommandWrite:
		host, ok := c.bar3Table.Resolve(gxenabi.GuestVirtAddr(cmd.Offset))
		if !ok {
			c.log.WithField("offset", cmd.Offset).Warn("unresolved bar3 write dropped")
			return reply, nil
		}
		pramin, release := c.dev.OpenPramin()
		defer release()
		pramin.Write32(host, cmd.Value)
		return reply, nil

	default:
		return reply, errors.Wrapf(gxenerr.ErrProtocol, "session %s: unknown command type on BAR3", c.id)
	}
}
