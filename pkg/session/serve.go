package session

import (
	stdcontext "context"
	"io"

	"github.com/pkg/errors"

	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/gxenerr"
)

// Serve runs one session's read-dispatch-reply loop to completion against
// an already-accepted connection. The listening socket, its accept loop,
// and multi-connection framing are external collaborators (spec §1); Serve
// consumes exactly one io.ReadWriter end, the granularity at which
// cross_context.h's context plugged into the original's boost::asio
// acceptor.
func Serve(ctx stdcontext.Context, rw io.ReadWriter, cfg Config) error {
	c := New(cfg)
	defer c.Close()

	buf := make([]byte, gxenabi.CommandSize)
	for {
		if _, err := io.ReadFull(rw, buf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return errors.Wrap(gxenerr.ErrTransport, err.Error())
		}

		var cmd gxenabi.Command
		if err := cmd.UnmarshalBinary(buf); err != nil {
			return errors.Wrap(gxenerr.ErrTransport, err.Error())
		}

		reply, err := c.dispatch(ctx, cmd)
		if err != nil {
			if errors.Is(err, gxenerr.ErrTransport) {
				return err
			}
			// Locally recoverable kinds (spec §7): log and still answer,
			// to keep the stream aligned.
			c.log.WithError(err).WithField("type", cmd.Type).Warn("command error")
		}

		out, err := reply.MarshalBinary()
		if err != nil {
			return errors.Wrap(gxenerr.ErrTransport, err.Error())
		}
		if _, err := rw.Write(out); err != nil {
			return errors.Wrap(gxenerr.ErrTransport, err.Error())
		}
	}
}

// dispatch advances the session state machine by one command and returns
// the (possibly modified) reply record, per spec §4.10's transition table.
func (c *Context) dispatch(ctx stdcontext.Context, cmd gxenabi.Command) (gxenabi.Command, error) {
	reply := cmd

	if cmd.Type == gxenabi.CommandInit {
		if c.state != Unaccepted {
			// Serving|Initialized + TYPE_INIT -> error (reject); the
			// record is echoed unchanged to keep the stream aligned.
			return reply, errors.Wrapf(gxenerr.ErrProtocol, "session %s: duplicate INIT in state %s", c.id, c.state)
		}
		return reply, c.handleInit(ctx, cmd)
	}

	if c.state == Unaccepted {
		return reply, errors.Wrapf(gxenerr.ErrProtocol, "session %s: command before INIT", c.id)
	}
	if c.state == Initialized {
		c.state = Serving
		if c.dev.Metrics != nil {
			c.dev.Metrics.SessionsActive.Inc()
		}
	}

	if c.dev.Metrics != nil {
		c.dev.Metrics.CommandsByBAR.WithLabelValues(cmd.Payload.String()).Inc()
	}

	switch cmd.Payload {
	case gxenabi.BAR0:
		return c.dispatchBAR0(cmd)
	case gxenabi.BAR1:
		return c.dispatchBAR1(cmd)
	case gxenabi.BAR3:
		return c.dispatchBAR3(cmd)
	default:
		return reply, errors.Wrapf(gxenerr.ErrProtocol, "session %s: unknown BAR payload %d", c.id, cmd.Payload)
	}
}

// handleInit performs the Unaccepted -> Initialized transition: records
// domid, acquires a virtual-GPU id and this session's VRAM slab, and tries
// to acquire the physical GPU for domid.
func (c *Context) handleInit(ctx stdcontext.Context, cmd gxenabi.Command) error {
	domid := int32(cmd.Value)

	vid, ok := c.dev.AcquireVirt()
	if !ok {
		return errors.Wrapf(gxenerr.ErrHypervisorDenied, "session %s: virtual-GPU id pool exhausted", c.id)
	}
	slab, err := c.dev.Malloc(c.slabPages)
	if err != nil {
		c.dev.ReleaseVirt(vid)
		return errors.Wrapf(err, "session %s: allocate guest VRAM slab", c.id)
	}

	c.domid = domid
	c.vid = vid
	c.vramSlab = slab
	c.accepted = true
	c.state = Initialized
	c.log = c.log.WithField("domid", domid).WithField("vid", vid)

	if ok, err := c.dev.TryAcquireGPU(ctx, domid); err != nil || !ok {
		c.log.WithError(err).Warn("gpu not acquired at init; continuing unowned")
	}
	c.log.Info("session initialized")
	return nil
}
