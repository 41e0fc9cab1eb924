package session

import (
	"bytes"
	stdcontext "context"
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CPFL/gxen/pkg/device"
	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/gxenerr"
	"github.com/CPFL/gxen/pkg/hwio"
)

type fakeBAR struct {
	regs map[uint32]uint32
}

func newFakeBAR() *fakeBAR { return &fakeBAR{regs: map[uint32]uint32{}} }

func (b *fakeBAR) Read32(offset uint32) uint32      { return b.regs[offset] }
func (b *fakeBAR) Write32(offset uint32, val uint32) { b.regs[offset] = val }

func setup(t *testing.T) (*device.Device, *fakeBAR) {
	t.Helper()
	bar0 := newFakeBAR()
	bar1 := newFakeBAR()
	bar3 := newFakeBAR()
	reg := prometheus.NewRegistry()
	metrics := device.NewMetrics(reg)
	dev, err := device.New(device.Config{
		BARs: map[gxenabi.BAR]hwio.BAR{
			gxenabi.BAR0: bar0,
			gxenabi.BAR1: bar1,
			gxenabi.BAR3: bar3,
		},
		VRAMBase:      gxenabi.HostPhysAddr(8 << 30),
		VRAMSize:      512 * gxenabi.SmallPageSize,
		MaxVirtualGPU: 4,
		Metrics:       metrics,
	})
	require.NoError(t, err)
	return dev, bar0
}

func newInitializedContext(t *testing.T, dev *device.Device) *Context {
	t.Helper()
	c := New(Config{Device: dev, PollArea: gxenabi.GuestVirtAddr(0x10000000), SlabPages: 16})
	_, err := c.dispatch(stdcontext.Background(), gxenabi.Command{Type: gxenabi.CommandInit, Value: 1})
	require.NoError(t, err)
	require.Equal(t, Initialized, c.State())
	return c
}

func TestDispatchInitTransitionsToInitialized(t *testing.T) {
	dev, _ := setup(t)
	c := New(Config{Device: dev, SlabPages: 16})

	reply, err := c.dispatch(stdcontext.Background(), gxenabi.Command{Type: gxenabi.CommandInit, Value: 42})
	require.NoError(t, err)
	assert.Equal(t, Initialized, c.State())
	assert.Equal(t, uint32(42), reply.Value)
}

func TestDispatchDuplicateInitIsRejected(t *testing.T) {
	dev, _ := setup(t)
	c := newInitializedContext(t, dev)

	_, err := c.dispatch(stdcontext.Background(), gxenabi.Command{Type: gxenabi.CommandInit, Value: 1})
	assert.Error(t, err)
}

func TestDispatchCommandBeforeInitIsRejected(t *testing.T) {
	dev, _ := setup(t)
	c := New(Config{Device: dev, SlabPages: 16})

	_, err := c.dispatch(stdcontext.Background(), gxenabi.Command{Type: gxenabi.CommandRead, Payload: gxenabi.BAR0})
	assert.Error(t, err)
}

func TestDispatchPromotesToServing(t *testing.T) {
	dev, _ := setup(t)
	c := newInitializedContext(t, dev)

	_, err := c.dispatch(stdcontext.Background(), gxenabi.Command{Type: gxenabi.CommandRead, Payload: gxenabi.BAR0})
	require.NoError(t, err)
	assert.Equal(t, Serving, c.State())
}

func TestBAR0PraminWindowPassthrough(t *testing.T) {
	dev, bar0 := setup(t)
	c := newInitializedContext(t, dev)

	_, err := c.dispatch(stdcontext.Background(), gxenabi.Command{
		Type: gxenabi.CommandWrite, Payload: gxenabi.BAR0, Offset: gxenabi.RegPraminWindow, Value: 0xABCD,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABCD), bar0.regs[gxenabi.RegPraminWindow])

	reply, err := c.dispatch(stdcontext.Background(), gxenabi.Command{
		Type: gxenabi.CommandRead, Payload: gxenabi.BAR0, Offset: gxenabi.RegPraminWindow,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0xABCD), reply.Value)
}

func TestBAR1PollAreaFastPath(t *testing.T) {
	dev, _ := setup(t)
	c := newInitializedContext(t, dev)

	pollStart := uint32(c.pollArea)
	_, err := c.dispatch(stdcontext.Background(), gxenabi.Command{
		Type: gxenabi.CommandWrite, Payload: gxenabi.BAR1, Offset: pollStart, Value: 0x99,
	})
	require.NoError(t, err)

	reply, err := c.dispatch(stdcontext.Background(), gxenabi.Command{
		Type: gxenabi.CommandRead, Payload: gxenabi.BAR1, Offset: pollStart,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x99), reply.Value)
}

func TestBAR3UnresolvedReadReturnsSentinel(t *testing.T) {
	dev, _ := setup(t)
	c := newInitializedContext(t, dev)

	reply, err := c.dispatch(stdcontext.Background(), gxenabi.Command{
		Type: gxenabi.CommandRead, Payload: gxenabi.BAR3, Offset: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, gxenabi.UnmappedWireValue, reply.Value)
}

func TestBAR3ResolveAfterVMRefresh(t *testing.T) {
	dev, _ := setup(t)
	c := newInitializedContext(t, dev)

	const raminAddr = gxenabi.HostPhysAddr(0x9000)
	const pdAddr uint64 = 0xA000
	const pteAddr uint64 = 0xB000
	const target uint64 = 0xCAFE

	pramin, release := dev.OpenPramin()
	pramin.Write32(raminAddr+gxenabi.RaminPageDirectory, uint32(pdAddr))
	pramin.Write32(raminAddr+gxenabi.RaminPageDirectory+4, 0)
	pramin.Write32(raminAddr+gxenabi.RaminPageLimit, uint32(gxenabi.PageDirectoryCoveredSize-1))
	pramin.Write32(raminAddr+gxenabi.RaminPageLimit+4, 0)
	pramin.Write32(gxenabi.HostPhysAddr(pdAddr), 1<<1) // small_present
	pramin.Write32(gxenabi.HostPhysAddr(pdAddr)+4, uint32(pteAddr>>12))
	pramin.Write32(gxenabi.HostPhysAddr(pteAddr), 1) // present
	pramin.Write32(gxenabi.HostPhysAddr(pteAddr)+4, uint32(target))
	pramin.Write32(gxenabi.HostPhysAddr(target<<12), 0xDEADBEEF)
	release()

	_, err := c.dispatch(stdcontext.Background(), gxenabi.Command{
		Type: gxenabi.CommandWrite, Payload: gxenabi.BAR0, Offset: gxenabi.RegBar3VM,
		Value: uint32(uint64(raminAddr) >> 12),
	})
	require.NoError(t, err)

	reply, err := c.dispatch(stdcontext.Background(), gxenabi.Command{
		Type: gxenabi.CommandRead, Payload: gxenabi.BAR3, Offset: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0xDEADBEEF), reply.Value)
}

func TestChannelSwitchAttachesChannel(t *testing.T) {
	dev, _ := setup(t)
	c := newInitializedContext(t, dev)

	const raminAddr = gxenabi.GuestPhysAddr(0x5000)
	_, err := c.dispatch(stdcontext.Background(), gxenabi.Command{
		Type: gxenabi.CommandWrite, Payload: gxenabi.BAR0, Offset: gxenabi.RegChannelSwitch0,
		Value: uint32(raminAddr),
	})
	require.NoError(t, err)

	require.NotNil(t, c.channels[0])
	assert.True(t, c.channels[0].Enabled)
	assert.Equal(t, raminAddr, c.channels[0].RaminAddr)
}

// queueConn is a scripted io.ReadWriter: Read drains a fixed byte sequence
// then returns io.EOF, Write appends to an internal buffer for inspection.
type queueConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (q *queueConn) Read(p []byte) (int, error)  { return q.in.Read(p) }
func (q *queueConn) Write(p []byte) (int, error) { return q.out.Write(p) }

func TestServeHandshakeThenBAR0ReadRoundTrip(t *testing.T) {
	dev, bar0 := setup(t)
	bar0.regs[0x44] = 0x7

	init := gxenabi.Command{Type: gxenabi.CommandInit, Value: 5}
	read := gxenabi.Command{Type: gxenabi.CommandRead, Payload: gxenabi.BAR0, Offset: 0x44}

	var script bytes.Buffer
	for _, cmd := range []gxenabi.Command{init, read} {
		b, err := cmd.MarshalBinary()
		require.NoError(t, err)
		script.Write(b)
	}

	conn := &queueConn{in: bytes.NewReader(script.Bytes())}
	err := Serve(stdcontext.Background(), conn, Config{Device: dev, SlabPages: 16})
	require.NoError(t, err)

	out := conn.out.Bytes()
	require.Len(t, out, 2*gxenabi.CommandSize)

	var initReply, readReply gxenabi.Command
	require.NoError(t, initReply.UnmarshalBinary(out[:gxenabi.CommandSize]))
	require.NoError(t, readReply.UnmarshalBinary(out[gxenabi.CommandSize:]))

	assert.Equal(t, uint32(5), initReply.Value)
	assert.Equal(t, uint32(0x7), readReply.Value)
}

func TestServeReturnsNilOnCleanEOF(t *testing.T) {
	dev, _ := setup(t)
	conn := &queueConn{in: bytes.NewReader(nil)}
	err := Serve(stdcontext.Background(), conn, Config{Device: dev, SlabPages: 16})
	assert.NoError(t, err)
}

// erroringConn returns a non-EOF read error once its scripted bytes are
// exhausted, simulating a genuine transport failure rather than a clean
// disconnect.
type erroringConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (e *erroringConn) Read(p []byte) (int, error) {
	if e.in.Len() == 0 {
		return 0, errConnReset
	}
	return e.in.Read(p)
}
func (e *erroringConn) Write(p []byte) (int, error) { return e.out.Write(p) }

var errConnReset = io.ErrClosedPipe

func TestServeReturnsTransportErrorOnReadFailure(t *testing.T) {
	dev, _ := setup(t)
	conn := &erroringConn{in: bytes.NewReader(nil)}
	err := Serve(stdcontext.Background(), conn, Config{Device: dev, SlabPages: 16})
	assert.Error(t, err)
	assert.ErrorIs(t, err, gxenerr.ErrTransport)
}
