package hwio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CPFL/gxen/pkg/gxenabi"
)

// fakeBAR is an in-memory register file used to exercise Bus/
// RegisterAccessor/PraminAccessor without real MMIO.
type fakeBAR struct {
	regs map[uint32]uint32
}

func newFakeBAR() *fakeBAR {
	return &fakeBAR{regs: map[uint32]uint32{}}
}

func (b *fakeBAR) Read32(offset uint32) uint32 {
	return b.regs[offset]
}

func (b *fakeBAR) Write32(offset uint32, val uint32) {
	b.regs[offset] = val
}

func newTestBus() (*Bus, *fakeBAR) {
	bar0 := newFakeBAR()
	bus := NewBus(map[gxenabi.BAR]BAR{gxenabi.BAR0: bar0}, nil)
	return bus, bar0
}

func TestBusReadWrite(t *testing.T) {
	bus, bar0 := newTestBus()
	bus.Write(gxenabi.BAR0, 0x100, 42)
	assert.Equal(t, uint32(42), bar0.regs[0x100])
	assert.Equal(t, uint32(42), bus.Read(gxenabi.BAR0, 0x100))
}

func TestRegisterAccessorWaitEq(t *testing.T) {
	bus, bar0 := newTestBus()
	bar0.regs[0x10] = 0

	regs := NewRegisterAccessor(bus)
	defer regs.Close()

	var progressed bool
	regs.Write32(0x10, 1)
	regs.WaitEq(0x10, 0xFF, 1, func(uint64) { progressed = true })
	assert.False(t, progressed, "condition already true, should not have spun")
}

func TestPraminAccessorRestoresWindowRegister(t *testing.T) {
	bus, bar0 := newTestBus()
	bar0.regs[gxenabi.RegPraminWindow] = 0xAAAA

	p := NewPraminAccessor(bus)
	p.Write32(gxenabi.HostPhysAddr(0x1230000), 7)
	p.Close()

	assert.Equal(t, uint32(0xAAAA), bar0.regs[gxenabi.RegPraminWindow])
}

func TestPraminAccessorSlidesWindowOnlyWhenHighDiffers(t *testing.T) {
	bus, bar0 := newTestBus()
	p := NewPraminAccessor(bus)
	defer p.Close()

	p.Write32(gxenabi.HostPhysAddr(0x00010000), 1)
	firstWindow := bar0.regs[gxenabi.RegPraminWindow]
	assert.Equal(t, uint32(1), firstWindow)

	// Same high 48 bits (addr>>16 == 1): window register must not change
	// from a sentinel value we poke in directly.
	bar0.regs[gxenabi.RegPraminWindow] = 0xDEAD
	p.Write32(gxenabi.HostPhysAddr(0x0001FFF0), 2)
	assert.Equal(t, uint32(0xDEAD), bar0.regs[gxenabi.RegPraminWindow], "window should not have been rewritten")

	p.Write32(gxenabi.HostPhysAddr(0x00020000), 3)
	assert.Equal(t, uint32(2), bar0.regs[gxenabi.RegPraminWindow])
}

func TestPraminAccessorReadWriteThroughWindow(t *testing.T) {
	bus, bar0 := newTestBus()
	p := NewPraminAccessor(bus)
	defer p.Close()

	addr := gxenabi.HostPhysAddr(0x00050004)
	p.Write32(addr, 0x1234)
	got := p.Read32(addr)
	require.Equal(t, uint32(0x1234), got)

	// And it landed in the indirect window at the expected BAR0 offset.
	winOffset := gxenabi.RegPraminWindowBase + uint32(uint64(addr)&gxenabi.RegPraminWindowMask)
	assert.Equal(t, uint32(0x1234), bar0.regs[winOffset])
}
