// Package hwio is the hardware access layer (spec §4.2): mutually-exclusive
// register and PRAMIN (BAR0 indirect VRAM window) accessors, grounded on
// _examples/original_source/tools/cross/cross_registers.{h,cc} and
// cross_pramin.{h,cc}.
//
// The original's mutex is a recursive lock so that attach-style operations
// can call into PRAMIN while already holding the device lock. Go's
// sync.Mutex is not reentrant, so Bus exposes that reentrancy explicitly as
// a capability token (Locked) per the spec's Design Notes "Recursive locks
// → lock discipline": a single Bus.Lock call produces the token, and any
// code that already holds one constructs scoped accessors from it directly
// instead of trying to lock a second time.
package hwio

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/CPFL/gxen/pkg/gxenabi"
)

// BAR is a mapped PCI base address register. The real mmap'd-file bootstrap
// (PCI enumeration, /dev/mem mapping) is external to the core per spec §1;
// the core talks to a BAR only through this interface.
type BAR interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, val uint32)
}

// Bus serializes every touch of BAR MMIO, the PRAMIN window, and anything
// else guarded by the "device lock" (spec §5) behind one mutex. It is the
// single process-wide piece of shared hardware state; device.Device holds
// one, and its own separate mutex guards only its virtual-GPU id pool and
// current owner.
type Bus struct {
	mu   sync.Mutex
	bars map[gxenabi.BAR]BAR
	log  *logrus.Logger
}

// NewBus constructs a Bus over the given mapped BARs (0, 1, 3 per spec §6).
func NewBus(bars map[gxenabi.BAR]BAR, log *logrus.Logger) *Bus {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Bus{bars: bars, log: log}
}

// Locked is proof that the caller holds Bus.mu. It is constructed only by
// Bus.Lock, and is the parameter type the "-Locked" scoped accessor
// constructors in this package require.
type Locked struct {
	bus *Bus
}

// Lock acquires the device lock and returns the capability token proving
// it. Call Unlock on the token, not a second Lock, to release it.
func (b *Bus) Lock() *Locked {
	b.mu.Lock()
	return &Locked{bus: b}
}

// Unlock releases the device lock the token was constructed from.
func (l *Locked) Unlock() {
	l.bus.mu.Unlock()
}

func (b *Bus) readBAR(bar gxenabi.BAR, offset uint32) uint32 {
	return b.bars[bar].Read32(offset)
}

func (b *Bus) writeBAR(bar gxenabi.BAR, offset uint32, val uint32) {
	b.bars[bar].Write32(offset, val)
}

// Read and Write are raw lock-acquiring 32-bit MMIO on the given BAR,
// exposed for device.Device.Read/Write (spec §4.9) which have no further
// hardware-specific behavior beyond serialization.
func (b *Bus) Read(bar gxenabi.BAR, offset uint32) uint32 {
	l := b.Lock()
	defer l.Unlock()
	return b.readBAR(bar, offset)
}

// Write is the lock-acquiring counterpart of Read.
func (b *Bus) Write(bar gxenabi.BAR, offset uint32, val uint32) {
	l := b.Lock()
	defer l.Unlock()
	b.writeBAR(bar, offset, val)
}
