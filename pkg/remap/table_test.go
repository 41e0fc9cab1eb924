package remap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/CPFL/gxen/pkg/gxenabi"
)

func TestMapLookupRoundTrip(t *testing.T) {
	tbl := NewTable(1 << 32)
	p := gxenabi.GuestPhysAddr(0x1000)
	q := gxenabi.GuestPhysAddr(0x2000)

	existed := tbl.Map(p, q, true)
	assert.False(t, existed)

	entry, ok := tbl.Lookup(p)
	assert.True(t, ok)
	assert.True(t, entry.Present)
	assert.True(t, entry.ReadOnly)
	assert.Equal(t, uint64(q)>>offsetBits, entry.Target)
}

func TestMapReturnsWhetherAlreadyPresent(t *testing.T) {
	tbl := NewTable(1 << 32)
	p := gxenabi.GuestPhysAddr(0x3000)

	assert.False(t, tbl.Map(p, p, false))
	assert.True(t, tbl.Map(p, p, false))
}

func TestUnmapClearsPresentAtZeroRefCount(t *testing.T) {
	tbl := NewTable(1 << 32)
	p := gxenabi.GuestPhysAddr(0x4000)

	tbl.Map(p, p, false)
	tbl.Map(p, p, false) // refcount now 2
	tbl.Unmap(p)
	_, ok := tbl.Lookup(p)
	assert.True(t, ok, "still present after one unmap of two maps")

	tbl.Unmap(p)
	_, ok = tbl.Lookup(p)
	assert.False(t, ok, "should be gone after refcount reaches zero")
}

func TestLookupMissingDirectory(t *testing.T) {
	tbl := NewTable(1 << 32)
	_, ok := tbl.Lookup(gxenabi.GuestPhysAddr(0x9999000))
	assert.False(t, ok)
}

func TestAddressAtOrBeyondSizeRejected(t *testing.T) {
	tbl := NewTable(0x2000)
	assert.False(t, tbl.Map(gxenabi.GuestPhysAddr(0x2000), 0, false))
	_, ok := tbl.Lookup(gxenabi.GuestPhysAddr(0x2000))
	assert.False(t, ok)

	tbl.Unmap(gxenabi.GuestPhysAddr(0x2000)) // must not panic
}
