package vram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CPFL/gxen/pkg/gxenabi"
	"github.com/CPFL/gxen/pkg/gxenerr"
)

const base = gxenabi.HostPhysAddr(4 << 30)

func TestAllocatorAllocateIsPageAlignedAndNotFree(t *testing.T) {
	a := NewAllocator(base, 16*gxenabi.SmallPageSize)
	mem, err := a.Allocate(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), uint64(mem.Address)%gxenabi.SmallPageSize)
	assert.GreaterOrEqual(t, mem.NPages, uint64(1))

	// Overlapping pages cannot be allocated again until freed.
	_, err = a.Allocate(14)
	assert.ErrorIs(t, err, gxenerr.ErrOutOfVram)
}

func TestAllocatorFreeReturnsToPool(t *testing.T) {
	a := NewAllocator(base, 4*gxenabi.SmallPageSize)
	mem, err := a.Allocate(4)
	require.NoError(t, err)
	a.Free(mem)

	again, err := a.Allocate(4)
	require.NoError(t, err)
	assert.Equal(t, mem.Address, again.Address)
}

func TestAllocatorOutOfVram(t *testing.T) {
	a := NewAllocator(base, 2*gxenabi.SmallPageSize)
	_, err := a.Allocate(3)
	assert.ErrorIs(t, err, gxenerr.ErrOutOfVram)
}

func TestAllocatorAddressStableAcrossOtherAllocations(t *testing.T) {
	a := NewAllocator(base, 8*gxenabi.SmallPageSize)
	first, err := a.Allocate(2)
	require.NoError(t, err)

	_, err = a.Allocate(2)
	require.NoError(t, err)

	// first's address must not have moved.
	assert.Equal(t, base, first.Address)
}

func TestMemorySize(t *testing.T) {
	m := Memory{Address: base, NPages: 3}
	assert.Equal(t, uint64(3*gxenabi.SmallPageSize), m.Size())
}
