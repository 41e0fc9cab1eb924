package gxenabi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandRoundTrip(t *testing.T) {
	cmd := Command{Type: CommandWrite, Value: 0xDEADBEEF, Offset: 0x1700, Payload: BAR0}
	buf, err := cmd.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, CommandSize)

	var got Command
	require.NoError(t, got.UnmarshalBinary(buf))
	assert.Equal(t, cmd, got)
}

func TestCommandUnmarshalShortBuffer(t *testing.T) {
	var cmd Command
	err := cmd.UnmarshalBinary(make([]byte, CommandSize-1))
	assert.ErrorIs(t, err, errShortCommand)
}

func TestCommandTypeString(t *testing.T) {
	assert.Equal(t, "INIT", CommandInit.String())
	assert.Equal(t, "WRITE", CommandWrite.String())
	assert.Equal(t, "READ", CommandRead.String())
	assert.Equal(t, "UNKNOWN", CommandType(99).String())
}

func TestDecodePageDirectoryEntry(t *testing.T) {
	// bit1 set (small present), word1 carries the page-shifted address.
	pde := DecodePageDirectoryEntry(1<<1, 0x00001234)
	assert.True(t, pde.SmallPresent)
	assert.False(t, pde.LargePresent)
	assert.Equal(t, uint64(0x1234), pde.Addr)
}

func TestDecodePageEntry(t *testing.T) {
	pe := DecodePageEntry(0b11, 0x0000ABCD)
	assert.True(t, pe.Present)
	assert.True(t, pe.ReadOnly)
	assert.Equal(t, uint64(0xABCD), pe.Address)
}

func TestEncodeMediatorPTE(t *testing.T) {
	got := EncodeMediatorPTE(HostPhysAddr(0x123400))
	assert.Equal(t, uint64(0x123400>>8|0x1), got)
}
