package hwio

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileBAR is a BAR implementation backed by a raw device file (the
// /dev/mem- or sysfs-resource-style mapping spec §1 places outside the
// core's scope: "the PCI enumeration/BAR-mapping bootstrap"). It is the
// concrete BAR cmd/gxend's demo bootstrap constructs; the core never
// imports it directly, only the BAR interface.
type FileBAR struct {
	fd   int
	path string
}

// OpenFileBAR opens path (e.g. a sysfs "resource0" file, or /dev/mem with
// an offset-seeking caller) for synchronous read/write MMIO access.
func OpenFileBAR(path string) (*FileBAR, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "hwio: open BAR file %q", path)
	}
	return &FileBAR{fd: fd, path: path}, nil
}

// Close releases the underlying file descriptor.
func (b *FileBAR) Close() error {
	return unix.Close(b.fd)
}

// Read32 reads a little-endian 32-bit word at offset via pread(2), so
// concurrent BAR touches never disturb a shared file offset.
func (b *FileBAR) Read32(offset uint32) uint32 {
	buf := make([]byte, 4)
	if _, err := unix.Pread(b.fd, buf, int64(offset)); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf)
}

// Write32 writes a little-endian 32-bit word at offset via pwrite(2).
func (b *FileBAR) Write32(offset uint32, val uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, val)
	_, _ = unix.Pwrite(b.fd, buf, int64(offset))
}
