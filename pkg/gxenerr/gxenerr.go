// Package gxenerr defines the tagged error kinds the shadow engine can
// raise, per spec §7. Call sites wrap a sentinel with github.com/pkg/errors
// to attach the triggering address/offset/domid, and check the kind with
// errors.Is against the sentinels below.
package gxenerr

import "github.com/pkg/errors"

// Sentinel error kinds. The core raises the §7 failure kinds as, or
// wrapped around, one of these; other failures (such as a misaligned
// vram.Page offset) are plain errors. session.Context's policy table
// (spec §7) keys off errors.Is against them.
var (
	// ErrOutOfVram is returned by vram.Allocator.Allocate when the free
	// pool cannot satisfy a request. Fatal for the triggering command;
	// the session continues if the caller has a defined recovery.
	ErrOutOfVram = errors.New("gxen: out of vram")

	// ErrTableTooLarge is returned by shadowpt.Table.Refresh when the
	// guest's page-directory count would exceed gxenabi.MaxPageDirectories.
	// The refresh aborts and the table keeps its previous contents.
	ErrTableTooLarge = errors.New("gxen: shadow page table too large")

	// ErrUnmappedAddress marks an address outside the session's VRAM slab,
	// returned by session.Context's GuestToHost/HostToGuest; channel
	// attach/detach pass it up as a failure of the command. An unresolved
	// BAR1/BAR3 access does not raise it: the session answers the read
	// with 0xFFFFFFFF or drops the write, and logs it.
	ErrUnmappedAddress = errors.New("gxen: unmapped address")

	// ErrTransport marks a socket read/write failure. Unrecoverable:
	// the owning session is torn down, its vid and tables released.
	ErrTransport = errors.New("gxen: transport error")

	// ErrHypervisorDenied marks a failed device-assignment hypercall.
	// device.Device.TryAcquireGPU returns false; the caller decides
	// whether to retry.
	ErrHypervisorDenied = errors.New("gxen: hypervisor denied device assignment")

	// ErrProtocol marks an unknown command type or BAR id. The command
	// is dropped but a reply is still sent to keep the stream aligned.
	ErrProtocol = errors.New("gxen: protocol error")
)
