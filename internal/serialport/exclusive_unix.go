//go:build linux || darwin

package serialport

import (
	"golang.org/x/sys/unix"
)

// fdPort is satisfied by go.bug.st/serial's concrete port types, which
// expose their underlying file descriptor for ioctl access.
type fdPort interface {
	Fd() uintptr
}

// exclusiveOpen requests TIOCEXCL on POSIX systems: once set, subsequent
// opens of the same device by another process fail at the kernel level
// until every file descriptor holding the lock is closed.
func exclusiveOpen(p interface{}) error {
	fp, ok := p.(fdPort)
	if !ok {
		// Underlying driver doesn't expose a descriptor; nothing to lock.
		return nil
	}
	return unix.IoctlSetInt(int(fp.Fd()), unix.TIOCEXCL, 0)
}
