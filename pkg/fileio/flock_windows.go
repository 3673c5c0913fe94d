//go:build windows

package fileio

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
)

var (
	modkernel32      = syscall.NewLazyDLL("kernel32.dll")
	procLockFileEx   = modkernel32.NewProc("LockFileEx")
	procUnlockFileEx = modkernel32.NewProc("UnlockFileEx")
)

const (
	lockfileExclusiveLock   = 0x00000002
	lockfileFailImmediately = 0x00000001
	errLockViolation        = 33
)

// ErrLocked is returned when another process already holds the database's
// advisory lock.
var ErrLocked = errors.New("fileio: database is locked by another process")

// Lock acquires a non-blocking exclusive advisory lock on the file.
func (fl *File) Lock() error {
	var overlapped syscall.Overlapped
	r1, _, err := procLockFileEx.Call(
		fl.Fd(),
		uintptr(lockfileExclusiveLock|lockfileFailImmediately),
		0, 1, 0,
		uintptr(unsafe.Pointer(&overlapped)),
	)
	if r1 == 0 {
		if errno, ok := err.(syscall.Errno); ok && errno == errLockViolation {
			return ErrLocked
		}
		return errors.Wrap(ErrFileIO, err.Error())
	}
	return nil
}

// Unlock releases the advisory lock.
func (fl *File) Unlock() error {
	var overlapped syscall.Overlapped
	r1, _, err := procUnlockFileEx.Call(fl.Fd(), 0, 1, 0, uintptr(unsafe.Pointer(&overlapped)))
	if r1 == 0 {
		return errors.Wrap(ErrFileIO, err.Error())
	}
	return nil
}
