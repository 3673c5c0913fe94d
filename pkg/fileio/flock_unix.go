//go:build !windows

package fileio

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned when another process already holds the database's
// advisory lock.
var ErrLocked = errors.New("fileio: database is locked by another process")

// Lock acquires a non-blocking exclusive advisory lock on the file.
func (fl *File) Lock() error {
	err := unix.Flock(int(fl.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return ErrLocked
		}
		return errors.Wrap(ErrFileIO, err.Error())
	}
	return nil
}

// Unlock releases the advisory lock.
func (fl *File) Unlock() error {
	if err := unix.Flock(int(fl.Fd()), unix.LOCK_UN); err != nil {
		return errors.Wrap(ErrFileIO, err.Error())
	}
	return nil
}
