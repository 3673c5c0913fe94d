// Package fileio provides positioned reads and writes against the backing
// database file. It is the lowest layer of the storage engine: no caching,
// no page awareness, just offset/length I/O against an *os.File, plus an
// asynchronous variant that returns a wait-handle instead of blocking.
package fileio

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrFileIO wraps a failed syscall (open, read, write, resize, sync).
var ErrFileIO = errors.New("fileio: backing I/O failure")

// ErrBadArgument signals a malformed request, such as a short read the
// caller did not size the buffer for.
var ErrBadArgument = errors.New("fileio: bad argument")

// File is a positioned-I/O handle over one OS file. All operations are
// safe to call concurrently; callers coordinate any higher-level ordering.
type File struct {
	f *os.File
}

// Open opens path with the given os flags, creating it with perm if the
// O_CREATE flag is set.
func Open(path string, flag int, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Wrapf(ErrFileIO, "open %s: %v", path, err)
	}
	return &File{f: f}, nil
}

// ReadAt reads len(buf) bytes starting at offset. A short read is reported
// as ErrBadArgument rather than silently returning fewer bytes, since every
// caller in this engine sizes buf to an exact expectation.
func (fl *File) ReadAt(offset int64, buf []byte) error {
	n, err := fl.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF && n != len(buf) {
		return errors.Wrapf(ErrFileIO, "read at %d: %v", offset, err)
	}
	if n != len(buf) {
		return errors.Wrapf(ErrBadArgument, "short read at %d: got %d want %d", offset, n, len(buf))
	}
	return nil
}

// WriteAt writes buf at offset.
func (fl *File) WriteAt(offset int64, buf []byte) error {
	n, err := fl.f.WriteAt(buf, offset)
	if err != nil {
		return errors.Wrapf(ErrFileIO, "write at %d: %v", offset, err)
	}
	if n != len(buf) {
		return errors.Wrapf(ErrFileIO, "short write at %d: wrote %d want %d", offset, n, len(buf))
	}
	return nil
}

// Resize extends or truncates the file to exactly size bytes.
func (fl *File) Resize(size int64) error {
	if err := fl.f.Truncate(size); err != nil {
		return errors.Wrapf(ErrFileIO, "resize to %d: %v", size, err)
	}
	return nil
}

// Size returns the current file size in bytes.
func (fl *File) Size() (int64, error) {
	info, err := fl.f.Stat()
	if err != nil {
		return 0, errors.Wrap(ErrFileIO, err.Error())
	}
	return info.Size(), nil
}

// Sync flushes the file to stable storage.
func (fl *File) Sync() error {
	if err := fl.f.Sync(); err != nil {
		return errors.Wrap(ErrFileIO, err.Error())
	}
	return nil
}

// Fd exposes the raw descriptor for mmap and advisory-lock callers.
func (fl *File) Fd() uintptr {
	return fl.f.Fd()
}

// OSFile exposes the underlying *os.File for callers (mmap-go, flock) that
// need it directly.
func (fl *File) OSFile() *os.File {
	return fl.f
}

// Close closes the file.
func (fl *File) Close() error {
	if err := fl.f.Close(); err != nil {
		return errors.Wrap(ErrFileIO, err.Error())
	}
	return nil
}
