package fileio

import "github.com/pkg/errors"

// Handle is a completion-wait handle for a queued asynchronous request,
// the Go re-expression of original_source/src/storage/fileio.h's AsyncReq:
// the platform there waits on an OVERLAPPED struct and validates the byte
// count the kernel reports; here the "platform" is a goroutine and the
// wait is a channel receive, but the contract is identical: the request is
// already in flight when the handle is returned, and Wait blocks until it
// completes or failed.
type Handle struct {
	done     chan struct{}
	err      error
	expected int
	got      int
}

func newHandle(expected int) *Handle {
	return &Handle{done: make(chan struct{}), expected: expected}
}

func (h *Handle) finish(got int, err error) {
	h.got = got
	h.err = err
	close(h.done)
}

// Wait blocks until the request completes and validates the reported byte
// count against what was requested, mirroring fileio.h's AsyncReq::wait().
func (h *Handle) Wait() error {
	<-h.done
	if h.err != nil {
		return h.err
	}
	if h.got != h.expected {
		return errors.Wrapf(ErrBadArgument, "async completion got %d bytes, want %d", h.got, h.expected)
	}
	return nil
}

// ReadAsync queues a read and returns immediately with a wait-handle.
func (fl *File) ReadAsync(offset int64, buf []byte) *Handle {
	h := newHandle(len(buf))
	go func() {
		n, err := fl.f.ReadAt(buf, offset)
		h.finish(n, err)
	}()
	return h
}

// WriteAsync queues a write and returns immediately with a wait-handle.
func (fl *File) WriteAsync(offset int64, buf []byte) *Handle {
	h := newHandle(len(buf))
	go func() {
		n, err := fl.f.WriteAt(buf, offset)
		h.finish(n, err)
	}()
	return h
}
