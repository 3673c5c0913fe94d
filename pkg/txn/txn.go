// Package txn implements the single-writer transaction that aggregates a
// writer's intended mutations, drives the journal commit protocol, and
// applies writes to the page cache.
package txn

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vaultdb/pkg/blockalloc"
	"vaultdb/pkg/journal"
	"vaultdb/pkg/pagecache"
)

// ErrAlreadyCommitted is returned by any operation attempted on a
// transaction that has already committed or aborted.
var ErrAlreadyCommitted = errors.New("txn: transaction already closed")

// ErrApplyFailed wraps an error from the apply phase of Commit, i.e. one
// that occurred after the journal record was already durably fsynced.
// Only this phase leaves the database in the fatal, wedged state spec §7
// describes; errors from validation or from the pre-fsync journal append
// have no disk effect and must not wedge the caller.
var ErrApplyFailed = errors.New("txn: apply phase failed after journal fsync")

// HeaderIO lets the transaction read the header's mutable fields
// (end-of-file and free-list heads) without owning header layout itself;
// the facade implements this. Persisting revised fields is the caller's
// job, through the headerBytes argument of Commit.
type HeaderIO interface {
	EndOfFile() uint64
	FreeListHeads() blockalloc.FreeListHeads
}

// Transaction buffers writes as per-page shadow copies, so the later
// write to any given address automatically wins: every write lands in the
// same shadow buffer for its page, and that buffer becomes the page's
// single journal tuple at commit (spec §4.E "stage_write... later write
// wins on overlaps").
type Transaction struct {
	id     uint64
	cache  *pagecache.Cache
	jrnl   *journal.Journal
	header HeaderIO

	shadow map[uint64][]byte // pageNr -> full-page shadow buffer
	order  []uint64          // insertion order, for deterministic journal records

	heads     blockalloc.FreeListHeads
	endOfFile uint64
	headerDirty bool

	closed bool
	log    *logrus.Entry
}

// New starts a transaction with the given monotonically increasing id.
// The caller (the facade) is responsible for serializing calls to New so
// that at most one Transaction is live at a time.
func New(id uint64, cache *pagecache.Cache, jrnl *journal.Journal, header HeaderIO) *Transaction {
	return &Transaction{
		id:        id,
		cache:     cache,
		jrnl:      jrnl,
		header:    header,
		shadow:    make(map[uint64][]byte),
		heads:     header.FreeListHeads(),
		endOfFile: header.EndOfFile(),
		log:       logrus.WithField("component", "txn").WithField("txn_id", id),
	}
}

// PageBytes implements blockalloc.PageSource: it returns this
// transaction's shadow buffer for pageNr, materializing it from the cache
// on first touch.
func (t *Transaction) PageBytes(pageNr uint64) ([]byte, error) {
	if t.closed {
		return nil, ErrAlreadyCommitted
	}
	return t.touch(pageNr)
}

// NewPage implements blockalloc.PageSource: it advances the transaction's
// shadow end-of-file by one page, creates a zero-filled shadow buffer for
// it, and returns its page number.
func (t *Transaction) NewPage() (uint64, error) {
	if t.closed {
		return 0, ErrAlreadyCommitted
	}
	pageNr := pagecache.PageNumber(t.endOfFile)
	if _, err := t.touch(pageNr); err != nil {
		return 0, err
	}
	t.endOfFile += pagecache.PageSize
	t.headerDirty = true
	return pageNr, nil
}

func (t *Transaction) touch(pageNr uint64) ([]byte, error) {
	if buf, ok := t.shadow[pageNr]; ok {
		return buf, nil
	}

	buf := make([]byte, pagecache.PageSize)
	if pagecache.PageBase(pageNr) < t.header.EndOfFile() {
		ref, err := t.cache.ReadPage(pageNr)
		if err != nil {
			return nil, err
		}
		copy(buf, ref.Bytes())
		ref.Release()
	}
	t.shadow[pageNr] = buf
	t.order = append(t.order, pageNr)
	return buf, nil
}

// Alloc reserves one block of class c, staging the free-list-head and
// block-header mutations needed to remove it from its free list.
func (t *Transaction) Alloc(c blockalloc.Class) (uint64, error) {
	if t.closed {
		return 0, ErrAlreadyCommitted
	}
	addr, err := blockalloc.Alloc(t, &t.heads, c)
	if err != nil {
		return 0, err
	}
	t.headerDirty = true
	return addr, nil
}

// Free stages mutations to prepend the block at addr to its class's free
// list.
func (t *Transaction) Free(addr uint64) error {
	if t.closed {
		return ErrAlreadyCommitted
	}
	if err := blockalloc.Free(t, &t.heads, addr); err != nil {
		return err
	}
	t.headerDirty = true
	return nil
}

// StageWrite records a logical write into the owning page's shadow
// buffer. Because every write to a page lands in the same buffer,
// overlapping writes are coalesced automatically: whichever call happens
// last in program order is what commit sees.
func (t *Transaction) StageWrite(addr uint64, data []byte) error {
	if t.closed {
		return ErrAlreadyCommitted
	}
	pageNr := pagecache.PageNumber(addr)
	offset := pagecache.PageOffset(addr)
	if int(offset)+len(data) > pagecache.PageSize {
		return errors.New("txn: write crosses a page boundary")
	}

	buf, err := t.touch(pageNr)
	if err != nil {
		return err
	}
	copy(buf[offset:], data)
	return nil
}

// EndOfFile returns the transaction's current shadow end-of-file, which
// may be larger than the facade's if NewPage has been called.
func (t *Transaction) EndOfFile() uint64 { return t.endOfFile }

// FreeListHeads returns the transaction's current shadow free-list heads.
func (t *Transaction) FreeListHeads() blockalloc.FreeListHeads { return t.heads }

// HeaderDirty reports whether Commit needs to persist a revised header
// (end-of-file or any free-list head changed).
func (t *Transaction) HeaderDirty() bool { return t.headerDirty }

// Commit merges any externally-provided writes (e.g. from the
// serializer) with staged writes, emits a single journal record covering
// every touched page, fsyncs it, then applies the pages to the cache
// under exclusive locks. headerBytes, if non-nil, is folded into the header
// page's (page 0) shadow buffer before the record is built.
func (t *Transaction) Commit(writes map[uint64][]byte, headerBytes []byte) error {
	if t.closed {
		return ErrAlreadyCommitted
	}
	defer func() { t.closed = true }()

	for addr, data := range writes {
		if err := t.StageWrite(addr, data); err != nil {
			return err
		}
	}
	if headerBytes != nil {
		buf, err := t.touch(0)
		if err != nil {
			return err
		}
		copy(buf, headerBytes)
	}

	if len(t.order) == 0 {
		return nil
	}

	jwrites := make([]journal.Write, 0, len(t.order))
	for _, pageNr := range t.order {
		jwrites = append(jwrites, journal.Write{
			Addr: pagecache.PageBase(pageNr),
			Data: t.shadow[pageNr],
		})
	}

	if err := t.jrnl.Append(t.id, jwrites); err != nil {
		t.log.WithError(err).Error("journal append failed, aborting commit")
		return err
	}

	for _, pageNr := range t.order {
		ref, err := t.cache.WritePage(pageNr)
		if err != nil {
			// The write was already durably journaled; the database is
			// now wedged until the journal is replayed on reopen.
			t.log.WithError(err).Error("apply phase failed after journal fsync, database wedged")
			return errors.Wrap(ErrApplyFailed, err.Error())
		}
		copy(ref.Bytes(), t.shadow[pageNr])
		ref.Release()
	}

	t.log.WithField("pages", len(t.order)).Debug("transaction committed")
	return nil
}

// Abort discards all staged state. No disk effect.
func (t *Transaction) Abort() {
	t.closed = true
	t.shadow = nil
	t.order = nil
}
