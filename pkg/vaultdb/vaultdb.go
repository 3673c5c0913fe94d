// Package vaultdb is the database facade: it opens the backing file and
// journal, arbitrates single-writer/many-reader access, and exposes
// load(page) and startTransaction to callers (spec §4.F).
package vaultdb

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vaultdb/pkg/blockalloc"
	"vaultdb/pkg/fileio"
	"vaultdb/pkg/journal"
	"vaultdb/pkg/pagecache"
	"vaultdb/pkg/txn"
)

// OpenMode selects file-creation semantics, mirroring the four modes the
// spec names in §4.F.
type OpenMode int

const (
	// CreateNew fails if the file already exists.
	CreateNew OpenMode = iota
	// CreateAlways truncates and reinitializes any existing file.
	CreateAlways
	// OpenExisting fails if the file does not exist.
	OpenExisting
	// OpenAlways creates the file if absent, else opens it; an existing
	// zero-length file is initialized like a new one.
	OpenAlways
)

// Options configures a facade Open call.
type Options struct {
	// CacheCapacity is the number of resident pages the page cache holds.
	CacheCapacity int
}

func (o Options) withDefaults() Options {
	if o.CacheCapacity <= 0 {
		o.CacheCapacity = 256
	}
	return o
}

// ErrWedged is returned by Load, StartTransaction and Flush once the
// database has entered
// the fatal post-fsync apply-failure state described in spec §7. The
// only recovery is to close and reopen the process, which replays the
// journal.
var ErrWedged = errors.New("vaultdb: database is wedged, restart the process")

// ErrTransactionInProgress is returned by StartTransaction when another
// transaction is already open, enforcing the single-writer invariant.
var ErrTransactionInProgress = errors.New("vaultdb: a transaction is already in progress")

// DB is the open database: file, journal, cache, and header state.
type DB struct {
	file    *fileio.File
	cache   *pagecache.Cache
	journal *journal.Journal

	writerMu sync.Mutex
	writing  bool

	headerMu sync.RWMutex
	hdr      header

	nextTxnID atomic.Uint64
	wedged    atomic.Bool

	log *logrus.Entry
}

// Open opens or creates the database at path per mode, replaying its
// journal and validating the header before returning.
func Open(path string, mode OpenMode, opts Options) (*DB, error) {
	opts = opts.withDefaults()
	log := logrus.WithField("component", "vaultdb").WithField("path", path)

	exists := fileExists(path)
	switch mode {
	case CreateNew:
		if exists {
			return nil, errors.Errorf("vaultdb: %s already exists", path)
		}
	case OpenExisting:
		if !exists {
			return nil, errors.Errorf("vaultdb: %s does not exist", path)
		}
	case CreateAlways, OpenAlways:
		// handled below
	}

	truncate := mode == CreateAlways || (mode == CreateNew) || (!exists && mode == OpenAlways)
	if mode == OpenAlways && exists {
		// A zero-length file holds no header yet; initialize it like a new one.
		if info, err := os.Stat(path); err == nil && info.Size() == 0 {
			truncate = true
		}
	}

	flag := os.O_RDWR | os.O_CREATE
	f, err := fileio.Open(path, flag, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Lock(); err != nil {
		f.Close()
		return nil, err
	}

	jrnl, err := journal.Open(journalPath(path))
	if err != nil {
		f.Unlock()
		f.Close()
		return nil, err
	}

	db := &DB{file: f, journal: jrnl, log: log}

	if truncate {
		if err := db.initializeFresh(); err != nil {
			jrnl.Close()
			f.Unlock()
			f.Close()
			return nil, err
		}
	} else {
		if err := db.replayAndLoad(); err != nil {
			jrnl.Close()
			f.Unlock()
			f.Close()
			return nil, err
		}
	}

	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	cache, err := pagecache.Open(f, opts.CacheCapacity, size)
	if err != nil {
		return nil, err
	}
	db.cache = cache

	log.WithField("end_of_file", db.hdr.endOfFile).Info("database opened")
	return db, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func journalPath(path string) string {
	return path + ".journal"
}

// initializeFresh truncates the file and writes an initialized header:
// all free-list heads zero, end-of-file one page (spec §4.F "On create").
func (db *DB) initializeFresh() error {
	if err := db.file.Resize(pagecache.PageSize); err != nil {
		return err
	}
	db.hdr = newHeader()

	buf := make([]byte, pagecache.PageSize)
	db.hdr.encode(buf[:headerSize])
	if err := db.file.WriteAt(0, buf); err != nil {
		return err
	}
	if err := db.file.Sync(); err != nil {
		return err
	}
	return db.journal.Truncate()
}

// replayAndLoad replays any valid journal records directly onto the file
// (the cache is not open yet), then reads and validates the header.
func (db *DB) replayAndLoad() error {
	count, _, err := db.journal.Replay(func(rec journal.Record) error {
		for _, w := range rec.Writes {
			if err := db.file.WriteAt(int64(w.Addr), w.Data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if count > 0 {
		if err := db.file.Sync(); err != nil {
			return err
		}
		if err := db.journal.Truncate(); err != nil {
			return err
		}
		db.log.WithField("records", count).Info("replayed journal on open")
	}

	size, err := db.file.Size()
	if err != nil {
		return err
	}
	buf := make([]byte, headerSize)
	if size < headerSize {
		return errors.Wrap(ErrBadMagic, "file too small to hold a header")
	}
	if err := db.file.ReadAt(0, buf); err != nil {
		return err
	}
	hdr, err := decodeHeader(buf)
	if err != nil {
		return err
	}
	db.hdr = hdr
	return nil
}

// Load returns a shared-locked reference to pageNr.
func (db *DB) Load(pageNr uint64) (*pagecache.ReadRef, error) {
	if db.wedged.Load() {
		return nil, ErrWedged
	}
	return db.cache.ReadPage(pageNr)
}

// EndOfFile implements txn.HeaderIO.
func (db *DB) EndOfFile() uint64 {
	db.headerMu.RLock()
	defer db.headerMu.RUnlock()
	return db.hdr.endOfFile
}

// FreeListHeads implements txn.HeaderIO.
func (db *DB) FreeListHeads() blockalloc.FreeListHeads {
	db.headerMu.RLock()
	defer db.headerMu.RUnlock()
	return db.hdr.heads
}

// Transaction wraps a txn.Transaction with the facade's single-writer
// lock and header persistence.
type Transaction struct {
	db *txn.Transaction
	owner *DB
}

// StartTransaction acquires the facade's writer lock and returns a new
// transaction. Returns ErrTransactionInProgress if one is already open.
func (db *DB) StartTransaction() (*Transaction, error) {
	if db.wedged.Load() {
		return nil, ErrWedged
	}
	db.writerMu.Lock()
	if db.writing {
		db.writerMu.Unlock()
		return nil, ErrTransactionInProgress
	}
	db.writing = true
	db.writerMu.Unlock()

	id := db.nextTxnID.Add(1)
	return &Transaction{db: txn.New(id, db.cache, db.journal, db), owner: db}, nil
}

// Alloc delegates to the underlying transaction.
func (t *Transaction) Alloc(c blockalloc.Class) (uint64, error) { return t.db.Alloc(c) }

// Free delegates to the underlying transaction.
func (t *Transaction) Free(addr uint64) error { return t.db.Free(addr) }

// StageWrite delegates to the underlying transaction.
func (t *Transaction) StageWrite(addr uint64, data []byte) error { return t.db.StageWrite(addr, data) }

// Commit merges writes with staged state, persists a revised header if
// needed, and applies everything through the journal and cache. On
// return (success or failure) the facade's writer lock is released.
func (t *Transaction) Commit(writes map[uint64][]byte) error {
	defer t.release()

	var headerBytes []byte
	if t.db.HeaderDirty() {
		buf := make([]byte, headerSize)
		newHdr := header{endOfFile: t.db.EndOfFile(), heads: t.db.FreeListHeads()}
		newHdr.encode(buf)
		headerBytes = buf
	}

	if err := t.db.Commit(writes, headerBytes); err != nil {
		if errors.Is(err, txn.ErrApplyFailed) {
			t.owner.wedged.Store(true)
			t.owner.log.WithError(err).Error("commit failed after journal fsync, database wedged")
		} else {
			t.owner.log.WithError(err).Warn("commit failed before journal fsync, no disk effect")
		}
		return err
	}

	if headerBytes != nil {
		t.owner.headerMu.Lock()
		t.owner.hdr.endOfFile = t.db.EndOfFile()
		t.owner.hdr.heads = t.db.FreeListHeads()
		t.owner.headerMu.Unlock()
	}
	return nil
}

// Abort discards staged state and releases the writer lock.
func (t *Transaction) Abort() {
	t.db.Abort()
	t.release()
}

func (t *Transaction) release() {
	t.owner.writerMu.Lock()
	t.owner.writing = false
	t.owner.writerMu.Unlock()
}

// Flush writes all dirty pages through to the file, then truncates the
// journal: under the single-writer discipline every record in it has
// already been applied to the cache by the time Flush is called, so its
// replay watermark is always at the tail (spec §4.C step 3).
func (db *DB) Flush() error {
	if db.wedged.Load() {
		return ErrWedged
	}
	if err := db.cache.Flush(); err != nil {
		return err
	}
	return db.journal.Truncate()
}

// Wedged reports whether the database has entered the fatal state of
// spec §7.
func (db *DB) Wedged() bool { return db.wedged.Load() }

// Close flushes and releases every held resource. The advisory lock is
// dropped before the backing file descriptor closes underneath it (cache
// Close owns that descriptor's lifetime).
func (db *DB) Close() error {
	var firstErr error
	if err := db.file.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.cache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
