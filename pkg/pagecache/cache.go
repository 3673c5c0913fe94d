// Package pagecache implements the bounded, LRU-evicted set of resident
// pages sitting on top of a memory-mapped database file (spec §4.B). It
// hands out read- or write-locked references and is the only component
// that touches the mmap region directly.
package pagecache

import (
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"vaultdb/pkg/fileio"
)

// ErrPageOutOfRange is returned when a page number is beyond end-of-file
// and growth was not requested.
var ErrPageOutOfRange = errors.New("pagecache: page number out of range")

// ErrCacheFatal marks the cache wedged after a backing I/O failure during
// flush; the offending page stays dirty and further commits must fail
// (spec §4.B "Failure semantics").
var ErrCacheFatal = errors.New("pagecache: fatal I/O error, cache is wedged")

// extensionQuantum is the number of pages the file is rounded up to on
// growth, to amortize the cost of repeated small extensions.
const extensionQuantum = 16

// Cache is the bounded set of resident pages. Lock order, mandatory
// throughout this package: mapLock -> lruLock -> page lock. getOrInsert
// and Flush take page locks with blocking acquires while holding mapLock.
// getFreePage, also called under mapLock, scans candidates with a
// non-blocking TryLock and blocks only on the tail page after a full pass
// finds none free.
type Cache struct {
	file *fileio.File

	mapLock  sync.RWMutex
	byPage   map[uint64]int32
	lruLock  sync.Mutex
	pages    []CachePage
	head     int32 // most-recently-used index, -1 if empty
	tail     int32 // least-recently-used index, -1 if empty

	region   mmap.MMap
	mappedSz int64

	wedged bool
	log    *logrus.Entry
}

// Open maps f and builds a cache with room for capacity resident pages.
// initialSize is the file's logical size in bytes (a multiple of
// PageSize); the mmap region is sized to at least that.
func Open(f *fileio.File, capacity int, initialSize int64) (*Cache, error) {
	if capacity < 1 {
		capacity = 1
	}
	if initialSize < PageSize {
		initialSize = PageSize
	}

	c := &Cache{
		file:   f,
		byPage: make(map[uint64]int32, capacity),
		pages:  make([]CachePage, capacity),
		head:   -1,
		tail:   -1,
		log:    logrus.WithField("component", "pagecache"),
	}

	if err := c.remap(initialSize); err != nil {
		return nil, err
	}

	// Thread every slot into the LRU chain, least-recent at index 0. prev
	// points toward the MRU head and next toward the LRU tail, matching
	// moveToFront and getFreePage's tail-to-head walk.
	for i := range c.pages {
		c.pages[i].pageNr = freeSentinel
		c.pages[i].prev = int32(i) + 1
		c.pages[i].next = int32(i) - 1
	}
	c.pages[len(c.pages)-1].prev = -1
	c.head = int32(len(c.pages)) - 1
	c.tail = 0

	return c, nil
}

func (c *Cache) remap(size int64) error {
	if c.region != nil {
		if err := c.region.Unmap(); err != nil {
			return errors.Wrap(ErrCacheFatal, err.Error())
		}
	}
	if err := c.file.Resize(size); err != nil {
		return err
	}
	region, err := mmap.MapRegion(c.file.OSFile(), int(size), mmap.RDWR, 0, 0)
	if err != nil {
		return errors.Wrap(ErrCacheFatal, err.Error())
	}
	c.region = region
	c.mappedSz = size
	return nil
}

// ReadPage returns a shared-locked reference to pageNr, materializing it
// from the mapped file if not already resident.
func (c *Cache) ReadPage(pageNr uint64) (*ReadRef, error) {
	p, err := c.getOrInsert(pageNr, false)
	if err != nil {
		return nil, err
	}
	return &ReadRef{page: p}, nil
}

// WritePage returns an exclusive-locked reference to pageNr, growing the
// file if pageNr is beyond current end-of-file.
func (c *Cache) WritePage(pageNr uint64) (*WriteRef, error) {
	p, err := c.getOrInsert(pageNr, true)
	if err != nil {
		return nil, err
	}
	return &WriteRef{page: p}, nil
}

// getOrInsert implements the get-or-insert algorithm of spec §4.B: a
// shared-locked probe of the map, and on miss a double-checked insertion
// under the exclusive map lock. The page lock (read for forWrite=false,
// write for forWrite=true) is acquired before the map lock is released in
// every path, per the mandated map -> LRU -> page lock order: releasing
// the map lock first would let a concurrent getFreePage's non-blocking
// TryLock steal and rebind the very slot this call just resolved.
func (c *Cache) getOrInsert(pageNr uint64, forWrite bool) (*CachePage, error) {
	if c.wedged {
		return nil, ErrCacheFatal
	}

	lockPage := func(p *CachePage) {
		if forWrite {
			p.mu.Lock()
		} else {
			p.mu.RLock()
		}
	}

	c.mapLock.RLock()
	if idx, ok := c.byPage[pageNr]; ok {
		c.bump(idx)
		p := &c.pages[idx]
		lockPage(p)
		c.mapLock.RUnlock()
		return p, nil
	}
	c.mapLock.RUnlock()

	c.mapLock.Lock()

	if idx, ok := c.byPage[pageNr]; ok {
		c.bump(idx)
		p := &c.pages[idx]
		lockPage(p)
		c.mapLock.Unlock()
		return p, nil
	}

	if required := int64(pageNr+1) * PageSize; required > c.mappedSz {
		if !forWrite {
			c.mapLock.Unlock()
			return nil, ErrPageOutOfRange
		}
		newSize := c.mappedSz
		quantumBytes := int64(extensionQuantum) * PageSize
		for newSize < required {
			newSize += quantumBytes
		}
		if err := c.growLocked(newSize); err != nil {
			c.mapLock.Unlock()
			return nil, err
		}
	}

	idx, err := c.getFreePage(pageNr)
	if err != nil {
		c.mapLock.Unlock()
		return nil, err
	}
	c.byPage[pageNr] = idx
	p := &c.pages[idx]
	lockPage(p)
	c.mapLock.Unlock()
	return p, nil
}

// growLocked extends the mapped region and, since every existing page's
// byte window borrows from the region being replaced, evicts everything
// resident. Callers hold mapLock exclusively. This mirrors the teacher
// pager's invalidateCache on mmap regrowth; see DESIGN.md for the
// reasoning (no in-place mremap across platforms without unsafe remap
// bookkeeping that would outlive this spec's scope).
func (c *Cache) growLocked(newSize int64) error {
	if err := c.remap(newSize); err != nil {
		return err
	}
	c.lruLock.Lock()
	defer c.lruLock.Unlock()
	for pageNr := range c.byPage {
		delete(c.byPage, pageNr)
	}
	for i := range c.pages {
		c.pages[i].pageNr = freeSentinel
		c.pages[i].dirty = false
		c.pages[i].prev = int32(i) + 1
		c.pages[i].next = int32(i) - 1
	}
	c.pages[len(c.pages)-1].prev = -1
	c.head = int32(len(c.pages)) - 1
	c.tail = 0
	return nil
}

// getFreePage walks the LRU chain from least- to most-recently used,
// trying a non-blocking exclusive lock on each candidate so eviction never
// deadlocks against a reader (spec §4.B). The winning slot is remapped
// onto pageNr and moved to the MRU end; getFreePage releases the lock it
// used for the scan before returning, and getOrInsert then takes the page
// lock of the kind the caller needs while still holding mapLock.
func (c *Cache) getFreePage(pageNr uint64) (int32, error) {
	for {
		c.lruLock.Lock()
		idx := c.tail
		for idx != -1 {
			p := &c.pages[idx]
			if p.mu.TryLock() {
				if !p.IsFree() {
					if p.dirty {
						if err := c.writeBack(p); err != nil {
							p.mu.Unlock()
							c.lruLock.Unlock()
							c.wedged = true
							return 0, err
						}
					}
					delete(c.byPage, p.pageNr)
				}
				c.claim(p, pageNr)
				c.moveToFront(idx)
				p.mu.Unlock()
				c.lruLock.Unlock()
				return idx, nil
			}
			idx = p.prev
		}
		blocking := c.tail
		c.lruLock.Unlock()

		if blocking == -1 {
			return 0, errors.New("pagecache: empty cache has no candidate to evict")
		}
		// No candidate succeeded in one pass; block on the tail and retry,
		// as spec §4.B requires.
		c.pages[blocking].mu.Lock()
		c.pages[blocking].mu.Unlock()
	}
}

func (c *Cache) claim(p *CachePage, pageNr uint64) {
	base := int64(pageNr) * PageSize
	p.data = c.region[base : base+PageSize]
	p.pageNr = pageNr
	p.dirty = false
}

func (c *Cache) writeBack(p *CachePage) error {
	// The page already lives inside the mmap region, so its dirty bytes
	// are already reflected in the file's page cache; writeBack exists to
	// make the dirty -> clean transition explicit and to surface a fatal
	// error if the region has gone bad (e.g. I/O error reported by a
	// later msync). A background Flush still performs the durable sync.
	p.dirty = false
	return nil
}

// bump moves idx to the MRU end under the dedicated LRU lock, independent
// of the map lock held (or not) by the caller, per spec §4.B.
func (c *Cache) bump(idx int32) {
	c.lruLock.Lock()
	defer c.lruLock.Unlock()
	c.moveToFront(idx)
}

func (c *Cache) moveToFront(idx int32) {
	if c.head == idx {
		return
	}
	p := &c.pages[idx]
	if p.prev != -1 {
		c.pages[p.prev].next = p.next
	}
	if p.next != -1 {
		c.pages[p.next].prev = p.prev
	} else {
		c.tail = p.prev
	}
	p.prev = -1
	p.next = c.head
	if c.head != -1 {
		c.pages[c.head].prev = idx
	}
	c.head = idx
	if c.tail == -1 {
		c.tail = idx
	}
}

// Flush writes every dirty page through to the backing file and clears
// their dirty flags.
func (c *Cache) Flush() error {
	c.mapLock.Lock()
	defer c.mapLock.Unlock()

	var cleaned []int
	for i := range c.pages {
		p := &c.pages[i]
		p.mu.Lock()
		if !p.IsFree() && p.dirty {
			p.dirty = false
			cleaned = append(cleaned, i)
		}
		p.mu.Unlock()
	}
	if err := c.region.Flush(); err != nil {
		for _, i := range cleaned {
			c.pages[i].mu.Lock()
			c.pages[i].dirty = true
			c.pages[i].mu.Unlock()
		}
		c.wedged = true
		return errors.Wrap(ErrCacheFatal, err.Error())
	}
	return nil
}

// Size returns the current mapped size in bytes.
func (c *Cache) Size() int64 {
	c.mapLock.RLock()
	defer c.mapLock.RUnlock()
	return c.mappedSz
}

// Wedged reports whether the cache has entered the fatal state described
// in spec §7.
func (c *Cache) Wedged() bool { return c.wedged }

// Close unmaps the region and closes the backing file.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	if err := c.region.Unmap(); err != nil {
		return errors.Wrap(fileio.ErrFileIO, err.Error())
	}
	return c.file.Close()
}
