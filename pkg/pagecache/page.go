package pagecache

import "sync"

// freeSentinel marks a CachePage slot that holds no page yet.
const freeSentinel = ^uint64(0)

// CachePage is the in-memory record for one resident page: a borrowed
// window into the cache's single mmap region, a reader/writer lock, a
// dirty flag, and non-owning LRU sibling links. Ownership of the backing
// bytes lives with Cache's mmap region (Design Notes §9); CachePage only
// borrows a sub-slice of it.
//
// LRU links are arena indices into Cache.pages, not pointers, so the list
// structure carries no lifetime burden (Design Notes §9).
type CachePage struct {
	mu     sync.RWMutex
	pageNr uint64
	data   []byte
	dirty  bool

	prev, next int32
}

// PageNr returns the page number this slot currently holds. Only
// meaningful while the slot is mapped (not free).
func (p *CachePage) PageNr() uint64 { return p.pageNr }

// IsFree reports whether the slot currently holds no page.
func (p *CachePage) IsFree() bool { return p.pageNr == freeSentinel }

// ReadRef is a scoped shared-locked reference to a page's bytes. Acquiring
// one takes the lock; Release drops it. While held, the page's bytes are
// stable and the page will not be evicted.
type ReadRef struct {
	page *CachePage
}

// Bytes returns the page's current contents. The slice is only valid
// until Release is called.
func (r *ReadRef) Bytes() []byte { return r.page.data }

// PageNr returns the page number this ref is locked to.
func (r *ReadRef) PageNr() uint64 { return r.page.pageNr }

// Release drops the shared lock.
func (r *ReadRef) Release() { r.page.mu.RUnlock() }

// WriteRef is a scoped exclusive-locked reference to a page's bytes. On
// Release the page is marked dirty.
type WriteRef struct {
	page *CachePage
}

// Bytes returns the page's mutable contents. The slice is only valid
// until Release is called.
func (w *WriteRef) Bytes() []byte { return w.page.data }

// PageNr returns the page number this ref is locked to.
func (w *WriteRef) PageNr() uint64 { return w.page.pageNr }

// Release marks the page dirty and drops the exclusive lock.
func (w *WriteRef) Release() {
	w.page.dirty = true
	w.page.mu.Unlock()
}
