package blockalloc

import (
	"testing"

	"vaultdb/pkg/pagecache"
)

// fakeSource is an in-memory PageSource used to unit-test the allocator
// without a real cache or file behind it.
type fakeSource struct {
	pages        [][]byte
	newPageCalls int
}

func newFakeSource(nPages int) *fakeSource {
	pages := make([][]byte, nPages)
	for i := range pages {
		pages[i] = make([]byte, pagecache.PageSize)
	}
	return &fakeSource{pages: pages}
}

func (f *fakeSource) PageBytes(pageNr uint64) ([]byte, error) {
	for uint64(len(f.pages)) <= pageNr {
		f.pages = append(f.pages, make([]byte, pagecache.PageSize))
	}
	return f.pages[pageNr], nil
}

func (f *fakeSource) NewPage() (uint64, error) {
	f.pages = append(f.pages, make([]byte, pagecache.PageSize))
	f.newPageCalls++
	return uint64(len(f.pages) - 1), nil
}

func TestAllocFreshPageWhenAllListsEmpty(t *testing.T) {
	src := newFakeSource(1)
	var heads FreeListHeads

	addr, err := Alloc(src, &heads, ClassPage)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if pagecache.PageOffset(addr) != 0 {
		t.Fatalf("page-class alloc should be page-aligned, got offset %d", pagecache.PageOffset(addr))
	}
}

func TestAllocSplitsCascade(t *testing.T) {
	src := newFakeSource(1)
	var heads FreeListHeads

	addr, err := Alloc(src, &heads, ClassSixteenth)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if int(addr)%ClassSixteenth.Size() != 0 {
		t.Fatalf("address %d not aligned to class size %d", addr, ClassSixteenth.Size())
	}
	// Splitting a fresh page down to P/16 must have populated every
	// intermediate free list with exactly one spare sibling.
	for c := ClassHalf; c <= ClassSixteenth; c++ {
		if heads.Get(c) == 0 {
			t.Fatalf("class %d free list empty after cascade split", c)
		}
	}
}

func TestAllocSixteenBlocksConsultsPageListOnce(t *testing.T) {
	src := newFakeSource(1)
	var heads FreeListHeads

	seen := make(map[uint64]bool)
	for i := 0; i < 16; i++ {
		addr, err := Alloc(src, &heads, ClassSixteenth)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if seen[addr] {
			t.Fatalf("address %d allocated twice", addr)
		}
		seen[addr] = true
	}
	if src.newPageCalls != 1 {
		t.Fatalf("expected exactly one new page to have been allocated, got %d", src.newPageCalls)
	}
}

func TestFreeThenAllocReusesBlock(t *testing.T) {
	src := newFakeSource(1)
	var heads FreeListHeads

	addr, err := Alloc(src, &heads, ClassQuarter)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err := Free(src, &heads, addr); err != nil {
		t.Fatalf("free: %v", err)
	}

	again, err := Alloc(src, &heads, ClassQuarter)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if again != addr {
		t.Fatalf("expected reuse of freed block %d, got %d", addr, again)
	}
}

func TestFreeListsDoNotCycleOrCrossClasses(t *testing.T) {
	src := newFakeSource(1)
	var heads FreeListHeads

	var addrs []uint64
	for i := 0; i < 4; i++ {
		addr, err := Alloc(src, &heads, ClassEighth)
		if err != nil {
			t.Fatalf("alloc: %v", err)
		}
		addrs = append(addrs, addr)
	}
	for _, a := range addrs {
		if err := Free(src, &heads, a); err != nil {
			t.Fatalf("free: %v", err)
		}
	}

	visited := map[uint64]bool{}
	next := heads.Get(ClassEighth)
	for next != 0 {
		if visited[next] {
			t.Fatalf("free list cycle detected at %d", next)
		}
		visited[next] = true

		pageNr := pagecache.PageNumber(next)
		offset := pagecache.PageOffset(next)
		bytes, _ := src.PageBytes(pageNr)
		class, n, ok := readHeader(bytes[offset : offset+blockHeaderSize])
		if !ok || class != ClassEighth {
			t.Fatalf("free list visited a block of the wrong class: %v", class)
		}
		next = n
	}
	if len(visited) != 4 {
		t.Fatalf("expected 4 free blocks visited, got %d", len(visited))
	}
}
