// Package blockalloc carves pages into fixed-size blocks and threads five
// per-size free lists through the blocks themselves, rooted in the
// database header. The design generalizes the trunk-page freelist shape
// (one linked list of spare pages) into five linked lists, one per size
// class, each threaded through the 8-byte block header every allocated or
// free block carries.
package blockalloc

import (
	"github.com/pkg/errors"

	"vaultdb/pkg/pagecache"
)

// Class identifies one of the five block sizes {P, P/2, P/4, P/8, P/16}.
type Class uint8

const (
	ClassPage Class = iota
	ClassHalf
	ClassQuarter
	ClassEighth
	ClassSixteenth

	numClasses = int(ClassSixteenth) + 1
)

// Size returns the byte size of a block in this class.
func (c Class) Size() int {
	return pagecache.PageSize >> uint(c)
}

// typeByte returns the on-disk block-header type tag for this class.
func (c Class) typeByte() byte {
	switch c {
	case ClassPage:
		return 'P'
	case ClassHalf:
		return '1'
	case ClassQuarter:
		return '2'
	case ClassEighth:
		return '3'
	case ClassSixteenth:
		return '4'
	default:
		return 0
	}
}

func classFromTypeByte(b byte) (Class, bool) {
	switch b {
	case 'P':
		return ClassPage, true
	case '1':
		return ClassHalf, true
	case '2':
		return ClassQuarter, true
	case '3':
		return ClassEighth, true
	case '4':
		return ClassSixteenth, true
	default:
		return 0, false
	}
}

// blockHeaderSize is the shared 8-byte prefix of every block: 1 type byte
// + 7 bytes of next-free-block pointer.
const blockHeaderSize = 8

// minBlockSize is the smallest allocatable unit, P/16. The block header's
// 7-byte "next" field is stored as a count of minBlockSize-sized granules
// from the start of the file rather than a bare page number: the spec
// leaves the exact encoding of "next" as an open question (§9) since a
// page number alone cannot address a sub-page sibling produced by a
// split. Granule counts keep the field a plain integer, fit easily in 56
// bits for any file this engine will ever map, and let a free block at
// any sub-page offset be threaded without extra bookkeeping.
const minBlockSize = pagecache.PageSize / 16

// ErrConsistency signals an on-disk invariant violation: a free-list head
// whose block header carries an invalid type byte or the type of another
// class. Next-pointers are not range-checked against the file's extent.
var ErrConsistency = errors.New("blockalloc: consistency violation")

// ErrBadArgument signals a caller request that does not name a real
// block (e.g. Free on an address whose header byte is not a valid block
// type).
var ErrBadArgument = errors.New("blockalloc: bad argument")

// FreeListHeads is the decoded shape of the database header's five
// free-list root fields, one per size class, each a byte address (0 =
// empty list).
type FreeListHeads [numClasses]uint64

// Get returns the free-list head address for class c.
func (h *FreeListHeads) Get(c Class) uint64 { return h[c] }

// Set updates the free-list head address for class c.
func (h *FreeListHeads) Set(c Class, addr uint64) { h[c] = addr }

// PageSource resolves a page number to a writable byte view, used to read
// and splice block headers in place. Implemented by the transaction
// manager so that every mutation this package makes is staged as part of
// the caller's transaction (spec §4.D "Atomicity").
type PageSource interface {
	// PageBytes returns the full page-sized byte slice for pageNr,
	// tracking it as touched by the enclosing transaction.
	PageBytes(pageNr uint64) ([]byte, error)
	// NewPage allocates and zero-fills a fresh page at the current
	// end-of-file, advancing end-of-file by one page, and returns its
	// page number.
	NewPage() (uint64, error)
}

func addrToGranule(addr uint64) uint64 { return addr / minBlockSize }
func granuleToAddr(g uint64) uint64    { return g * minBlockSize }

func readHeader(b []byte) (class Class, next uint64, ok bool) {
	class, ok = classFromTypeByte(b[0])
	if !ok {
		return 0, 0, false
	}
	next = granuleToAddr(beUint56(b[1:8]))
	return class, next, true
}

func writeHeader(b []byte, class Class, next uint64) {
	b[0] = class.typeByte()
	putBeUint56(b[1:8], addrToGranule(next))
}

func beUint56(b []byte) uint64 {
	var v uint64
	for i := 0; i < 7; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putBeUint56(b []byte, v uint64) {
	for i := 6; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// Alloc reserves one block of class c, popping it off the free list,
// splitting a larger block if the list is empty, or extending the file
// with a fresh page if every class is exhausted. heads is mutated in
// place to reflect the new free-list state; the caller is responsible for
// persisting heads back into the header as part of its transaction.
func Alloc(src PageSource, heads *FreeListHeads, c Class) (uint64, error) {
	if head := heads.Get(c); head != 0 {
		pageNr := pagecache.PageNumber(head)
		offset := pagecache.PageOffset(head)

		bytes, err := src.PageBytes(pageNr)
		if err != nil {
			return 0, err
		}
		gotClass, next, ok := readHeader(bytes[offset : offset+blockHeaderSize])
		if !ok || gotClass != c {
			return 0, errors.Wrapf(ErrConsistency, "free list head for class %d has wrong type", c)
		}
		heads.Set(c, next)
		return head, nil
	}

	if c == ClassPage {
		pageNr, err := src.NewPage()
		if err != nil {
			return 0, err
		}
		bytes, err := src.PageBytes(pageNr)
		if err != nil {
			return 0, err
		}
		writeHeader(bytes[0:blockHeaderSize], ClassPage, 0)
		return pagecache.PageBase(pageNr), nil
	}

	parentAddr, err := Alloc(src, heads, c-1)
	if err != nil {
		return 0, err
	}
	return split(src, heads, c, parentAddr)
}

// split divides the block at parentAddr (of class c-1) into two blocks of
// class c, threads the second onto class c's free list, and returns the
// first block's address.
func split(src PageSource, heads *FreeListHeads, c Class, parentAddr uint64) (uint64, error) {
	pageNr := pagecache.PageNumber(parentAddr)
	baseOffset := pagecache.PageOffset(parentAddr)

	bytes, err := src.PageBytes(pageNr)
	if err != nil {
		return 0, err
	}

	childSize := uint64(c.Size())
	firstAddr := parentAddr
	secondAddr := parentAddr + childSize

	secondOffset := baseOffset + childSize
	writeHeader(bytes[secondOffset:secondOffset+blockHeaderSize], c, heads.Get(c))
	heads.Set(c, secondAddr)

	// The first child is returned to the caller uninitialized past its
	// header; the allocator does not pre-clear payload bytes.
	writeHeader(bytes[baseOffset:baseOffset+blockHeaderSize], c, 0)
	return firstAddr, nil
}

// Free returns the block at addr to its size class's free list. The
// block's class is read from its existing header byte.
func Free(src PageSource, heads *FreeListHeads, addr uint64) error {
	pageNr := pagecache.PageNumber(addr)
	offset := pagecache.PageOffset(addr)

	bytes, err := src.PageBytes(pageNr)
	if err != nil {
		return err
	}
	if int(offset)+blockHeaderSize > len(bytes) {
		return errors.Wrap(ErrBadArgument, "address does not point at a block header")
	}
	class, _, ok := readHeader(bytes[offset : offset+blockHeaderSize])
	if !ok {
		return errors.Wrap(ErrBadArgument, "address does not point at a block header")
	}

	writeHeader(bytes[offset:offset+blockHeaderSize], class, heads.Get(class))
	heads.Set(class, addr)
	return nil
}
