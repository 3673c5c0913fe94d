package vaultdb

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"vaultdb/pkg/blockalloc"
	"vaultdb/pkg/pagecache"
)

// magic identifies the file format and version. Must fit in the first
// half page along with the rest of the header (spec §3).
const magic = "CHSBSE01"

// headerSize is the on-disk byte length of the fixed header fields:
// magic(8) + end_of_file(8) + 5 free-list heads(8 each).
const headerSize = 8 + 8 + 5*8

// ErrBadMagic is returned when an opened file's header does not start
// with the expected magic string.
var ErrBadMagic = errors.New("vaultdb: bad header magic")

// header is the decoded shape of the database header stored at the start
// of page 0.
type header struct {
	endOfFile uint64
	heads     blockalloc.FreeListHeads
}

func newHeader() header {
	return header{endOfFile: pagecache.PageSize}
}

func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerSize {
		return h, errors.Wrap(ErrBadMagic, "short header")
	}
	if string(b[0:8]) != magic {
		return h, ErrBadMagic
	}
	h.endOfFile = binary.LittleEndian.Uint64(b[8:16])
	for i := 0; i < 5; i++ {
		off := 16 + i*8
		h.heads.Set(blockalloc.Class(i), binary.LittleEndian.Uint64(b[off:off+8]))
	}
	return h, nil
}

func (h header) encode(b []byte) {
	copy(b[0:8], magic)
	binary.LittleEndian.PutUint64(b[8:16], h.endOfFile)
	for i := 0; i < 5; i++ {
		off := 16 + i*8
		binary.LittleEndian.PutUint64(b[off:off+8], h.heads.Get(blockalloc.Class(i)))
	}
}
