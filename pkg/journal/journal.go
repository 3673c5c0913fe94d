// Package journal implements the append-only crash-recovery log that sits
// alongside the database file. A journal holds a sequence of commit
// records; each record is valid iff its trailing checksum matches and it
// is followed by either another valid record or end-of-file. Replay
// applies every valid record's writes in order and is idempotent: running
// it twice over the same journal produces the same database state.
package journal

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// recordHeaderSize is len({tid:8, n_writes:4, payload_len:4}).
const recordHeaderSize = 8 + 4 + 4

// tupleHeaderSize is len({addr:8, len:4}); the tuple's bytes follow.
const tupleHeaderSize = 8 + 4

// trailerSize is len({crc32:4}).
const trailerSize = 4

// ErrTruncated is returned by decodePayload when a tuple runs past the end
// of its record's payload. Replay never returns it: readRecord treats such
// a record as invalid, and Replay stops there, discarding it and
// everything after it rather than applying them.
var ErrTruncated = errors.New("journal: truncated or invalid record")

// Write is one (addr, length, bytes) tuple inside a commit record.
type Write struct {
	Addr uint64
	Data []byte
}

// Record is one fully decoded commit record.
type Record struct {
	TxnID  uint64
	Writes []Write
}

// Journal is the append-only commit log file.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens or creates the journal file at path.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "journal: open")
	}
	return &Journal{path: path, file: f}, nil
}

// Append encodes one commit record for txnID and writes, then fsyncs the
// journal file before returning (spec §5 two-phase commit, step 1).
func (j *Journal) Append(txnID uint64, writes []Write) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	payload := encodePayload(writes)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], txnID)
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(writes)))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	sum := crc32.NewIEEE()
	sum.Write(header)
	sum.Write(payload)
	trailer := make([]byte, trailerSize)
	binary.LittleEndian.PutUint32(trailer, sum.Sum32())

	offset, err := j.file.Seek(0, io.SeekEnd)
	if err != nil {
		return errors.Wrap(err, "journal: seek end")
	}

	buf := make([]byte, 0, len(header)+len(payload)+len(trailer))
	buf = append(buf, header...)
	buf = append(buf, payload...)
	buf = append(buf, trailer...)

	if _, err := j.file.WriteAt(buf, offset); err != nil {
		return errors.Wrap(err, "journal: write record")
	}
	return j.file.Sync()
}

func encodePayload(writes []Write) []byte {
	size := 0
	for _, w := range writes {
		size += tupleHeaderSize + len(w.Data)
	}
	buf := make([]byte, size)
	off := 0
	for _, w := range writes {
		binary.LittleEndian.PutUint64(buf[off:off+8], w.Addr)
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(len(w.Data)))
		off += tupleHeaderSize
		copy(buf[off:off+len(w.Data)], w.Data)
		off += len(w.Data)
	}
	return buf
}

// Replay reads every valid record from the start of the journal and,
// for each, invokes apply with the decoded record. It stops at the first
// invalid or incomplete record (truncated tail from a crash mid-append)
// rather than erroring the whole journal out, per spec §4.C: "A record is
// valid iff its checksum matches and it is followed by either another
// valid record or end-of-file." Returns the number of valid records
// applied and the byte offset immediately following the last valid
// record (the new watermark).
func (j *Journal) Replay(apply func(Record) error) (count int, watermark int64, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return 0, 0, errors.Wrap(err, "journal: seek start")
	}
	r := bufio.NewReader(j.file)

	var offset int64
	for {
		rec, consumed, ok := readRecord(r)
		if !ok {
			break
		}
		if apply != nil {
			if err := apply(rec); err != nil {
				return count, offset, err
			}
		}
		count++
		offset += consumed
	}
	return count, offset, nil
}

// readRecord attempts to decode one record from r. ok is false if the
// header, payload, or trailer could not be fully read or the checksum did
// not match — i.e. this is the truncated tail of a torn write.
func readRecord(r *bufio.Reader) (rec Record, consumed int64, ok bool) {
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return Record{}, 0, false
	}
	txnID := binary.LittleEndian.Uint64(header[0:8])
	nWrites := binary.LittleEndian.Uint32(header[8:12])
	payloadLen := binary.LittleEndian.Uint32(header[12:16])

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Record{}, 0, false
	}

	trailer := make([]byte, trailerSize)
	if _, err := io.ReadFull(r, trailer); err != nil {
		return Record{}, 0, false
	}

	sum := crc32.NewIEEE()
	sum.Write(header)
	sum.Write(payload)
	if sum.Sum32() != binary.LittleEndian.Uint32(trailer) {
		return Record{}, 0, false
	}

	writes, err := decodePayload(payload, nWrites)
	if err != nil {
		return Record{}, 0, false
	}

	total := int64(recordHeaderSize) + int64(payloadLen) + int64(trailerSize)
	return Record{TxnID: txnID, Writes: writes}, total, true
}

func decodePayload(payload []byte, nWrites uint32) ([]Write, error) {
	writes := make([]Write, 0, nWrites)
	off := 0
	for i := uint32(0); i < nWrites; i++ {
		if off+tupleHeaderSize > len(payload) {
			return nil, ErrTruncated
		}
		addr := binary.LittleEndian.Uint64(payload[off : off+8])
		length := binary.LittleEndian.Uint32(payload[off+8 : off+12])
		off += tupleHeaderSize
		if off+int(length) > len(payload) {
			return nil, ErrTruncated
		}
		data := make([]byte, length)
		copy(data, payload[off:off+int(length)])
		off += int(length)
		writes = append(writes, Write{Addr: addr, Data: data})
	}
	return writes, nil
}

// Truncate discards the journal's contents, called once every record up
// to the watermark has been durably applied to the database file (spec
// §4.C step 3).
func (j *Journal) Truncate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(0); err != nil {
		return errors.Wrap(err, "journal: truncate")
	}
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "journal: seek start after truncate")
	}
	return j.file.Sync()
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
