package journal

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "x.journal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	writes := []Write{
		{Addr: 0, Data: []byte("abcd")},
		{Addr: 4096, Data: []byte("efgh")},
	}
	if err := j.Append(1, writes); err != nil {
		t.Fatalf("append: %v", err)
	}

	var got []Record
	count, _, err := j.Replay(func(r Record) error {
		got = append(got, r)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if got[0].TxnID != 1 || len(got[0].Writes) != 2 {
		t.Fatalf("unexpected record: %+v", got[0])
	}
	if string(got[0].Writes[0].Data) != "abcd" {
		t.Fatalf("write 0 data = %q", got[0].Writes[0].Data)
	}
}

func TestReplayStopsAtTornTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := j.Append(1, []Write{{Addr: 0, Data: []byte("good")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(2, []Write{{Addr: 100, Data: []byte("also-good")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-append: truncate away the last few bytes of
	// the second record so its checksum no longer validates.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	j2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	var applied []uint64
	count, _, err := j2.Replay(func(r Record) error {
		applied = append(applied, r.TxnID)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 1 || applied[0] != 1 {
		t.Fatalf("expected only txn 1 to survive, got %v", applied)
	}
}

func TestTruncateEmptiesJournal(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "x.journal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	if err := j.Append(1, []Write{{Addr: 0, Data: []byte("x")}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Truncate(); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	count, _, err := j.Replay(func(Record) error { return nil })
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 after truncate", count)
	}
}

func TestReplayIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "x.journal"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	if err := j.Append(1, []Write{{Addr: 0, Data: []byte("x")}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var firstPass, secondPass int
	j.Replay(func(Record) error { firstPass++; return nil })
	j.Replay(func(Record) error { secondPass++; return nil })

	if firstPass != secondPass {
		t.Fatalf("replay not idempotent: %d vs %d", firstPass, secondPass)
	}
}
