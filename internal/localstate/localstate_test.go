package localstate

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	return s, dir
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, _ := newFileStore(t)

	rec := Record{
		LeaseID:    "0x4a2f",
		NodeID:     "node-1",
		AcquiredAt: time.Unix(1700000000, 0).UTC(),
	}
	if err := s.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, present, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !present {
		t.Fatalf("record should be present after save")
	}
	if got != rec {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, rec)
	}
}

func TestFileStoreEmptyLoad(t *testing.T) {
	s, _ := newFileStore(t)
	if _, present, err := s.Load(); err != nil || present {
		t.Fatalf("empty store: present=%v err=%v", present, err)
	}
}

func TestFileStoreClear(t *testing.T) {
	s, dir := newFileStore(t)
	if err := s.Save(Record{LeaseID: "l", NodeID: "n", AcquiredAt: time.Unix(1, 0).UTC()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, present, err := s.Load(); err != nil || present {
		t.Fatalf("after clear: present=%v err=%v", present, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "leader")); !os.IsNotExist(err) {
		t.Fatalf("marker file should be gone, stat err=%v", err)
	}
	// Clearing an empty store is a no-op.
	if err := s.Clear(); err != nil {
		t.Fatalf("second clear: %v", err)
	}
}

func TestFileStoreMarkerImpliesRecord(t *testing.T) {
	s, dir := newFileStore(t)

	// A marker with no record behind it violates the invariant and must
	// surface as an error, not as absence.
	if err := os.WriteFile(filepath.Join(dir, "leader"), []byte("node-1\n"), 0o644); err != nil {
		t.Fatalf("plant marker: %v", err)
	}
	if _, _, err := s.Load(); err == nil {
		t.Fatalf("expected error for marker without record")
	}
}

func TestFileStoreDetectsCorruption(t *testing.T) {
	s, dir := newFileStore(t)
	if err := s.Save(Record{LeaseID: "l", NodeID: "n", AcquiredAt: time.Unix(1, 0).UTC()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lease"), []byte("x n 1\ndeadbeefdeadbeef\n"), 0o644); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}
	if _, _, err := s.Load(); err == nil {
		t.Fatalf("expected checksum error for tampered record")
	}

	if err := os.WriteFile(filepath.Join(dir, "lease"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("truncate record: %v", err)
	}
	if _, _, err := s.Load(); err == nil {
		t.Fatalf("expected error for truncated record")
	}
}

func TestFileStoreRecordWithoutMarkerIsAbsent(t *testing.T) {
	s, _ := newFileStore(t)
	if err := s.Save(Record{LeaseID: "l", NodeID: "n", AcquiredAt: time.Unix(1, 0).UTC()}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// The marker is removed first during Clear; a crash between the two
	// removals leaves an orphan record, which reads as not-leader.
	if err := os.Remove(filepath.Join(s.dir, "leader")); err != nil {
		t.Fatalf("remove marker: %v", err)
	}
	if _, present, err := s.Load(); err != nil || present {
		t.Fatalf("orphan record must read as absent: present=%v err=%v", present, err)
	}
}

func TestMemoryStore(t *testing.T) {
	m := NewMemory()
	if _, present, _ := m.Load(); present {
		t.Fatalf("fresh memory store should be empty")
	}
	rec := Record{LeaseID: "l", NodeID: "n", AcquiredAt: time.Unix(5, 0).UTC()}
	if err := m.Save(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, present, err := m.Load()
	if err != nil || !present || got != rec {
		t.Fatalf("load: got=%+v present=%v err=%v", got, present, err)
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, present, _ := m.Load(); present {
		t.Fatalf("cleared store should be empty")
	}
}
