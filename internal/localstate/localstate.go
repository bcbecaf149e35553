// Package localstate persists the lease record and leader marker a role
// agent keeps on local disk. The marker's existence is the signal local
// tooling uses to infer leadership without contacting the store, so the
// ordering invariant here is strict: the record is durable before the
// marker appears, and the marker is gone before the record is.
package localstate

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Record is the locally persisted view of a held lease.
type Record struct {
	LeaseID    string
	NodeID     string
	AcquiredAt time.Time
}

// Store persists the lease record and marker for one role.
type Store interface {
	// Save writes the record atomically, then places the marker.
	Save(rec Record) error

	// Load returns the record when the marker is present. A present
	// marker with a missing or corrupt record is an error: the invariant
	// that the marker implies a resolvable lease has been violated.
	Load() (Record, bool, error)

	// Clear removes the marker first, then the record. Safe to call when
	// nothing is persisted.
	Clear() error
}

const (
	recordFile = "lease"
	markerFile = "leader"
)

// FileStore keeps the record under a per-role directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) recordPath() string { return filepath.Join(s.dir, recordFile) }
func (s *FileStore) markerPath() string { return filepath.Join(s.dir, markerFile) }

// Save implements Store.
func (s *FileStore) Save(rec Record) error {
	payload := encodeRecord(rec)
	sum := xxhash.Sum64String(payload)
	content := payload + "\n" + hex.EncodeToString(u64be(sum)) + "\n"

	tmp := s.recordPath() + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write lease record: %w", err)
	}
	if err := os.Rename(tmp, s.recordPath()); err != nil {
		return fmt.Errorf("commit lease record: %w", err)
	}
	if err := os.WriteFile(s.markerPath(), []byte(rec.NodeID+"\n"), 0o644); err != nil {
		return fmt.Errorf("write leader marker: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *FileStore) Load() (Record, bool, error) {
	if _, err := os.Stat(s.markerPath()); err != nil {
		if os.IsNotExist(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("stat leader marker: %w", err)
	}
	data, err := os.ReadFile(s.recordPath())
	if err != nil {
		return Record{}, false, fmt.Errorf("leader marker present but lease record unreadable: %w", err)
	}
	rec, err := decodeRecord(string(data))
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// Clear implements Store.
func (s *FileStore) Clear() error {
	if err := os.Remove(s.markerPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove leader marker: %w", err)
	}
	if err := os.Remove(s.recordPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lease record: %w", err)
	}
	return nil
}

func encodeRecord(rec Record) string {
	return rec.LeaseID + " " + rec.NodeID + " " + strconv.FormatInt(rec.AcquiredAt.Unix(), 10)
}

func decodeRecord(content string) (Record, error) {
	lines := strings.SplitN(strings.TrimRight(content, "\n"), "\n", 2)
	if len(lines) != 2 {
		return Record{}, fmt.Errorf("lease record truncated")
	}
	payload, sumHex := lines[0], lines[1]
	want, err := hex.DecodeString(sumHex)
	if err != nil || len(want) != 8 {
		return Record{}, fmt.Errorf("lease record checksum malformed")
	}
	if got := u64be(xxhash.Sum64String(payload)); string(got) != string(want) {
		return Record{}, fmt.Errorf("lease record checksum mismatch")
	}
	parts := strings.Fields(payload)
	if len(parts) != 3 {
		return Record{}, fmt.Errorf("lease record malformed")
	}
	sec, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("lease record timestamp malformed: %w", err)
	}
	return Record{
		LeaseID:    parts[0],
		NodeID:     parts[1],
		AcquiredAt: time.Unix(sec, 0).UTC(),
	}, nil
}

func u64be(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

// Memory is an in-process Store for tests.
type Memory struct {
	mu      sync.Mutex
	rec     Record
	present bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory { return &Memory{} }

// Save implements Store.
func (m *Memory) Save(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec
	m.present = true
	return nil
}

// Load implements Store.
func (m *Memory) Load() (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.present {
		return Record{}, false, nil
	}
	return m.rec, true, nil
}

// Clear implements Store.
func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = Record{}
	m.present = false
	return nil
}
