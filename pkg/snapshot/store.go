package snapshot

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"raftkv/pkg/types"
	"raftkv/pkg/wal"
)

// Store keeps built snapshots.
type Store interface {
	// Save persists snap. Saving an older snapshot than the latest is allowed
	// but does not change what Latest returns.
	Save(snap Snapshot) error
	// Latest returns the newest saved snapshot; false if there is none.
	Latest() (Snapshot, bool, error)
}

// MemStore keeps only the newest snapshot in memory.
type MemStore struct {
	mu     sync.RWMutex
	latest *Snapshot
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

func (m *MemStore) Save(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest != nil && newer(m.latest.Meta.LastIncluded, snap.Meta.LastIncluded) {
		return nil
	}
	m.latest = &snap
	return nil
}

func (m *MemStore) Latest() (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.latest == nil {
		return Snapshot{}, false, nil
	}
	return *m.latest, true, nil
}

// FileStore writes each snapshot to its own file and keeps the newest retain files.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	retain int
}

func NewFileStore(dir string, retain int) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty snapshot dir")
	}
	if retain < 1 {
		retain = 1
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{dir: filepath.Clean(dir), retain: retain}, nil
}

func fileName(id types.LogID) string {
	return fmt.Sprintf("snapshot-%016x-%016x.snap", uint64(id.Term), uint64(id.Index))
}

func parseFileName(name string) (types.LogID, bool) {
	if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".snap") {
		return types.LogID{}, false
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".snap"), "-")
	if len(parts) != 2 {
		return types.LogID{}, false
	}
	term, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return types.LogID{}, false
	}
	index, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return types.LogID{}, false
	}
	return types.LogID{Term: types.Term(term), Index: types.LogIndex(index)}, true
}

// newer reports whether a is strictly ahead of b.
func newer(a, b types.LogID) bool {
	if a.Index != b.Index {
		return a.Index > b.Index
	}
	return a.Term > b.Term
}

func (s *FileStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, fileName(snap.Meta.LastIncluded))
	tmp := path + ".tmp"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	if _, err := f.Write(snap.Marshal()); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	if err := wal.SyncDir(s.dir); err != nil {
		return err
	}

	slog.Info("snapshot saved",
		"last_included", snap.Meta.LastIncluded.String(),
		"codec", snap.Meta.Codec.String(),
		"size", snap.Meta.Size,
		"stored", len(snap.Data),
	)

	return s.gc()
}

// list returns the snapshot ids on disk, newest first.
func (s *FileStore) list() ([]types.LogID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	var ids []types.LogID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return newer(ids[i], ids[j]) })
	return ids, nil
}

func (s *FileStore) gc() error {
	ids, err := s.list()
	if err != nil {
		return err
	}
	for _, id := range ids[min(s.retain, len(ids)):] {
		path := filepath.Join(s.dir, fileName(id))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove old snapshot", "path", path, "error", err)
		}
	}
	return nil
}

// Latest returns the newest readable snapshot. Files that fail verification
// are skipped in favour of older ones.
func (s *FileStore) Latest() (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.list()
	if err != nil {
		return Snapshot{}, false, err
	}

	for _, id := range ids {
		path := filepath.Join(s.dir, fileName(id))
		raw, err := os.ReadFile(path)
		if err != nil {
			return Snapshot{}, false, fmt.Errorf("failed to read snapshot %s: %w", path, err)
		}
		snap, err := Unmarshal(raw)
		if err != nil {
			slog.Warn("skipping unreadable snapshot", "path", path, "error", err)
			continue
		}
		if snap.Meta.LastIncluded != id {
			slog.Warn("skipping snapshot with mismatching name", "path", path, "last_included", snap.Meta.LastIncluded.String())
			continue
		}
		return snap, true, nil
	}

	return Snapshot{}, false, nil
}
