package logstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"raftkv/pkg/dberrors"
	"raftkv/pkg/types"
	"raftkv/pkg/wal"
)

const (
	walFileName       = "raft.wal"
	hardStateFileName = "hardstate"
)

// hardState is the vote and commit record of the WAL backend.
type hardState struct {
	Vote      types.Vote     `json:"vote"`
	Voted     bool           `json:"voted"`
	Committed types.LogIndex `json:"committed"`
}

// WALStorage keeps the log in an append-only journal and serves reads from
// an in-memory index rebuilt on open.
type WALStorage struct {
	writeMu sync.Mutex
	journal *wal.WAL
	idx     *memIndex

	hsMu      sync.Mutex
	hs        hardState
	hsPath    string
	dir       string
	committed atomic.Uint64
}

func OpenWAL(dir string) (*WALStorage, error) {
	journal, err := wal.Open(dir, walFileName)
	if err != nil {
		return nil, dberrors.IO("open wal", err)
	}

	s := &WALStorage{
		journal: journal,
		idx:     newMemIndex(),
		dir:     filepath.Clean(dir),
		hsPath:  filepath.Join(filepath.Clean(dir), hardStateFileName),
	}

	if err := s.loadHardState(); err != nil {
		_ = journal.Close()
		return nil, err
	}
	if err := s.replay(); err != nil {
		_ = journal.Close()
		return nil, err
	}

	st := s.idx.state()
	slog.Info("wal log storage opened",
		"dir", s.dir,
		"last_purged", st.LastPurged.String(),
		"last", st.Last.String(),
		"committed", s.hs.Committed)

	return s, nil
}

func (s *WALStorage) replay() error {
	err := s.journal.Replay(func(rec wal.Record) error {
		switch rec.Type {
		case wal.RecordEntry:
			e := types.Entry{
				Index:   types.LogIndex(rec.Index),
				Term:    types.Term(rec.Term),
				Kind:    types.EntryKind(rec.Meta),
				Payload: rec.Data,
			}
			st := s.idx.state()
			if e.Index <= st.LastPurged.Index {
				return nil
			}
			if e.Index <= st.Last.Index {
				s.idx.truncateFrom(e.Index)
			} else if e.Index != st.Last.Index+1 {
				return fmt.Errorf("%w: entry %d after %d", wal.ErrCorrupted, e.Index, st.Last.Index)
			}
			s.idx.appendContiguous([]types.Entry{e})
		case wal.RecordTruncate:
			s.idx.truncateFrom(types.LogIndex(rec.Index))
		case wal.RecordPurge:
			s.idx.purgeTo(types.LogID{Term: types.Term(rec.Term), Index: types.LogIndex(rec.Index)})
		}
		return nil
	})
	return dberrors.IO("replay wal", err)
}

func (s *WALStorage) loadHardState() error {
	data, err := os.ReadFile(s.hsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return dberrors.IO("read hard state", err)
	}
	if err := json.Unmarshal(data, &s.hs); err != nil {
		return fmt.Errorf("decode hard state %s: %w", s.hsPath, err)
	}
	s.committed.Store(uint64(s.hs.Committed))
	return nil
}

// persistHardState writes hs through a temp file so a crash leaves either
// the old or the new record. Must hold hsMu.
func (s *WALStorage) persistHardState(hs hardState) error {
	data, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("encode hard state: %w", err)
	}

	tmpPath := s.hsPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return dberrors.IO("write hard state", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return dberrors.IO("write hard state", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberrors.IO("sync hard state", err)
	}
	if err := f.Close(); err != nil {
		return dberrors.IO("close hard state", err)
	}
	if err := os.Rename(tmpPath, s.hsPath); err != nil {
		return dberrors.IO("replace hard state", err)
	}
	if err := wal.SyncDir(s.dir); err != nil {
		return dberrors.IO("sync hard state dir", err)
	}

	s.hs = hs
	return nil
}

func (s *WALStorage) ReadVote() (types.Vote, bool, error) {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()
	return s.hs.Vote, s.hs.Voted, nil
}

func (s *WALStorage) SaveVote(vote types.Vote) error {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	hs := s.hs
	hs.Vote, hs.Voted = vote, true
	return s.persistHardState(hs)
}

func (s *WALStorage) ReadCommitted() (types.LogIndex, error) {
	return types.LogIndex(s.committed.Load()), nil
}

func (s *WALStorage) SaveCommitted(index types.LogIndex) error {
	s.hsMu.Lock()
	defer s.hsMu.Unlock()

	if index <= s.hs.Committed {
		return nil
	}
	hs := s.hs
	hs.Committed = index
	if err := s.persistHardState(hs); err != nil {
		return err
	}
	s.committed.Store(uint64(index))
	return nil
}

func (s *WALStorage) Append(entries []types.Entry, flushed *Flushed) (err error) {
	defer flushed.finish(&err)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	plan, err := planAppend(entries, s.idx.state(), types.LogIndex(s.committed.Load()), s.idx.termAt)
	if err != nil {
		return err
	}
	if plan.empty() {
		return nil
	}

	records := make([]wal.Record, 0, len(plan.entries)+1)
	if plan.truncateFrom != 0 {
		records = append(records, wal.Record{Type: wal.RecordTruncate, Index: uint64(plan.truncateFrom)})
	}
	for _, e := range plan.entries {
		records = append(records, entryRecord(e))
	}

	if err := s.journal.Append(records...); err != nil {
		return dberrors.IO("append", err)
	}

	s.idx.apply(plan)
	return nil
}

func (s *WALStorage) Truncate(from types.LogIndex) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	st := s.idx.state()
	checkTruncate(from, st, types.LogIndex(s.committed.Load()))
	if from > st.Last.Index {
		return nil
	}

	if err := s.journal.Append(wal.Record{Type: wal.RecordTruncate, Index: uint64(from)}); err != nil {
		return dberrors.IO("truncate", err)
	}
	s.idx.truncateFrom(from)
	return nil
}

// Purge rewrites the journal so that it only holds the purge marker and the
// retained suffix.
func (s *WALStorage) Purge(upTo types.LogID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	checkPurge(upTo, types.LogIndex(s.committed.Load()))
	if upTo.Index <= s.idx.state().LastPurged.Index {
		return nil
	}

	retained := s.idx.retainedAfterPurge(upTo)
	records := make([]wal.Record, 0, len(retained)+1)
	records = append(records, wal.Record{Type: wal.RecordPurge, Index: uint64(upTo.Index), Term: uint64(upTo.Term)})
	for _, e := range retained {
		records = append(records, entryRecord(e))
	}

	if err := s.journal.Rewrite(records); err != nil {
		return dberrors.IO("purge", err)
	}
	s.idx.purgeTo(upTo)
	return nil
}

func (s *WALStorage) State() (State, error) {
	return s.idx.state(), nil
}

func (s *WALStorage) LogReader() Reader {
	return s.idx
}

func (s *WALStorage) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return dberrors.IO("close wal", s.journal.Close())
}

func entryRecord(e types.Entry) wal.Record {
	return wal.Record{
		Type:  wal.RecordEntry,
		Index: uint64(e.Index),
		Term:  uint64(e.Term),
		Meta:  uint64(e.Kind),
		Data:  e.Payload,
	}
}
