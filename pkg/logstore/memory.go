package logstore

import (
	"sync"
	"sync/atomic"

	"raftkv/pkg/dberrors"
	"raftkv/pkg/types"
)

// MemStorage is the reference Storage. Nothing survives the process.
type MemStorage struct {
	writeMu sync.Mutex
	idx     *memIndex

	voteMu    sync.RWMutex
	vote      types.Vote
	voted     bool
	committed atomic.Uint64

	closed atomic.Bool
}

func NewMemStorage() *MemStorage {
	return &MemStorage{idx: newMemIndex()}
}

func (s *MemStorage) ReadVote() (types.Vote, bool, error) {
	if s.closed.Load() {
		return types.Vote{}, false, dberrors.ErrClosed
	}
	s.voteMu.RLock()
	defer s.voteMu.RUnlock()
	return s.vote, s.voted, nil
}

func (s *MemStorage) SaveVote(vote types.Vote) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	s.voteMu.Lock()
	defer s.voteMu.Unlock()
	s.vote, s.voted = vote, true
	return nil
}

func (s *MemStorage) ReadCommitted() (types.LogIndex, error) {
	if s.closed.Load() {
		return 0, dberrors.ErrClosed
	}
	return types.LogIndex(s.committed.Load()), nil
}

func (s *MemStorage) SaveCommitted(index types.LogIndex) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	for {
		cur := s.committed.Load()
		if uint64(index) <= cur || s.committed.CompareAndSwap(cur, uint64(index)) {
			return nil
		}
	}
}

func (s *MemStorage) Append(entries []types.Entry, flushed *Flushed) (err error) {
	defer flushed.finish(&err)

	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	plan, err := planAppend(entries, s.idx.state(), types.LogIndex(s.committed.Load()), s.idx.termAt)
	if err != nil {
		return err
	}
	s.idx.apply(plan)
	return nil
}

func (s *MemStorage) Truncate(from types.LogIndex) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	checkTruncate(from, s.idx.state(), types.LogIndex(s.committed.Load()))
	s.idx.truncateFrom(from)
	return nil
}

func (s *MemStorage) Purge(upTo types.LogID) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	checkPurge(upTo, types.LogIndex(s.committed.Load()))
	s.idx.purgeTo(upTo)
	return nil
}

func (s *MemStorage) State() (State, error) {
	if s.closed.Load() {
		return State{}, dberrors.ErrClosed
	}
	return s.idx.state(), nil
}

func (s *MemStorage) LogReader() Reader {
	return s.idx
}

func (s *MemStorage) Close() error {
	s.closed.Store(true)
	return nil
}
