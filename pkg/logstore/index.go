package logstore

import (
	"sync"

	"raftkv/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

type orderedEntries = skipmap.OrderedMap[uint64, types.Entry]

// memIndex is the in-memory view of the log shared by the memory and WAL
// backends. Writers mutate it only after the medium confirmed the change.
type memIndex struct {
	mu      sync.RWMutex // guards bounds; entries is safe on its own
	entries *orderedEntries
	purged  types.LogID
	last    types.LogID
}

func newMemIndex() *memIndex {
	return &memIndex{entries: skipmap.New[uint64, types.Entry]()}
}

func (m *memIndex) state() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{LastPurged: m.purged, Last: m.last}
}

// termAt is used by writers that already hold the write lock of the backend.
func (m *memIndex) termAt(index types.LogIndex) (types.Term, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.termLocked(index)
}

func (m *memIndex) termLocked(index types.LogIndex) (types.Term, error) {
	if index == m.purged.Index {
		return m.purged.Term, nil
	}
	if index < m.purged.Index {
		return 0, ErrCompacted
	}
	if index > m.last.Index {
		return 0, ErrUnavailable
	}
	e, ok := m.entries.Load(uint64(index))
	if !ok {
		return 0, ErrUnavailable
	}
	return e.Term, nil
}

// truncateFrom drops entries >= from.
func (m *memIndex) truncateFrom(from types.LogIndex) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if from > m.last.Index {
		return
	}
	for i := from; i <= m.last.Index; i++ {
		m.entries.Delete(uint64(i))
	}

	if from-1 <= m.purged.Index {
		m.last = m.purged
		return
	}
	prev, _ := m.entries.Load(uint64(from - 1))
	m.last = prev.LogID()
}

// appendContiguous stores entries that directly follow the last one.
func (m *memIndex) appendContiguous(entries []types.Entry) {
	if len(entries) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range entries {
		m.entries.Store(uint64(e.Index), e)
	}
	m.last = entries[len(entries)-1].LogID()
}

func (m *memIndex) apply(p appendPlan) {
	if p.truncateFrom != 0 {
		m.truncateFrom(p.truncateFrom)
	}
	m.appendContiguous(p.entries)
}

// purgeTo drops entries <= upTo.Index. If the entry at upTo.Index disagrees
// with upTo.Term the rest of the log cannot follow the snapshot and is dropped too.
func (m *memIndex) purgeTo(upTo types.LogID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if upTo.Index <= m.purged.Index {
		return
	}

	dropAll := upTo.Index >= m.last.Index
	if !dropAll {
		if e, ok := m.entries.Load(uint64(upTo.Index)); !ok || e.Term != upTo.Term {
			dropAll = true
		}
	}

	end := upTo.Index
	if dropAll {
		end = maxIndex(end, m.last.Index)
	}
	for i := m.purged.Index + 1; i <= end; i++ {
		m.entries.Delete(uint64(i))
	}

	m.purged = upTo
	if dropAll {
		m.last = upTo
	}
}

// retainedAfterPurge lists what survives purgeTo(upTo), in order.
func (m *memIndex) retainedAfterPurge(upTo types.LogID) []types.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if upTo.Index >= m.last.Index {
		return nil
	}
	if e, ok := m.entries.Load(uint64(upTo.Index)); upTo.Index > m.purged.Index && (!ok || e.Term != upTo.Term) {
		return nil
	}

	from := maxIndex(upTo.Index, m.purged.Index) + 1
	out := make([]types.Entry, 0, m.last.Index-from+1)
	for i := from; i <= m.last.Index; i++ {
		e, ok := m.entries.Load(uint64(i))
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// reader

func (m *memIndex) Entry(index types.LogIndex) (types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if index <= m.purged.Index {
		return types.Entry{}, ErrCompacted
	}
	if index > m.last.Index {
		return types.Entry{}, ErrUnavailable
	}
	e, ok := m.entries.Load(uint64(index))
	if !ok {
		return types.Entry{}, ErrUnavailable
	}
	return e, nil
}

func (m *memIndex) Entries(lo, hi types.LogIndex) ([]types.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if lo <= m.purged.Index {
		return nil, ErrCompacted
	}
	if hi > m.last.Index+1 {
		return nil, ErrUnavailable
	}
	if lo >= hi {
		return nil, nil
	}

	out := make([]types.Entry, 0, hi-lo)
	for i := lo; i < hi; i++ {
		e, ok := m.entries.Load(uint64(i))
		if !ok {
			return nil, ErrUnavailable
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memIndex) Term(index types.LogIndex) (types.Term, error) {
	return m.termAt(index)
}

func (m *memIndex) FirstIndex() (types.LogIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.purged.Index + 1, nil
}

func (m *memIndex) LastIndex() (types.LogIndex, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last.Index, nil
}
