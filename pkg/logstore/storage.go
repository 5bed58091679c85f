package logstore

import (
	"fmt"
	"sync"

	"raftkv/pkg/types"
)

// Storage is the durable replication state of a node: the log and the vote.
// Mutations (Append, Truncate, Purge) must be serialized by the caller.
type Storage interface {
	// ReadVote returns the last saved vote; false if the node never voted.
	ReadVote() (types.Vote, bool, error)
	// SaveVote durably overwrites the vote before returning.
	SaveVote(vote types.Vote) error
	// ReadCommitted returns the highest known committed index.
	ReadCommitted() (types.LogIndex, error)
	// SaveCommitted durably records the committed index. Lower values are ignored.
	SaveCommitted(index types.LogIndex) error

	// Append stores entries, truncating a conflicting suffix first.
	// flushed, if not nil, fires exactly once after the outcome is known.
	Append(entries []types.Entry, flushed *Flushed) error
	// Truncate discards every entry at or after from.
	Truncate(from types.LogIndex) error
	// Purge discards every entry at or before upTo.Index.
	Purge(upTo types.LogID) error

	State() (State, error)
	LogReader() Reader
	Close() error
}

// Reader gives random access to stored entries. It is safe to use
// concurrently with appends and only observes durable entries.
type Reader interface {
	Entry(index types.LogIndex) (types.Entry, error)
	// Entries returns the entries in [lo, hi).
	Entries(lo, hi types.LogIndex) ([]types.Entry, error)
	Term(index types.LogIndex) (types.Term, error)
	FirstIndex() (types.LogIndex, error)
	LastIndex() (types.LogIndex, error)
}

// State describes the bounds of the stored log.
type State struct {
	// LastPurged is the last entry dropped by Purge (zero if none).
	LastPurged types.LogID
	// Last is the last entry in the log, or LastPurged if the log is empty.
	Last types.LogID
}

// Flushed is a one-shot notifier for Append durability.
type Flushed struct {
	once sync.Once
	ch   chan error
}

func NewFlushed() *Flushed {
	return &Flushed{ch: make(chan error, 1)}
}

// Done yields the outcome of the append once, then is closed.
func (f *Flushed) Done() <-chan error {
	return f.ch
}

// Wait blocks until the append outcome is known.
func (f *Flushed) Wait() error {
	return <-f.ch
}

func (f *Flushed) complete(err error) {
	if f == nil {
		return
	}
	f.once.Do(func() {
		f.ch <- err
		close(f.ch)
	})
}

// finish is deferred by Append implementations so that the notifier fires
// on every exit path, including an invariant panic.
func (f *Flushed) finish(errp *error) {
	if r := recover(); r != nil {
		f.complete(fmt.Errorf("append aborted: %v", r))
		panic(r)
	}
	f.complete(*errp)
}
