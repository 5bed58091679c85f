package logstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"raftkv/pkg/dberrors"
	"raftkv/pkg/types"

	bolt "go.etcd.io/bbolt"
)

const (
	boltFileName = "raft.db"

	bMeta = "meta"
	bLog  = "log"

	keyVote      = "vote"
	keyCommitted = "committed"
	keyPurged    = "purged"
)

// BoltStorage keeps the log and the vote in a bbolt file. Every mutation is a
// single read-write transaction, which bbolt fsyncs on commit.
type BoltStorage struct {
	writeMu   sync.Mutex
	voteMu    sync.Mutex
	db        *bolt.DB
	committed atomic.Uint64
}

func OpenBolt(dir string) (*BoltStorage, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, dberrors.IO("create bolt dir", err)
	}

	dbPath := filepath.Join(dir, boltFileName)
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, dberrors.IO("open bolt", err)
	}

	s := &BoltStorage{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists([]byte(bMeta)); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists([]byte(bLog)); e != nil {
			return e
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, dberrors.IO("init bolt buckets", err)
	}

	committed, err := s.readCommitted()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.committed.Store(uint64(committed))

	slog.Info("bolt log storage opened", "path", dbPath, "committed", committed)
	return s, nil
}

func u64key(x uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], x)
	return b[:]
}

// entry value: term(8) kind(1) payload
func encodeEntry(e types.Entry) []byte {
	buf := make([]byte, 9+len(e.Payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(e.Term))
	buf[8] = byte(e.Kind)
	copy(buf[9:], e.Payload)
	return buf
}

// decodeEntry copies out of v, which is only valid inside the transaction.
func decodeEntry(k, v []byte) (types.Entry, error) {
	if len(k) != 8 || len(v) < 9 {
		return types.Entry{}, fmt.Errorf("corrupted log record (key %x)", k)
	}
	payload := make([]byte, len(v)-9)
	copy(payload, v[9:])
	return types.Entry{
		Index:   types.LogIndex(binary.BigEndian.Uint64(k)),
		Term:    types.Term(binary.BigEndian.Uint64(v[0:8])),
		Kind:    types.EntryKind(v[8]),
		Payload: payload,
	}, nil
}

func encodeLogID(id types.LogID) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[0:8], uint64(id.Term))
	binary.BigEndian.PutUint64(b[8:16], uint64(id.Index))
	return b[:]
}

func decodeLogID(v []byte) types.LogID {
	if len(v) != 16 {
		return types.LogID{}
	}
	return types.LogID{
		Term:  types.Term(binary.BigEndian.Uint64(v[0:8])),
		Index: types.LogIndex(binary.BigEndian.Uint64(v[8:16])),
	}
}

// txState reads the log bounds inside tx.
func txState(tx *bolt.Tx) State {
	purged := decodeLogID(tx.Bucket([]byte(bMeta)).Get([]byte(keyPurged)))
	st := State{LastPurged: purged, Last: purged}

	k, v := tx.Bucket([]byte(bLog)).Cursor().Last()
	if k != nil && len(v) >= 8 {
		st.Last = types.LogID{
			Term:  types.Term(binary.BigEndian.Uint64(v[0:8])),
			Index: types.LogIndex(binary.BigEndian.Uint64(k)),
		}
	}
	return st
}

func txTerm(tx *bolt.Tx, index types.LogIndex) (types.Term, error) {
	st := txState(tx)
	if index == st.LastPurged.Index {
		return st.LastPurged.Term, nil
	}
	if index < st.LastPurged.Index {
		return 0, ErrCompacted
	}
	v := tx.Bucket([]byte(bLog)).Get(u64key(uint64(index)))
	if len(v) < 8 {
		return 0, ErrUnavailable
	}
	return types.Term(binary.BigEndian.Uint64(v[0:8])), nil
}

// txDeleteFrom removes every log key >= from.
func txDeleteFrom(tx *bolt.Tx, from types.LogIndex) error {
	b := tx.Bucket([]byte(bLog))
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(u64key(uint64(from))); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return deleteKeys(b, keys)
}

// txDeleteUpTo removes every log key <= upTo.
func txDeleteUpTo(tx *bolt.Tx, upTo types.LogIndex) error {
	b := tx.Bucket([]byte(bLog))
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= uint64(upTo); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return deleteKeys(b, keys)
}

// keys are collected first: deleting under a live cursor can skip records.
func deleteKeys(b *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStorage) ReadVote() (types.Vote, bool, error) {
	var (
		vote types.Vote
		ok   bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bMeta)).Get([]byte(keyVote))
		if v == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(v, &vote)
	})
	if err != nil {
		return types.Vote{}, false, dberrors.IO("read vote", err)
	}
	return vote, ok, nil
}

func (s *BoltStorage) SaveVote(vote types.Vote) error {
	raw, err := json.Marshal(vote)
	if err != nil {
		return fmt.Errorf("encode vote: %w", err)
	}

	s.voteMu.Lock()
	defer s.voteMu.Unlock()

	return dberrors.IO("save vote", s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bMeta)).Put([]byte(keyVote), raw)
	}))
}

func (s *BoltStorage) readCommitted() (types.LogIndex, error) {
	var out uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bMeta)).Get([]byte(keyCommitted))
		if len(v) == 8 {
			out = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	if err != nil {
		return 0, dberrors.IO("read committed", err)
	}
	return types.LogIndex(out), nil
}

func (s *BoltStorage) ReadCommitted() (types.LogIndex, error) {
	return types.LogIndex(s.committed.Load()), nil
}

func (s *BoltStorage) SaveCommitted(index types.LogIndex) error {
	s.voteMu.Lock()
	defer s.voteMu.Unlock()

	if uint64(index) <= s.committed.Load() {
		return nil
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bMeta)).Put([]byte(keyCommitted), u64key(uint64(index)))
	})
	if err != nil {
		return dberrors.IO("save committed", err)
	}
	s.committed.Store(uint64(index))
	return nil
}

func (s *BoltStorage) Append(entries []types.Entry, flushed *Flushed) (err error) {
	defer flushed.finish(&err)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.Update(func(tx *bolt.Tx) error {
		plan, err := planAppend(entries, txState(tx), types.LogIndex(s.committed.Load()),
			func(i types.LogIndex) (types.Term, error) { return txTerm(tx, i) })
		if err != nil {
			return err
		}
		if plan.truncateFrom != 0 {
			if err := txDeleteFrom(tx, plan.truncateFrom); err != nil {
				return err
			}
		}

		b := tx.Bucket([]byte(bLog))
		for _, e := range plan.entries {
			if err := b.Put(u64key(uint64(e.Index)), encodeEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
	return dberrors.IO("append", err)
}

func (s *BoltStorage) Truncate(from types.LogIndex) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return dberrors.IO("truncate", s.db.Update(func(tx *bolt.Tx) error {
		checkTruncate(from, txState(tx), types.LogIndex(s.committed.Load()))
		return txDeleteFrom(tx, from)
	}))
}

func (s *BoltStorage) Purge(upTo types.LogID) error {
	checkPurge(upTo, types.LogIndex(s.committed.Load()))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return dberrors.IO("purge", s.db.Update(func(tx *bolt.Tx) error {
		st := txState(tx)
		if upTo.Index <= st.LastPurged.Index {
			return nil
		}

		dropAll := upTo.Index >= st.Last.Index
		if !dropAll {
			term, err := txTerm(tx, upTo.Index)
			dropAll = err != nil || term != upTo.Term
		}

		if dropAll {
			if err := txDeleteFrom(tx, st.LastPurged.Index+1); err != nil {
				return err
			}
		} else if err := txDeleteUpTo(tx, upTo.Index); err != nil {
			return err
		}

		return tx.Bucket([]byte(bMeta)).Put([]byte(keyPurged), encodeLogID(upTo))
	}))
}

func (s *BoltStorage) State() (State, error) {
	var st State
	err := s.db.View(func(tx *bolt.Tx) error {
		st = txState(tx)
		return nil
	})
	return st, dberrors.IO("read state", err)
}

func (s *BoltStorage) LogReader() Reader {
	return &boltReader{db: s.db}
}

func (s *BoltStorage) Close() error {
	return dberrors.IO("close bolt", s.db.Close())
}

// boltReader serves reads from read-only transactions, so it never observes
// an append that has not been committed to disk.
type boltReader struct {
	db *bolt.DB
}

func (r *boltReader) Entry(index types.LogIndex) (types.Entry, error) {
	var e types.Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		st := txState(tx)
		if index <= st.LastPurged.Index {
			return ErrCompacted
		}
		k := u64key(uint64(index))
		v := tx.Bucket([]byte(bLog)).Get(k)
		if v == nil {
			return ErrUnavailable
		}
		var err error
		e, err = decodeEntry(k, v)
		return err
	})
	return e, err
}

func (r *boltReader) Entries(lo, hi types.LogIndex) ([]types.Entry, error) {
	var out []types.Entry
	err := r.db.View(func(tx *bolt.Tx) error {
		st := txState(tx)
		if lo <= st.LastPurged.Index {
			return ErrCompacted
		}
		if hi > st.Last.Index+1 {
			return ErrUnavailable
		}
		if lo >= hi {
			return nil
		}

		out = make([]types.Entry, 0, hi-lo)
		c := tx.Bucket([]byte(bLog)).Cursor()
		next := lo
		for k, v := c.Seek(u64key(uint64(lo))); k != nil && next < hi; k, v = c.Next() {
			e, err := decodeEntry(k, v)
			if err != nil {
				return err
			}
			if e.Index != next {
				return ErrUnavailable
			}
			out = append(out, e)
			next++
		}
		if next != hi {
			return ErrUnavailable
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *boltReader) Term(index types.LogIndex) (types.Term, error) {
	var term types.Term
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		term, err = txTerm(tx, index)
		return err
	})
	return term, err
}

func (r *boltReader) FirstIndex() (types.LogIndex, error) {
	st, err := r.state()
	return st.LastPurged.Index + 1, err
}

func (r *boltReader) LastIndex() (types.LogIndex, error) {
	st, err := r.state()
	return st.Last.Index, err
}

func (r *boltReader) state() (State, error) {
	var st State
	err := r.db.View(func(tx *bolt.Tx) error {
		st = txState(tx)
		return nil
	})
	return st, err
}
