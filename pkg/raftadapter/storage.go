package raftadapter

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"raftkv/pkg/logstore"
	"raftkv/pkg/snapshot"
	"raftkv/pkg/types"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

type iSnapshotSource interface {
	GetSnapshot() (snapshot.Snapshot, bool, error)
}

// raftStorage exposes the log storage and the snapshot store to etcd raft.
type raftStorage struct {
	log    logstore.Storage
	reader logstore.Reader
	snaps  iSnapshotSource
	conf   raftpb.ConfState
}

var _ raft.Storage = (*raftStorage)(nil)

func newRaftStorage(log logstore.Storage, snaps iSnapshotSource, voters []uint64) *raftStorage {
	return &raftStorage{
		log:    log,
		reader: log.LogReader(),
		snaps:  snaps,
		conf:   raftpb.ConfState{Voters: voters},
	}
}

func (s *raftStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	vote, _, err := s.log.ReadVote()
	if err != nil {
		return raftpb.HardState{}, raftpb.ConfState{}, fmt.Errorf("read vote: %w", err)
	}
	committed, err := s.log.ReadCommitted()
	if err != nil {
		return raftpb.HardState{}, raftpb.ConfState{}, fmt.Errorf("read committed: %w", err)
	}

	votedFor, err := nodeIDToRaft(vote.VotedFor)
	if err != nil {
		return raftpb.HardState{}, raftpb.ConfState{}, err
	}

	// the committed index never points past the stored log
	last, err := s.reader.LastIndex()
	if err != nil {
		return raftpb.HardState{}, raftpb.ConfState{}, fmt.Errorf("read last index: %w", err)
	}
	if committed > last {
		slog.Warn("committed index is past the log, clamping", "committed", committed, "last_index", last)
		committed = last
	}

	hs := raftpb.HardState{
		Term:   uint64(vote.Term),
		Vote:   votedFor,
		Commit: uint64(committed),
	}
	return hs, s.conf, nil
}

func (s *raftStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	entries, err := s.reader.Entries(types.LogIndex(lo), types.LogIndex(hi))
	if err != nil {
		return nil, mapStorageError(err)
	}

	out := make([]raftpb.Entry, 0, len(entries))
	var size uint64
	for _, e := range entries {
		re, err := toRaftEntry(e)
		if err != nil {
			return nil, err
		}
		size += uint64(re.Size())
		// always return at least one entry
		if len(out) > 0 && size > maxSize {
			break
		}
		out = append(out, re)
	}
	return out, nil
}

func (s *raftStorage) Term(i uint64) (uint64, error) {
	term, err := s.reader.Term(types.LogIndex(i))
	if err != nil {
		return 0, mapStorageError(err)
	}
	return uint64(term), nil
}

func (s *raftStorage) LastIndex() (uint64, error) {
	i, err := s.reader.LastIndex()
	return uint64(i), err
}

func (s *raftStorage) FirstIndex() (uint64, error) {
	i, err := s.reader.FirstIndex()
	return uint64(i), err
}

func (s *raftStorage) Snapshot() (raftpb.Snapshot, error) {
	snap, ok, err := s.snaps.GetSnapshot()
	if err != nil {
		return raftpb.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	if !ok {
		return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
	}

	return raftpb.Snapshot{
		Data: snap.Marshal(),
		Metadata: raftpb.SnapshotMetadata{
			ConfState: s.conf,
			Index:     uint64(snap.Meta.LastIncluded.Index),
			Term:      uint64(snap.Meta.LastIncluded.Term),
		},
	}, nil
}

func mapStorageError(err error) error {
	switch {
	case errors.Is(err, logstore.ErrCompacted):
		return raft.ErrCompacted
	case errors.Is(err, logstore.ErrUnavailable):
		return raft.ErrUnavailable
	default:
		return err
	}
}

func toRaftEntry(e types.Entry) (raftpb.Entry, error) {
	re := raftpb.Entry{Index: uint64(e.Index), Term: uint64(e.Term), Data: e.Payload}
	switch e.Kind {
	case types.KindCommand, types.KindBlank:
		re.Type = raftpb.EntryNormal
	case types.KindMembership:
		re.Type = raftpb.EntryConfChange
	default:
		return raftpb.Entry{}, fmt.Errorf("unknown entry kind %s at %d", e.Kind, e.Index)
	}
	return re, nil
}

func fromRaftEntry(re raftpb.Entry) (types.Entry, error) {
	e := types.Entry{Index: types.LogIndex(re.Index), Term: types.Term(re.Term), Payload: re.Data}
	switch re.Type {
	case raftpb.EntryNormal:
		if len(re.Data) == 0 {
			e.Kind = types.KindBlank
		} else {
			e.Kind = types.KindCommand
		}
	case raftpb.EntryConfChange:
		e.Kind = types.KindMembership
	default:
		return types.Entry{}, fmt.Errorf("unsupported raft entry type %s at %d", re.Type, re.Index)
	}
	return e, nil
}

func fromRaftEntries(res []raftpb.Entry) ([]types.Entry, error) {
	out := make([]types.Entry, 0, len(res))
	for _, re := range res {
		e, err := fromRaftEntry(re)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func nodeIDFromRaft(id uint64) types.NodeID {
	if id == raft.None {
		return ""
	}
	return types.NodeID(strconv.FormatUint(id, 10))
}

func nodeIDToRaft(id types.NodeID) (uint64, error) {
	if id == "" {
		return raft.None, nil
	}
	v, err := strconv.ParseUint(string(id), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("vote for unknown node id %q: %w", id, err)
	}
	return v, nil
}
