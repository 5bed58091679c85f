package statemachine

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"raftkv/pkg/command"
	"raftkv/pkg/compression"
	"raftkv/pkg/dberrors"
	"raftkv/pkg/snapshot"
	"raftkv/pkg/types"
)

// AppliedState is where the state machine stands in the log.
type AppliedState struct {
	LastApplied types.LogID
	// Snapshot is the newest snapshot built or installed, nil if none.
	Snapshot *snapshot.Meta
}

// session remembers the latest command of a client so that a retried
// command is answered from cache instead of being applied again.
type session struct {
	LastSerial   uint64           `json:"last_serial"`
	LastResponse command.Response `json:"last_response"`
}

// image is the serialized form of the state machine inside a snapshot.
type image struct {
	Entries  map[string]string  `json:"entries"`
	Sessions map[string]session `json:"sessions"`
}

// KV is the deterministic key-value state machine fed by committed entries.
type KV struct {
	mu       sync.RWMutex
	data     map[string]string
	sessions map[string]session
	applied  types.LogID
	current  *snapshot.Meta

	applying atomic.Bool
	ready    atomic.Bool

	store snapshot.Store
	codec compression.Codec
}

func New(store snapshot.Store, codec compression.Codec) *KV {
	return &KV{
		data:     make(map[string]string),
		sessions: make(map[string]session),
		store:    store,
		codec:    codec,
	}
}

// Recover loads the newest stored snapshot, if any, and makes the state
// machine ready to apply entries.
func (kv *KV) Recover() error {
	if kv.ready.Load() {
		return nil
	}

	snap, ok, err := kv.store.Latest()
	if err != nil {
		return fmt.Errorf("failed to load latest snapshot: %w", err)
	}
	if ok {
		if err := kv.install(snap); err != nil {
			return fmt.Errorf("failed to restore snapshot %s: %w", snap.Meta.LastIncluded, err)
		}
		slog.Info("state machine restored from snapshot",
			"last_included", snap.Meta.LastIncluded.String(),
			"keys", kv.Len(),
		)
	}

	kv.ready.Store(true)
	return nil
}

func (kv *KV) AppliedState() AppliedState {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	st := AppliedState{LastApplied: kv.applied}
	if kv.current != nil {
		meta := *kv.current
		st.Snapshot = &meta
	}
	return st
}

// Apply applies one committed entry. Entries must arrive one at a time in
// strictly increasing index order; anything else panics.
func (kv *KV) Apply(e types.Entry) (command.Response, error) {
	if !kv.ready.Load() {
		return command.Response{}, ErrNotReady
	}
	if !kv.applying.CompareAndSwap(false, true) {
		dberrors.Violate("apply", "concurrent apply of index %d", e.Index)
	}
	defer kv.applying.Store(false)

	kv.mu.Lock()
	defer kv.mu.Unlock()

	if e.Index != kv.applied.Index+1 {
		dberrors.Violate("apply", "index %d applied after %d", e.Index, kv.applied.Index)
	}

	resp := command.Response{Index: uint64(e.Index)}
	if e.Kind != types.KindCommand {
		kv.applied = e.LogID()
		return resp, nil
	}

	cmd, err := command.Decode(e.Payload)
	if err != nil {
		return command.Response{}, &dberrors.DecodeError{Index: uint64(e.Index), Err: err}
	}

	if sess, ok := kv.sessions[cmd.ClientID]; ok {
		switch {
		case cmd.Serial == sess.LastSerial:
			kv.applied = e.LogID()
			return sess.LastResponse, nil
		case cmd.Serial < sess.LastSerial:
			kv.applied = e.LogID()
			resp.Stale = true
			return resp, nil
		}
	}

	switch cmd.Op {
	case command.OpSet:
		kv.data[cmd.Key] = cmd.Value
		resp.Value, resp.Found = cmd.Value, true
	case command.OpDelete:
		_, resp.Found = kv.data[cmd.Key]
		delete(kv.data, cmd.Key)
	case command.OpGet:
		resp.Value, resp.Found = kv.data[cmd.Key]
	}

	kv.sessions[cmd.ClientID] = session{LastSerial: cmd.Serial, LastResponse: resp}
	kv.applied = e.LogID()
	return resp, nil
}

// SnapshotHandle holds a point-in-time copy of the state machine.
type SnapshotHandle struct {
	kv      *KV
	id      types.LogID
	content image
}

// BeginSnapshot copies the current state. Apply is blocked only for the copy.
func (kv *KV) BeginSnapshot() *SnapshotHandle {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	return &SnapshotHandle{
		kv: kv,
		id: kv.applied,
		content: image{
			Entries:  maps.Clone(kv.data),
			Sessions: maps.Clone(kv.sessions),
		},
	}
}

// LastIncluded is the log position the handle captured.
func (h *SnapshotHandle) LastIncluded() types.LogID {
	return h.id
}

// Build serializes and compresses the captured state, saves it to the
// snapshot store and makes it the retained snapshot.
func (h *SnapshotHandle) Build() (snapshot.Meta, error) {
	payload, err := json.Marshal(h.content)
	if err != nil {
		return snapshot.Meta{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	snap, err := snapshot.Build(h.id, h.kv.codec, payload)
	if err != nil {
		return snapshot.Meta{}, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := h.kv.store.Save(snap); err != nil {
		return snapshot.Meta{}, fmt.Errorf("failed to save snapshot: %w", err)
	}

	h.kv.mu.Lock()
	if h.kv.current == nil || h.kv.current.LastIncluded.Index < snap.Meta.LastIncluded.Index {
		meta := snap.Meta
		h.kv.current = &meta
	}
	h.kv.mu.Unlock()

	return snap.Meta, nil
}

// InstallSnapshot replaces the whole state with snap. marker, when set,
// must name the same log position as the snapshot.
func (kv *KV) InstallSnapshot(marker *types.LogID, snap snapshot.Snapshot) error {
	if marker != nil && *marker != snap.Meta.LastIncluded {
		return fmt.Errorf("%w: marker %s, snapshot %s", ErrMarkerMismatch, *marker, snap.Meta.LastIncluded)
	}

	kv.mu.RLock()
	applied := kv.applied
	kv.mu.RUnlock()
	if snap.Meta.LastIncluded.Index < applied.Index {
		return fmt.Errorf("%w: snapshot %s, applied %s", ErrSnapshotOutOfDate, snap.Meta.LastIncluded, applied)
	}

	if err := kv.store.Save(snap); err != nil {
		return fmt.Errorf("failed to save installed snapshot: %w", err)
	}
	if err := kv.install(snap); err != nil {
		return err
	}

	kv.ready.Store(true)
	return nil
}

func (kv *KV) install(snap snapshot.Snapshot) error {
	payload, err := snap.Payload()
	if err != nil {
		return err
	}

	var img image
	if err := json.Unmarshal(payload, &img); err != nil {
		return fmt.Errorf("%w: %w", snapshot.ErrCorrupted, err)
	}
	if img.Entries == nil {
		img.Entries = make(map[string]string)
	}
	if img.Sessions == nil {
		img.Sessions = make(map[string]session)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()

	if snap.Meta.LastIncluded.Index < kv.applied.Index {
		return fmt.Errorf("%w: snapshot %s, applied %s", ErrSnapshotOutOfDate, snap.Meta.LastIncluded, kv.applied)
	}

	kv.data = img.Entries
	kv.sessions = img.Sessions
	kv.applied = snap.Meta.LastIncluded
	meta := snap.Meta
	kv.current = &meta
	return nil
}

// GetSnapshot returns the latest retained snapshot.
func (kv *KV) GetSnapshot() (snapshot.Snapshot, bool, error) {
	return kv.store.Latest()
}

// Get reads a key from local state. The result may lag behind the leader.
func (kv *KV) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	v, ok := kv.data[key]
	return v, ok
}

func (kv *KV) Len() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.data)
}
