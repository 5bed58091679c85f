package raftadapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"raftkv/pkg/command"
	"raftkv/pkg/config"
	"raftkv/pkg/listener"
	"raftkv/pkg/logstore"
	"raftkv/pkg/snapshot"
	"raftkv/pkg/statemachine"
	"raftkv/pkg/types"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

var (
	ErrStopped = errors.New("raft node stopped")
)

type iStateMachine interface {
	AppliedState() statemachine.AppliedState
	Apply(e types.Entry) (command.Response, error)
	BeginSnapshot() *statemachine.SnapshotHandle
	InstallSnapshot(marker *types.LogID, snap snapshot.Snapshot) error
	GetSnapshot() (snapshot.Snapshot, bool, error)
}

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
	Stop()
}

type Node struct {
	ID           uint64
	underlying   raft.Node
	sm           iStateMachine
	log          logstore.Storage
	storage      *raftStorage
	tickInterval time.Duration
	transport    iTransport

	peersMu sync.RWMutex
	peers   map[uint64]string

	// owned by the Run goroutine
	hardState     raftpb.HardState
	applied       uint64
	snapshotIndex uint64

	snapThreshold uint64
	snapCatchUp   uint64
	snapshotting  atomic.Bool
	snapc         chan *statemachine.SnapshotHandle
	compactc      chan snapshot.Meta
	worker        *listener.Listener[*statemachine.SnapshotHandle]

	ctx      context.Context
	stop     context.CancelFunc
	stopOnce sync.Once
	running  atomic.Bool
	done     chan struct{}

	proposalsMu sync.Mutex
	proposals   map[command.SessionKey][]chan proposeResult
}

// NewNode starts a fresh raft node when the log holds no state yet and
// restarts one from the log and the state machine otherwise.
func NewNode(cfg *config.RaftConfig, log logstore.Storage, sm iStateMachine) (*Node, error) {
	var (
		peers     = make(map[uint64]string, len(cfg.Peers))
		voters    = make([]uint64, 0, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		voters = append(voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	storage := newRaftStorage(log, sm, voters)
	raftCfg := toRaftConfig(cfg)
	raftCfg.Storage = storage

	st, err := log.State()
	if err != nil {
		return nil, fmt.Errorf("read log state: %w", err)
	}
	_, voted, err := log.ReadVote()
	if err != nil {
		return nil, fmt.Errorf("read vote: %w", err)
	}
	if st.Last.Index > 0 || voted {
		if err := finishSnapshotInstall(log, sm); err != nil {
			return nil, err
		}
		if st, err = log.State(); err != nil {
			return nil, fmt.Errorf("read log state: %w", err)
		}
	}
	applied := sm.AppliedState().LastApplied.Index

	var underlying raft.Node
	if st.Last.Index == 0 && !voted {
		if applied != 0 {
			return nil, fmt.Errorf("state machine is at %d but the log is empty", applied)
		}
		slog.Info("bootstrapping raft node", "id", cfg.ID, "peers", len(raftPeers))
		underlying = raft.StartNode(raftCfg, raftPeers)
	} else {
		raftCfg.Applied = uint64(applied)
		slog.Info("restarting raft node",
			"id", cfg.ID,
			"applied", applied,
			"first_index", st.LastPurged.Index+1,
			"last_index", st.Last.Index,
		)
		underlying = raft.RestartNode(raftCfg)
	}

	tick := cfg.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		ID:            cfg.ID,
		underlying:    underlying,
		sm:            sm,
		log:           log,
		storage:       storage,
		tickInterval:  tick,
		transport:     NewTransport(copyPeers(peers), underlying),
		peers:         peers,
		applied:       uint64(applied),
		snapshotIndex: uint64(applied),
		snapThreshold: cfg.SnapshotThreshold,
		snapCatchUp:   cfg.SnapshotCatchUpEntries,
		snapc:         make(chan *statemachine.SnapshotHandle, 1),
		compactc:      make(chan snapshot.Meta, 1),
		proposals:     make(map[command.SessionKey][]chan proposeResult),
		ctx:           ctx,
		stop:          cancel,
		done:          make(chan struct{}),
	}
	n.hardState, _, err = storage.InitialState()
	if err != nil {
		cancel()
		underlying.Stop()
		return nil, err
	}
	n.worker = listener.New(n.snapc, n.buildSnapshot,
		listener.WithErrorHandler[*statemachine.SnapshotHandle](func(err error) {
			slog.Error("snapshot worker failed", "id", n.ID, "error", err)
		}),
	)

	return n, nil
}

func copyPeers(peers map[uint64]string) map[uint64]string {
	out := make(map[uint64]string, len(peers))
	for id, addr := range peers {
		out[id] = addr
	}
	return out
}

// Run drives the raft node until ctx is done, Stop is called or a Ready
// cannot be handled. It must be called once.
func (n *Node) Run(ctx context.Context) error {
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("raft node is already running")
	}
	defer close(n.done)
	if err := n.ctx.Err(); err != nil {
		return err
	}

	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	n.worker.Start(n.ctx)

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			n.shutdown()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case meta := <-n.compactc:
			if err := n.compact(meta); err != nil {
				slog.Error("failed to compact log", "id", n.ID, "error", err)
			}
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				slog.Error("critical: stopping raft node", "id", n.ID, "error", err)
				n.shutdown()
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.installSnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("install snapshot: %w", err)
		}
	}

	if len(rd.Entries) > 0 {
		entries, err := fromRaftEntries(rd.Entries)
		if err != nil {
			return err
		}
		flushed := logstore.NewFlushed()
		if err := n.log.Append(entries, flushed); err != nil {
			return fmt.Errorf("append entries: %w", err)
		}
		if err := flushed.Wait(); err != nil {
			return fmt.Errorf("flush entries: %w", err)
		}
	}

	if !raft.IsEmptyHardState(rd.HardState) {
		if err := n.saveHardState(rd.HardState); err != nil {
			return err
		}
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			return fmt.Errorf("apply entry %d: %w", entry.Index, err)
		}
	}
	n.maybeTriggerSnapshot()

	n.underlying.Advance()
	return nil
}

func (n *Node) saveHardState(hs raftpb.HardState) error {
	if hs.Term != n.hardState.Term || hs.Vote != n.hardState.Vote {
		vote := types.Vote{Term: types.Term(hs.Term), VotedFor: nodeIDFromRaft(hs.Vote)}
		if err := n.log.SaveVote(vote); err != nil {
			return fmt.Errorf("save vote: %w", err)
		}
	}
	if hs.Commit != n.hardState.Commit {
		if err := n.log.SaveCommitted(types.LogIndex(hs.Commit)); err != nil {
			return fmt.Errorf("save committed: %w", err)
		}
	}
	n.hardState = hs
	return nil
}

// installSnapshot fast-forwards a follower to a snapshot sent by the leader.
// The state machine and its snapshot store take the snapshot first; the log
// follows. A crash in between is finished by finishSnapshotInstall on restart.
func (n *Node) installSnapshot(rs raftpb.Snapshot) error {
	snap, err := snapshot.Unmarshal(rs.Data)
	if err != nil {
		return err
	}
	marker := types.LogID{Term: types.Term(rs.Metadata.Term), Index: types.LogIndex(rs.Metadata.Index)}

	if err := n.sm.InstallSnapshot(&marker, snap); err != nil {
		return err
	}
	if err := alignLog(n.log, marker); err != nil {
		return err
	}

	n.applied = rs.Metadata.Index
	n.snapshotIndex = rs.Metadata.Index
	if rs.Metadata.Index > n.hardState.Commit {
		n.hardState.Commit = rs.Metadata.Index
	}

	slog.Info("installed snapshot from leader", "id", n.ID, "last_included", marker.String())
	return nil
}

// alignLog makes the log start right after marker: the committed index moves
// up to it, a stale suffix is dropped and everything up to it is purged.
func alignLog(log logstore.Storage, marker types.LogID) error {
	if err := log.SaveCommitted(marker.Index); err != nil {
		return fmt.Errorf("save committed: %w", err)
	}
	st, err := log.State()
	if err != nil {
		return err
	}
	if st.Last.Index > marker.Index {
		if err := log.Truncate(marker.Index + 1); err != nil {
			return fmt.Errorf("truncate log: %w", err)
		}
	}
	if err := log.Purge(marker); err != nil {
		return fmt.Errorf("purge log: %w", err)
	}
	return nil
}

// finishSnapshotInstall completes an install that stopped after the state
// machine took the snapshot but before the log was aligned to it.
func finishSnapshotInstall(log logstore.Storage, sm iStateMachine) error {
	meta := sm.AppliedState().Snapshot
	if meta == nil {
		return nil
	}
	marker := meta.LastIncluded

	st, err := log.State()
	if err != nil {
		return fmt.Errorf("read log state: %w", err)
	}
	committed, err := log.ReadCommitted()
	if err != nil {
		return fmt.Errorf("read committed: %w", err)
	}
	if marker.Index <= st.LastPurged.Index || (marker.Index <= committed && marker.Index <= st.Last.Index) {
		return nil
	}

	slog.Warn("finishing interrupted snapshot install",
		"last_included", marker.String(),
		"committed", committed,
		"last_index", st.Last.Index)
	return alignLog(log, marker)
}

// sendMessages hands messages to the transport without waiting for delivery.
func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, m := range msgs {
		if m.To == n.ID {
			continue
		}
		if err := n.transport.Send(m); err != nil {
			slog.Warn("failed to queue raft message",
				"from", m.From,
				"to", m.To,
				"type", m.Type,
				"error", err)
			n.underlying.ReportUnreachable(m.To)
			if m.Type == raftpb.MsgSnap {
				n.underlying.ReportSnapshot(m.To, raft.SnapshotFailure)
			}
		}
	}
}

func (n *Node) applyEntry(re raftpb.Entry) error {
	if re.Index <= n.applied {
		// already covered by an installed snapshot
		return nil
	}

	e, err := fromRaftEntry(re)
	if err != nil {
		return err
	}

	resp, err := n.sm.Apply(e)
	if err != nil {
		return err
	}
	n.applied = re.Index

	switch e.Kind {
	case types.KindMembership:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(re.Data); err != nil {
			return fmt.Errorf("unmarshal conf change: %w", err)
		}
		n.underlying.ApplyConfChange(cc)
		n.updateTransport(cc)
	case types.KindCommand:
		// Apply already validated the payload
		cmd, err := command.Decode(e.Payload)
		if err != nil {
			return err
		}
		n.notifyProposalResult(cmd.SessionKey(), proposeResult{Resp: resp})
	}

	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeUpdateNode:
		if len(cc.Context) == 0 {
			return
		}
		n.SetPeerAddress(cc.NodeID, string(cc.Context))
	case raftpb.ConfChangeRemoveNode:
		n.peersMu.Lock()
		delete(n.peers, cc.NodeID)
		n.peersMu.Unlock()
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)
	}
}

// SetPeerAddress points the node and its transport at a new address for id.
func (n *Node) SetPeerAddress(id uint64, addr string) {
	n.peersMu.Lock()
	old, known := n.peers[id]
	n.peers[id] = addr
	n.peersMu.Unlock()

	switch {
	case !known:
		n.transport.AddPeer(id, addr)
		slog.Info("added peer", "id", id, "addr", addr)
	case old != addr:
		n.transport.UpdatePeer(id, addr)
		slog.Info("updated peer", "id", id, "addr", addr)
	}
}

func (n *Node) maybeTriggerSnapshot() {
	if n.snapThreshold == 0 || n.applied-n.snapshotIndex < n.snapThreshold {
		return
	}
	if !n.snapshotting.CompareAndSwap(false, true) {
		return
	}

	h := n.sm.BeginSnapshot()
	select {
	case n.snapc <- h:
		slog.Debug("snapshot scheduled", "id", n.ID, "last_included", h.LastIncluded().String())
	default:
		n.snapshotting.Store(false)
	}
}

// buildSnapshot runs on the worker goroutine. The log purge is handed back
// to Run so that the log keeps a single writer.
func (n *Node) buildSnapshot(h *statemachine.SnapshotHandle) error {
	defer n.snapshotting.Store(false)

	meta, err := h.Build()
	if err != nil {
		return fmt.Errorf("build snapshot at %s: %w", h.LastIncluded(), err)
	}

	select {
	case n.compactc <- meta:
	case <-n.ctx.Done():
	}
	return nil
}

func (n *Node) compact(meta snapshot.Meta) error {
	idx := uint64(meta.LastIncluded.Index)
	if idx > n.snapshotIndex {
		n.snapshotIndex = idx
	}
	if idx <= n.snapCatchUp {
		return nil
	}

	upTo := types.LogIndex(idx - n.snapCatchUp)
	first, err := n.storage.reader.FirstIndex()
	if err != nil {
		return err
	}
	if upTo < first {
		return nil
	}
	term, err := n.storage.reader.Term(upTo)
	if err != nil {
		return fmt.Errorf("term at %d: %w", upTo, err)
	}
	if err := n.log.Purge(types.LogID{Term: term, Index: upTo}); err != nil {
		return err
	}

	slog.Info("log compacted", "id", n.ID, "snapshot", meta.LastIncluded.String(), "purged_to", upTo)
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

func (n *Node) LeaderAddr() string {
	leaderID := n.underlying.Status().Lead
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()
	return n.peers[leaderID]
}

// State is a point-in-time view of the node for diagnostics.
type State struct {
	ID            uint64 `json:"id"`
	Leader        uint64 `json:"leader"`
	Role          string `json:"role"`
	Term          uint64 `json:"term"`
	Commit        uint64 `json:"commit"`
	Applied       uint64 `json:"applied"`
	SnapshotIndex uint64 `json:"snapshot_index"`
	FirstIndex    uint64 `json:"first_index"`
	LastIndex     uint64 `json:"last_index"`
}

func (n *Node) State() State {
	status := n.underlying.Status()
	st := State{
		ID:      n.ID,
		Leader:  status.Lead,
		Role:    status.RaftState.String(),
		Term:    status.Term,
		Commit:  status.Commit,
		Applied: uint64(n.sm.AppliedState().LastApplied.Index),
	}
	if snap := n.sm.AppliedState().Snapshot; snap != nil {
		st.SnapshotIndex = uint64(snap.LastIncluded.Index)
	}
	st.FirstIndex, _ = n.storage.FirstIndex()
	st.LastIndex, _ = n.storage.LastIndex()
	return st
}

type proposeResult struct {
	Resp command.Response
	Err  error
}

func (n *Node) notifyProposalResult(key command.SessionKey, result proposeResult) {
	n.proposalsMu.Lock()
	waiters := n.proposals[key]
	delete(n.proposals, key)
	n.proposalsMu.Unlock()

	if len(waiters) == 0 {
		// follower, or the caller already gave up
		slog.Debug("no waiter for applied command", "client_id", key.ClientID, "serial", key.Serial)
		return
	}

	for _, ch := range waiters {
		// channels are buffered, apply never blocks on a slow caller
		select {
		case ch <- result:
		default:
		}
	}
}

func (n *Node) removeWaiter(key command.SessionKey, ch chan proposeResult) {
	n.proposalsMu.Lock()
	defer n.proposalsMu.Unlock()

	waiters := n.proposals[key]
	for i, w := range waiters {
		if w == ch {
			waiters = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(waiters) == 0 {
		delete(n.proposals, key)
	} else {
		n.proposals[key] = waiters
	}
}

// Execute proposes cmd and waits until it is applied locally. Retrying with
// the same (client id, serial) is safe: the state machine answers a replay
// from its session cache.
func (n *Node) Execute(ctx context.Context, cmd command.Command) (command.Response, error) {
	if err := cmd.Validate(); err != nil {
		return command.Response{}, err
	}
	data, err := command.Encode(cmd)
	if err != nil {
		return command.Response{}, err
	}

	select {
	case <-n.ctx.Done():
		return command.Response{}, ErrStopped
	default:
	}

	key := cmd.SessionKey()
	resultChan := make(chan proposeResult, 1)

	n.proposalsMu.Lock()
	n.proposals[key] = append(n.proposals[key], resultChan)
	n.proposalsMu.Unlock()
	defer n.removeWaiter(key, resultChan)

	if err := n.underlying.Propose(ctx, data); err != nil {
		if errors.Is(err, raft.ErrStopped) {
			return command.Response{}, ErrStopped
		}
		return command.Response{}, fmt.Errorf("propose: %w", err)
	}

	select {
	case result := <-resultChan:
		return result.Resp, result.Err
	case <-ctx.Done():
		return command.Response{}, ctx.Err()
	case <-n.ctx.Done():
		return command.Response{}, ErrStopped
	}
}

// Handle processes a raft message received from another node.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

// Stop shuts the node down and waits for Run to return, so the log can be
// closed right after.
func (n *Node) Stop() error {
	n.shutdown()
	if n.running.Load() {
		<-n.done
	}
	return nil
}

func (n *Node) shutdown() {
	n.stopOnce.Do(func() {
		slog.Info("stopping raft node", "id", n.ID)

		n.stop()
		n.underlying.Stop()
		n.worker.Stop()
		n.transport.Stop()

		n.proposalsMu.Lock()
		for key, waiters := range n.proposals {
			for _, ch := range waiters {
				select {
				case ch <- proposeResult{Err: ErrStopped}:
				default:
				}
			}
			delete(n.proposals, key)
		}
		n.proposalsMu.Unlock()

		slog.Info("raft node stopped", "id", n.ID)
	})
}
