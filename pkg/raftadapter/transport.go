package raftadapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	RaftEndpoint      = "/api/internal/raft"
	ProtobufMediaType = "application/x-protobuf"

	transportTimeout = 3 * time.Second
	// peerQueueSize bounds the messages waiting for one peer.
	peerQueueSize = 4096
	// snapshotMinRate is the slowest transfer a snapshot send is allowed.
	snapshotMinRate = 1 << 20 // bytes per second
)

var (
	errTransportStopped = errors.New("transport stopped")
	errPeerQueueFull    = errors.New("peer send queue is full")
)

// iReporter receives delivery feedback for messages sent in the background.
type iReporter interface {
	ReportUnreachable(id uint64)
	ReportSnapshot(id uint64, status raft.SnapshotStatus)
}

type nopReporter struct{}

func (nopReporter) ReportUnreachable(uint64)                   {}
func (nopReporter) ReportSnapshot(uint64, raft.SnapshotStatus) {}

// Transport delivers raft messages to peers as protobuf over HTTP. Every
// peer has one sender goroutine draining a bounded queue, so messages to a
// peer keep their order and a slow peer never blocks the Ready loop.
// Lost messages are not retried: raft resends what it still needs.
type Transport struct {
	mu       sync.Mutex
	peers    map[uint64]*peer
	stopped  bool
	reporter iReporter

	httpClient *http.Client
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

type peer struct {
	id    uint64
	mu    sync.RWMutex
	addr  string
	queue chan raftpb.Message
	done  chan struct{}
}

func (p *peer) url() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.addr + RaftEndpoint
}

// NewTransport starts a sender for every peer. A nil reporter drops
// delivery feedback.
func NewTransport(peers map[uint64]string, reporter iReporter) *Transport {
	if reporter == nil {
		reporter = nopReporter{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		peers:      make(map[uint64]*peer, len(peers)),
		reporter:   reporter,
		httpClient: &http.Client{},
		ctx:        ctx,
		cancel:     cancel,
	}
	for id, addr := range peers {
		t.addPeerLocked(id, addr)
	}
	return t
}

func (t *Transport) addPeerLocked(id uint64, addr string) {
	p := &peer{
		id:    id,
		addr:  addr,
		queue: make(chan raftpb.Message, peerQueueSize),
		done:  make(chan struct{}),
	}
	t.peers[id] = p
	t.wg.Add(1)
	go t.runPeer(p)
}

func (t *Transport) AddPeer(nodeID uint64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if p, ok := t.peers[nodeID]; ok {
		p.mu.Lock()
		p.addr = addr
		p.mu.Unlock()
		return
	}
	t.addPeerLocked(nodeID, addr)
}

func (t *Transport) RemovePeer(nodeID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[nodeID]; ok {
		close(p.done)
		delete(t.peers, nodeID)
	}
}

func (t *Transport) UpdatePeer(nodeID uint64, addr string) {
	t.AddPeer(nodeID, addr)
}

// Send queues msg for its peer without blocking. Snapshots bypass the queue
// and report their outcome through the reporter.
func (t *Transport) Send(msg raftpb.Message) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return errTransportStopped
	}
	p, ok := t.peers[msg.To]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}
	if msg.Type == raftpb.MsgSnap {
		t.wg.Add(1)
		t.mu.Unlock()
		go t.sendSnapshot(p, msg)
		return nil
	}
	t.mu.Unlock()

	select {
	case p.queue <- msg:
		return nil
	default:
		return fmt.Errorf("peer %d: %w", msg.To, errPeerQueueFull)
	}
}

// Stop cancels in-flight requests and waits for every sender to exit.
func (t *Transport) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	t.cancel()
	for id, p := range t.peers {
		close(p.done)
		delete(t.peers, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
}

func (t *Transport) runPeer(p *peer) {
	defer t.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.queue:
			if err := t.post(p.url(), msg, transportTimeout); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				slog.Debug("failed to send raft message",
					"to", msg.To,
					"type", msg.Type,
					"error", err)
				t.reporter.ReportUnreachable(p.id)
			}
		}
	}
}

func (t *Transport) sendSnapshot(p *peer, msg raftpb.Message) {
	defer t.wg.Done()

	timeout := snapshotTimeout(msg.Size())
	slog.Info("sending snapshot",
		"to", msg.To,
		"index", msg.Snapshot.Metadata.Index,
		"bytes", msg.Size(),
		"timeout", timeout)

	if err := t.post(p.url(), msg, timeout); err != nil {
		slog.Error("failed to send snapshot", "to", msg.To, "error", err)
		t.reporter.ReportUnreachable(p.id)
		t.reporter.ReportSnapshot(p.id, raft.SnapshotFailure)
		return
	}
	t.reporter.ReportSnapshot(p.id, raft.SnapshotFinish)
}

// snapshotTimeout grows with the snapshot so big transfers are not cut at
// the regular message timeout.
func snapshotTimeout(size int) time.Duration {
	return transportTimeout + time.Duration(size)*time.Second/snapshotMinRate
}

func (t *Transport) post(url string, msg raftpb.Message, timeout time.Duration) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", ProtobufMediaType)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(bodyBytes))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// DecodeMessage parses a request body produced by Send.
func DecodeMessage(body []byte) (raftpb.Message, error) {
	var msg raftpb.Message
	if err := msg.Unmarshal(body); err != nil {
		return raftpb.Message{}, fmt.Errorf("unmarshal raft message: %w", err)
	}
	return msg, nil
}
