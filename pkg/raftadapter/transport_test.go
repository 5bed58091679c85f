package raftadapter

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

// recordingReporter собирает обратную связь транспорта
type recordingReporter struct {
	unreachable chan uint64
	snapshots   chan raft.SnapshotStatus
}

func newRecordingReporter() *recordingReporter {
	return &recordingReporter{
		unreachable: make(chan uint64, 16),
		snapshots:   make(chan raft.SnapshotStatus, 16),
	}
}

func (r *recordingReporter) ReportUnreachable(id uint64) {
	select {
	case r.unreachable <- id:
	default:
	}
}

func (r *recordingReporter) ReportSnapshot(_ uint64, status raft.SnapshotStatus) {
	r.snapshots <- status
}

func TestTransport_Send(t *testing.T) {
	got := make(chan raftpb.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != RaftEndpoint || r.Header.Get("Content-Type") != ProtobufMediaType {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		msg, err := DecodeMessage(body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		got <- msg
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL}, nil)
	defer tr.Stop()

	msg := raftpb.Message{
		Type:    raftpb.MsgApp,
		From:    1,
		To:      2,
		Term:    4,
		Entries: []raftpb.Entry{{Index: 7, Term: 4, Data: []byte("payload")}},
	}
	if err := tr.Send(msg); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case recv := <-got:
		if recv.Term != 4 || len(recv.Entries) != 1 || string(recv.Entries[0].Data) != "payload" {
			t.Fatalf("unexpected message %+v", recv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}
}

func TestTransport_UnknownPeer(t *testing.T) {
	tr := NewTransport(map[uint64]string{}, nil)
	defer tr.Stop()

	if err := tr.Send(raftpb.Message{To: 9}); err == nil {
		t.Fatal("expected error for unknown peer")
	}

	tr.AddPeer(9, "http://x")
	tr.RemovePeer(9)
	if err := tr.Send(raftpb.Message{To: 9}); err == nil {
		t.Fatal("expected error for removed peer")
	}
}

func TestTransport_KeepsOrderPerPeer(t *testing.T) {
	const total = 50

	var (
		mu  sync.Mutex
		got []uint64
	)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		msg, _ := DecodeMessage(body)
		mu.Lock()
		got = append(got, msg.Index)
		if len(got) == total {
			close(done)
		}
		mu.Unlock()
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL}, nil)
	defer tr.Stop()

	for i := 1; i <= total; i++ {
		if err := tr.Send(raftpb.Message{Type: raftpb.MsgApp, From: 1, To: 2, Index: uint64(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("not all messages were delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, idx := range got {
		if idx != uint64(i+1) {
			t.Fatalf("message %d delivered out of order: %v", i, got)
		}
	}
}

func TestTransport_FailedSendIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tr := NewTransport(map[uint64]string{2: "http://127.0.0.1:1"}, rep)
	defer tr.Stop()
	tr.UpdatePeer(2, srv.URL)

	for _, typ := range []raftpb.MessageType{raftpb.MsgHeartbeat, raftpb.MsgApp} {
		if err := tr.Send(raftpb.Message{From: 1, To: 2, Type: typ}); err != nil {
			t.Fatalf("send %s: %v", typ, err)
		}
		select {
		case id := <-rep.unreachable:
			if id != 2 {
				t.Fatalf("reported wrong peer %d", id)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s failure was not reported", typ)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if calls.Load() != 2 {
		t.Fatalf("expected one attempt per message, got %d", calls.Load())
	}
}

func TestTransport_QueueFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL}, nil)

	var err error
	for i := 0; i < peerQueueSize+2 && err == nil; i++ {
		err = tr.Send(raftpb.Message{Type: raftpb.MsgApp, From: 1, To: 2})
	}
	close(release)
	tr.Stop()

	if !errors.Is(err, errPeerQueueFull) {
		t.Fatalf("expected errPeerQueueFull, got %v", err)
	}
}

func TestTransport_SnapshotStatus(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		if fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	rep := newRecordingReporter()
	tr := NewTransport(map[uint64]string{2: srv.URL}, rep)
	defer tr.Stop()

	snap := raftpb.Message{
		Type:     raftpb.MsgSnap,
		From:     1,
		To:       2,
		Snapshot: raftpb.Snapshot{Data: make([]byte, 4096), Metadata: raftpb.SnapshotMetadata{Index: 10, Term: 2}},
	}

	for _, tc := range []struct {
		fail bool
		want raft.SnapshotStatus
	}{
		{fail: false, want: raft.SnapshotFinish},
		{fail: true, want: raft.SnapshotFailure},
	} {
		fail.Store(tc.fail)
		if err := tr.Send(snap); err != nil {
			t.Fatalf("send snapshot: %v", err)
		}
		select {
		case status := <-rep.snapshots:
			if status != tc.want {
				t.Fatalf("expected status %v, got %v", tc.want, status)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("snapshot status was not reported")
		}
	}
}

func TestSnapshotTimeout(t *testing.T) {
	if snapshotTimeout(0) != transportTimeout {
		t.Fatalf("empty snapshot should use the base timeout, got %s", snapshotTimeout(0))
	}
	if got := snapshotTimeout(64 << 20); got != transportTimeout+64*time.Second {
		t.Fatalf("unexpected timeout for 64 MiB: %s", got)
	}
}

func TestTransport_SendAfterStop(t *testing.T) {
	tr := NewTransport(map[uint64]string{2: "http://127.0.0.1:1"}, nil)
	tr.Stop()
	tr.Stop()

	if err := tr.Send(raftpb.Message{To: 2}); !errors.Is(err, errTransportStopped) {
		t.Fatalf("expected errTransportStopped, got %v", err)
	}
}
