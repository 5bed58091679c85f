package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// recordingServer answers like a leader and remembers the session of each request
type recordingServer struct {
	mu      sync.Mutex
	serials []string
	clients []string
	fail    int
	status  int
	data    map[string]string
}

func newRecordingServer() *recordingServer {
	return &recordingServer{status: http.StatusOK, data: make(map[string]string)}
}

func (s *recordingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.serials = append(s.serials, r.FormValue("serial"))
	s.clients = append(s.clients, r.FormValue("client_id"))

	w.Header().Set("Content-Type", "application/json")
	if s.fail > 0 {
		s.fail--
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(Result{Error: "stopped"})
		return
	}
	if s.status != http.StatusOK {
		w.WriteHeader(s.status)
		_ = json.NewEncoder(w).Encode(Result{Error: "bad request"})
		return
	}

	key := r.FormValue("key")
	switch r.Method {
	case http.MethodPut:
		s.data[key] = r.FormValue("value")
		_ = json.NewEncoder(w).Encode(Result{Value: s.data[key], Found: true, Index: 1})
	case http.MethodGet:
		v, ok := s.data[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(Result{Error: "Key not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(Result{Value: v, Found: true, Index: 2})
	case http.MethodDelete:
		_, ok := s.data[key]
		delete(s.data, key)
		_ = json.NewEncoder(w).Encode(Result{Found: ok, Index: 3})
	}
}

func TestClient_PutGetDelete(t *testing.T) {
	rs := newRecordingServer()
	srv := httptest.NewServer(rs)
	defer srv.Close()

	c := NewClient(srv.URL)
	ctx := context.Background()

	if _, err := c.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := c.Get(ctx, "k")
	if err != nil || !res.Found || res.Value != "v" {
		t.Fatalf("get: %+v %v", res, err)
	}
	if res, err = c.Delete(ctx, "k"); err != nil || !res.Found {
		t.Fatalf("delete: %+v %v", res, err)
	}
	if res, err = c.Get(ctx, "k"); err != nil || res.Found {
		t.Fatalf("get after delete: %+v %v", res, err)
	}

	want := []string{"1", "2", "3", "4"}
	for i, s := range rs.serials {
		if s != want[i] {
			t.Fatalf("serials %v, want %v", rs.serials, want)
		}
		if rs.clients[i] != c.ClientID() {
			t.Fatalf("unexpected client id %q", rs.clients[i])
		}
	}
}

func TestClient_RetryKeepsSerial(t *testing.T) {
	rs := newRecordingServer()
	rs.fail = 2
	srv := httptest.NewServer(rs)
	defer srv.Close()

	c := NewClient(srv.URL, WithRetries(3, time.Millisecond))
	if _, err := c.Put(context.Background(), "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}

	if len(rs.serials) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(rs.serials))
	}
	for _, s := range rs.serials {
		if s != "1" {
			t.Fatalf("retries must reuse the serial, got %v", rs.serials)
		}
	}
}

func TestClient_GivesUp(t *testing.T) {
	rs := newRecordingServer()
	rs.fail = 10
	srv := httptest.NewServer(rs)
	defer srv.Close()

	c := NewClient(srv.URL, WithRetries(2, time.Millisecond))
	_, err := c.Put(context.Background(), "k", "v")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if len(rs.serials) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(rs.serials))
	}
}

func TestClient_RejectedIsNotRetried(t *testing.T) {
	rs := newRecordingServer()
	rs.status = http.StatusBadRequest
	srv := httptest.NewServer(rs)
	defer srv.Close()

	c := NewClient(srv.URL, WithRetries(3, time.Millisecond))
	_, err := c.Put(context.Background(), "k", "v")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if len(rs.serials) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(rs.serials))
	}
}

func TestClient_StaleIsNotRetried(t *testing.T) {
	rs := newRecordingServer()
	rs.status = http.StatusConflict
	srv := httptest.NewServer(rs)
	defer srv.Close()

	c := NewClient(srv.URL, WithRetries(3, time.Millisecond))
	_, err := c.Put(context.Background(), "k", "v")
	if !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	if len(rs.serials) != 1 {
		t.Fatalf("expected a single attempt, got %d", len(rs.serials))
	}
}

func TestClient_FollowsLeaderRedirect(t *testing.T) {
	rs := newRecordingServer()
	leader := httptest.NewServer(rs)
	defer leader.Close()

	follower := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		target := leader.URL + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	c := NewClient(follower.URL)
	ctx := context.Background()
	if _, err := c.Put(ctx, "k", "v"); err != nil {
		t.Fatalf("put via follower: %v", err)
	}
	res, err := c.Get(ctx, "k")
	if err != nil || res.Value != "v" {
		t.Fatalf("get via follower: %+v %v", res, err)
	}
	if rs.serials[0] != "1" || rs.clients[0] != c.ClientID() {
		t.Fatalf("session lost across redirect: %v %v", rs.serials, rs.clients)
	}
}

func TestClient_WithSession(t *testing.T) {
	rs := newRecordingServer()
	srv := httptest.NewServer(rs)
	defer srv.Close()

	c := NewClient(srv.URL, WithSession("resumed", 41))
	if _, err := c.Put(context.Background(), "k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if rs.clients[0] != "resumed" || rs.serials[0] != "42" {
		t.Fatalf("unexpected session %v %v", rs.clients, rs.serials)
	}
}

func TestClient_ContextCancel(t *testing.T) {
	rs := newRecordingServer()
	rs.fail = 10
	srv := httptest.NewServer(rs)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient(srv.URL, WithRetries(5, time.Second))
	if _, err := c.Put(ctx, "k", "v"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
