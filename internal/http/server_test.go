//nolint:hugeParam // test only
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"raftkv/pkg/command"
	"raftkv/pkg/compression"
	"raftkv/pkg/raftadapter"
	"raftkv/pkg/snapshot"
	"raftkv/pkg/statemachine"
	"raftkv/pkg/types"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// fakeRaftNode applies every command straight to a local state machine
type fakeRaftNode struct {
	mu       sync.Mutex
	sm       *statemachine.KV
	index    types.LogIndex
	leader   bool
	leaderAt string
	err      error
	handled  []raftpb.Message
	// reorder, when set, commits commands in pairs with the later one first
	reorder *pairReorder
}

type applyResult struct {
	resp command.Response
	err  error
}

type pendingApply struct {
	data []byte
	done chan applyResult
}

// pairReorder holds the first of two commands until the second arrives and
// then applies the second before the first.
type pairReorder struct {
	mu      sync.Mutex
	pending []pendingApply
}

func (p *pairReorder) submit(n *fakeRaftNode, data []byte) (command.Response, error) {
	mine := pendingApply{data: data, done: make(chan applyResult, 1)}

	p.mu.Lock()
	p.pending = append(p.pending, mine)
	if len(p.pending) < 2 {
		p.mu.Unlock()
		r := <-mine.done
		return r.resp, r.err
	}
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	for i := len(batch) - 1; i >= 0; i-- {
		resp, err := n.apply(batch[i].data)
		batch[i].done <- applyResult{resp: resp, err: err}
	}
	r := <-mine.done
	return r.resp, r.err
}

func newFakeRaftNode(t *testing.T) *fakeRaftNode {
	t.Helper()
	sm := statemachine.New(snapshot.NewMemStore(), compression.None)
	if err := sm.Recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}
	return &fakeRaftNode{sm: sm, leader: true}
}

func (n *fakeRaftNode) IsLeader() bool     { return n.leader }
func (n *fakeRaftNode) LeaderAddr() string { return n.leaderAt }
func (n *fakeRaftNode) Execute(ctx context.Context, cmd command.Command) (command.Response, error) {
	if n.err != nil {
		return command.Response{}, n.err
	}
	if err := cmd.Validate(); err != nil {
		return command.Response{}, err
	}
	data, err := command.Encode(cmd)
	if err != nil {
		return command.Response{}, err
	}
	if n.reorder != nil {
		return n.reorder.submit(n, data)
	}
	return n.apply(data)
}

func (n *fakeRaftNode) apply(data []byte) (command.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.index++
	return n.sm.Apply(types.Entry{Index: n.index, Term: 1, Kind: types.KindCommand, Payload: data})
}
func (n *fakeRaftNode) Handle(ctx context.Context, message raftpb.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handled = append(n.handled, message)
	return nil
}
func (n *fakeRaftNode) State() raftadapter.State {
	return raftadapter.State{ID: 1, Leader: 1, Term: 1, Commit: uint64(n.index), Applied: uint64(n.index)}
}
func (n *fakeRaftNode) Run(ctx context.Context) error { return nil }
func (n *fakeRaftNode) Stop() error                   { return nil }

func newTestServer(t *testing.T) (*Server, *fakeRaftNode) {
	t.Helper()
	node := newFakeRaftNode(t)
	return NewServer(node, node.sm, ""), node
}

func decodeResp(t *testing.T, rr *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	return resp
}

func putForm(values url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPut, "/api/string", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHealthHandler(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	resp := decodeResp(t, rr)
	if resp.Status != StatusOK {
		t.Fatalf("expected status %s, got %s", StatusOK, resp.Status)
	}
}

func TestPutGetDeleteFlow(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.createRouter()

	// PUT
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(url.Values{"key": {"foo"}, "value": {"bar"}}))

	if rr.Code != http.StatusOK {
		t.Fatalf("put: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusSuccess || resp.Index == 0 {
		t.Fatalf("put: unexpected response %+v", resp)
	}

	// GET
	req := httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	resp := decodeResp(t, rr)
	if resp.Value != "bar" {
		t.Fatalf("get: expected value 'bar', got '%s'", resp.Value)
	}

	// DELETE
	req = httptest.NewRequest(http.MethodDelete, "/api?key=foo", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp = decodeResp(t, rr); resp.Status != StatusSuccess || !resp.Found {
		t.Fatalf("delete: unexpected response %+v", resp)
	}

	// GET after delete -> 404
	req = httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("get-after-delete: expected 404, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestClientSessionRetry(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.createRouter()

	form := url.Values{"key": {"k"}, "value": {"v1"}, "client_id": {"c1"}, "serial": {"1"}}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(form))
	first := decodeResp(t, rr)

	// retry of the same serial is answered from the session
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(form))
	retry := decodeResp(t, rr)
	if rr.Code != http.StatusOK || retry != first {
		t.Fatalf("expected the cached %+v, got %d %+v", first, rr.Code, retry)
	}

	// an old serial with a different value must not mutate
	form.Set("serial", "2")
	form.Set("value", "v2")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(form))

	form.Set("serial", "1")
	form.Set("value", "v3")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(form))
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a stale serial, got %d body=%s", rr.Code, rr.Body.String())
	}
	if resp := decodeResp(t, rr); resp.Status != StatusError {
		t.Fatalf("expected error response, got %+v", resp)
	}

	if v, _ := s.store.Get("k"); v != "v2" {
		t.Fatalf("expected v2, got %q", v)
	}
}

func TestConcurrentPutsWithoutSession(t *testing.T) {
	s, node := newTestServer(t)
	node.reorder = &pairReorder{}
	router := s.createRouter()

	keys := []string{"a", "b"}
	codes := make([]int, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, putForm(url.Values{"key": {key}, "value": {"v-" + key}}))
			codes[i] = rr.Code
		}(i, key)
	}
	wg.Wait()

	for i, key := range keys {
		if codes[i] != http.StatusOK {
			t.Fatalf("put %s: expected 200, got %d", key, codes[i])
		}
		if v, ok := s.store.Get(key); !ok || v != "v-"+key {
			t.Fatalf("put %s answered 200 but was not stored: %q %v", key, v, ok)
		}
	}
}

func TestPutEmptyValue(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.createRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(url.Values{"key": {"k"}, "value": {""}}))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for an empty value, got %d body=%s", rr.Code, rr.Body.String())
	}
	if v, ok := s.store.Get("k"); !ok || v != "" {
		t.Fatalf("expected empty value stored, got %q %v", v, ok)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(url.Values{"key": {"k"}}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing value, got %d", rr.Code)
	}
}

func TestSessionValidation(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.createRouter()

	cases := []url.Values{
		{"key": {"k"}, "value": {"v"}, "client_id": {"c1"}},
		{"key": {"k"}, "value": {"v"}, "client_id": {"c1"}, "serial": {"0"}},
		{"key": {"k"}, "value": {"v"}, "client_id": {"c1"}, "serial": {"abc"}},
	}
	for _, form := range cases {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, putForm(form))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("form %v: expected 400, got %d body=%s", form, rr.Code, rr.Body.String())
		}
	}
}

func TestMissingParamsAndMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.createRouter()

	// PUT missing params
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(url.Values{}))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("put-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	// GET missing key
	req := httptest.NewRequest(http.MethodGet, "/api/string", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("get-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	// DELETE missing key
	req = httptest.NewRequest(http.MethodDelete, "/api", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("delete-missing: expected 400, got %d body=%s", rr.Code, rr.Body.String())
	}

	// Method not allowed: POST to /health
	req = httptest.NewRequest(http.MethodPost, "/health", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("method-not-allowed: expected 405, got %d body=%s", rr.Code, rr.Body.String())
	}
}

func TestRedirectToLeader(t *testing.T) {
	s, node := newTestServer(t)
	node.leader = false
	node.leaderAt = "http://10.0.0.2:8080"

	req := httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "http://10.0.0.2:8080/api/string?key=foo" {
		t.Fatalf("unexpected location %q", loc)
	}

	// redirect to itself is a loop, serve locally
	node.leaderAt = s.URL
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/string?key=foo", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected local 404, got %d", rr.Code)
	}
}

func TestStaleReadServedLocally(t *testing.T) {
	s, node := newTestServer(t)
	router := s.createRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(url.Values{"key": {"foo"}, "value": {"bar"}}))

	node.leader = false
	node.leaderAt = "http://10.0.0.2:8080"

	req := httptest.NewRequest(http.MethodGet, "/api/string?key=foo&consistency=stale", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp := decodeResp(t, rr); resp.Value != "bar" {
		t.Fatalf("expected bar, got %+v", resp)
	}
}

func TestExecuteErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{raftadapter.ErrStopped, http.StatusServiceUnavailable},
		{command.ErrEmptyKey, http.StatusBadRequest},
	}

	for _, tc := range cases {
		s, node := newTestServer(t)
		node.err = tc.err

		rr := httptest.NewRecorder()
		s.createRouter().ServeHTTP(rr, putForm(url.Values{"key": {"k"}, "value": {"v"}}))
		if rr.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rr.Code)
		}
		if resp := decodeResp(t, rr); resp.Status != StatusError {
			t.Fatalf("%v: expected error response, got %+v", tc.err, resp)
		}
	}
}

func TestRaftEndpoint(t *testing.T) {
	s, node := newTestServer(t)

	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 2, To: 1, Term: 3}
	body, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, raftadapter.RaftEndpoint, bytes.NewReader(body))
	req.Header.Set("Content-Type", raftadapter.ProtobufMediaType)
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(node.handled) != 1 || node.handled[0].Term != 3 || node.handled[0].From != 2 {
		t.Fatalf("unexpected handled messages %+v", node.handled)
	}

	req = httptest.NewRequest(http.MethodPost, raftadapter.RaftEndpoint, strings.NewReader("garbage"))
	rr = httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed message, got %d", rr.Code)
	}
}

func TestRaftEndpoint_RejectsOversizeMessage(t *testing.T) {
	s, node := newTestServer(t)
	s.SetMaxRaftMessageSize(64)

	msg := raftpb.Message{
		Type:     raftpb.MsgSnap,
		From:     2,
		To:       1,
		Snapshot: raftpb.Snapshot{Data: bytes.Repeat([]byte{1}, 256)},
	}
	body, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, raftadapter.RaftEndpoint, bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d body=%s", rr.Code, rr.Body.String())
	}
	if len(node.handled) != 0 {
		t.Fatalf("oversize message must not reach the node, got %+v", node.handled)
	}
}

func TestMetricsAndState(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.createRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, putForm(url.Values{"key": {"k"}, "value": {"v"}}))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	if !strings.Contains(body, `raftkv_http_requests_total{code="200",op="put"} 1`) {
		t.Fatalf("missing request counter in %q", body)
	}
	if !strings.Contains(body, "raftkv_raft_applied_index 1") {
		t.Fatalf("missing applied gauge in %q", body)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/internal/state", nil))
	var st raftadapter.State
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if st.Applied != 1 {
		t.Fatalf("expected applied 1, got %+v", st)
	}
}
