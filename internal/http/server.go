package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"raftkv/pkg/command"
	"raftkv/pkg/metrics"
	"raftkv/pkg/raftadapter"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON          = "application/json"
	defaultHTTPPort          = "8080"
	defaultShutdownTimeout   = time.Second * 5
	defaultProposalTimeout   = time.Second * 5
	defaultReadHeaderTimeout = time.Second
	defaultMaxRaftMessage    = 256 << 20

	consistencyStale = "stale"
)

var (
	errMissingKey     = errors.New("missing key")
	errMissingValue   = errors.New("missing key or value")
	errStaleSerial    = errors.New("stale serial: a newer request of this client was already applied")
	errInvalidSerial  = errors.New("serial must be a positive integer")
	errSerialRequired = errors.New("serial is required with client_id")
)

type iLocalReader interface {
	Get(key string) (string, bool)
}

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Execute(ctx context.Context, cmd command.Command) (command.Response, error)
	Handle(ctx context.Context, message raftpb.Message) error
	State() raftadapter.State

	Run(ctx context.Context) error
	Stop() error
}

// Server represents the HTTP façade in front of the raft node.
type Server struct {
	node       iRaftNode
	store      iLocalReader
	metrics    *metrics.Registry
	httpServer *http.Server
	URL        string
	addr       string

	proposalTimeout   time.Duration
	readHeaderTimeout time.Duration
	maxRaftMessage    int64
}

// NewServer creates a new server instance
func NewServer(node iRaftNode, store iLocalReader, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		node:              node,
		store:             store,
		metrics:           metrics.NewRegistry(),
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		proposalTimeout:   defaultProposalTimeout,
		readHeaderTimeout: defaultReadHeaderTimeout,
		maxRaftMessage:    defaultMaxRaftMessage,
	}
}

// SetAdvertiseURL sets the address this node is reachable at, used to
// detect redirect loops.
func (s *Server) SetAdvertiseURL(u string) {
	if u != "" {
		s.URL = u
	}
}

func (s *Server) SetTimeouts(proposal, readHeader time.Duration) {
	if proposal > 0 {
		s.proposalTimeout = proposal
	}
	if readHeader > 0 {
		s.readHeaderTimeout = readHeader
	}
}

// SetMaxRaftMessageSize caps the body of a peer request.
func (s *Server) SetMaxRaftMessageSize(n int64) {
	if n > 0 {
		s.maxRaftMessage = n
	}
}

func (s *Server) Metrics() *metrics.Registry {
	return s.metrics
}

// Start starts the raft node and the HTTP server
func (s *Server) Start() error {
	go func() {
		if err := s.node.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Raft node error", "error", err)
		}
	}()
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return s.node.Stop()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)

	r.Post(raftadapter.RaftEndpoint, s.handleRaft)
	r.Get("/api/internal/state", s.handleState)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.addr, "url", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) count(op string, status int) {
	s.metrics.IncCounter("raftkv_http_requests_total", map[string]string{
		"op":   op,
		"code": strconv.Itoa(status),
	}, 1)
}

func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" {
		// leader unknown yet, raft forwards the proposal itself
		return false, nil
	}

	// Avoid redirect loop when leaderAddr equals this server's URL
	if leaderAddr == s.URL {
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}
	if r.URL.RawQuery != "" {
		leaderURL += "?" + r.URL.RawQuery
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

// session returns the (client id, serial) pair for a request: the caller's
// own when it sent client_id, a one-shot session otherwise. One-shot
// sessions never race each other for the same serial.
func (s *Server) session(r *http.Request) (string, uint64, error) {
	clientID := r.FormValue("client_id")
	if clientID == "" {
		return uuid.NewString(), 1, nil
	}

	raw := r.FormValue("serial")
	if raw == "" {
		return "", 0, errSerialRequired
	}
	serial, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || serial == 0 {
		return "", 0, errInvalidSerial
	}
	return clientID, serial, nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, command.ErrEmptyKey),
		errors.Is(err, command.ErrEmptyClientID),
		errors.Is(err, command.ErrZeroSerial),
		errors.Is(err, command.ErrUnknownOp):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, raftadapter.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// execute runs cmd through the log and writes the outcome.
func (s *Server) execute(w http.ResponseWriter, r *http.Request, op string, cmd command.Command) (command.Response, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.proposalTimeout)
	defer cancel()

	resp, err := s.node.Execute(ctx, cmd)
	if err != nil {
		status := statusForError(err)
		slog.Warn("command failed",
			"op", op,
			"client_id", cmd.ClientID,
			"serial", cmd.Serial,
			"error", err)
		s.count(op, status)
		s.writeJSON(w, status, NewErrorResponse(err.Error()))
		return command.Response{}, false
	}
	if resp.Stale {
		s.count(op, http.StatusConflict)
		s.writeJSON(w, http.StatusConflict, NewErrorResponse(errStaleSerial.Error()))
		return command.Response{}, false
	}
	return resp, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	st := s.node.State()
	s.metrics.SetGauge("raftkv_raft_term", nil, float64(st.Term))
	s.metrics.SetGauge("raftkv_raft_commit_index", nil, float64(st.Commit))
	s.metrics.SetGauge("raftkv_raft_applied_index", nil, float64(st.Applied))
	s.metrics.SetGauge("raftkv_raft_snapshot_index", nil, float64(st.SnapshotIndex))
	s.metrics.SetGauge("raftkv_log_first_index", nil, float64(st.FirstIndex))
	s.metrics.SetGauge("raftkv_log_last_index", nil, float64(st.LastIndex))

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := s.metrics.WriteText(w); err != nil {
		slog.Warn("Failed to write metrics response", "error", err)
	}
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	const op = "put"

	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	// an empty value is a valid value, only a missing one is rejected
	key := r.FormValue("key")
	value := r.FormValue("value")
	if key == "" || !r.Form.Has("value") {
		s.count(op, http.StatusBadRequest)
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(errMissingValue.Error()))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("Failed to redirect to leader", "error", err)
		}
		s.count(op, http.StatusTemporaryRedirect)
		return
	}

	clientID, serial, err := s.session(r)
	if err != nil {
		s.count(op, http.StatusBadRequest)
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	resp, ok := s.execute(w, r, op, command.NewSet(clientID, serial, key, value))
	if !ok {
		return
	}

	s.count(op, http.StatusOK)
	s.writeJSON(w, http.StatusOK, NewCommandResponse(resp))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	const op = "get"

	key := r.URL.Query().Get("key")
	if key == "" {
		s.count(op, http.StatusBadRequest)
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(errMissingKey.Error()))
		return
	}

	if r.URL.Query().Get("consistency") == consistencyStale {
		value, found := s.store.Get(key)
		if !found {
			s.count(op, http.StatusNotFound)
			s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
			return
		}
		s.count(op, http.StatusOK)
		s.writeJSON(w, http.StatusOK, NewValueResponse(value))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("Failed to redirect to leader", "error", err)
		}
		s.count(op, http.StatusTemporaryRedirect)
		return
	}

	clientID, serial, err := s.session(r)
	if err != nil {
		s.count(op, http.StatusBadRequest)
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	resp, ok := s.execute(w, r, op, command.NewGet(clientID, serial, key))
	if !ok {
		return
	}

	if !resp.Found {
		s.count(op, http.StatusNotFound)
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.count(op, http.StatusOK)
	s.writeJSON(w, http.StatusOK, NewCommandResponse(resp))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	const op = "delete"

	key := r.URL.Query().Get("key")
	if key == "" {
		s.count(op, http.StatusBadRequest)
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(errMissingKey.Error()))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("Failed to redirect to leader", "error", err)
		}
		s.count(op, http.StatusTemporaryRedirect)
		return
	}

	clientID, serial, err := s.session(r)
	if err != nil {
		s.count(op, http.StatusBadRequest)
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	resp, ok := s.execute(w, r, op, command.NewDelete(clientID, serial, key))
	if !ok {
		return
	}

	s.count(op, http.StatusOK)
	s.writeJSON(w, http.StatusOK, NewCommandResponse(resp))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxRaftMessage))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			slog.Error("raft message exceeds the size limit", "limit", tooLarge.Limit)
			s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse(err.Error()))
			return
		}
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	msg, err := raftadapter.DecodeMessage(body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.State())
}
