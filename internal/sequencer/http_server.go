package sequencer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harrowgate/sharedmap/internal/sharedmap"
)

// http_server.go exposes per-session map operations, session lifecycle
// (attach/detach/reconnect), and a metrics snapshot over a plain
// http.ServeMux with a small logging middleware.

type setReq struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type deleteReq struct {
	Key string `json:"key"`
}

type okResp struct {
	OK       bool   `json:"ok"`
	Existed  bool   `json:"existed,omitempty"`
	ErrorMsg string `json:"error,omitempty"`
}

type getResp struct {
	Value  any  `json:"value"`
	Exists bool `json:"exists"`
}

type entriesResp struct {
	Entries []sharedmap.Entry `json:"entries"`
}

type attributionResp struct {
	Attribution sharedmap.Attribution `json:"attribution"`
	Exists      bool                  `json:"exists"`
}

type errResp struct {
	Error string `json:"error"`
}

type attachReq struct {
	ID string `json:"id,omitempty"`
}

type attachResp struct {
	ID      string `json:"id"`
	WALPath string `json:"wal_path"`
}

// Binding pairs a session with the kernel it drives.
type Binding struct {
	Session *ClientSession
	Kernel  *sharedmap.Map
}

// NewBinding pairs a session with its kernel for registration with NewServer.
func NewBinding(session *ClientSession, kernel *sharedmap.Map) *Binding {
	return &Binding{Session: session, Kernel: kernel}
}

// Server is the HTTP surface over a Broker and a set of sessions, some
// declared up front by the topology, others attached dynamically at
// runtime through POST /attach.
type Server struct {
	mux      *http.ServeMux
	srv      *http.Server
	broker   *Broker
	metrics  *Metrics
	log      *zap.Logger
	dataDir  string
	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewServer constructs the HTTP server, registers routes, and serves every
// session in bindings as given; it does not call Attach on them. addr is the
// listen address;
// dataDir is where a dynamically attached session (POST /attach) stores its
// stash log if the caller doesn't pin one explicitly.
func NewServer(addr string, broker *Broker, metrics *Metrics, bindings map[string]*Binding, log *zap.Logger, dataDir string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if dataDir == "" {
		dataDir = "."
	}
	mux := http.NewServeMux()
	s := &Server{
		mux:      mux,
		broker:   broker,
		metrics:  metrics,
		bindings: bindings,
		log:      log,
		dataDir:  dataDir,
	}

	mux.HandleFunc("POST /attach", s.handleAttach)
	mux.HandleFunc("POST /{id}/set", s.handleSet)
	mux.HandleFunc("POST /{id}/delete", s.handleDelete)
	mux.HandleFunc("POST /{id}/clear", s.handleClear)
	mux.HandleFunc("GET /{id}/get", s.handleGet)
	mux.HandleFunc("GET /{id}/entries", s.handleEntries)
	mux.HandleFunc("GET /{id}/attribution", s.handleAttribution)
	mux.HandleFunc("POST /{id}/detach", s.handleDetach)
	mux.HandleFunc("POST /{id}/reconnect", s.handleReconnect)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.withLogging(mux),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Start begins listening and serving, blocking until the server stops.
func (s *Server) Start() error {
	return s.srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wroteHeader {
		sr.status = code
		sr.wroteHeader = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if !sr.wroteHeader {
		sr.WriteHeader(http.StatusOK)
	}
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += n
	return n, err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sr.status),
			zap.Int("bytes", sr.bytes),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

func (s *Server) binding(r *http.Request) (*Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[r.PathValue("id")]
	return b, ok
}

// pumpAll drives every session's cooperative executor step once, so that a
// mutation's own ack (and any other session's view of it) is reflected
// before the HTTP response is written.
func (s *Server) pumpAll() error {
	s.mu.RLock()
	bindings := make(map[string]*Binding, len(s.bindings))
	for id, b := range s.bindings {
		bindings[id] = b
	}
	s.mu.RUnlock()

	for id, b := range bindings {
		if err := b.Session.Pump(); err != nil {
			return fmt.Errorf("pump session %s: %w", id, err)
		}
	}
	return nil
}

// handleAttach brings a new session online that wasn't declared in the
// static topology, mirroring a client attaching after the sequencer is
// already serving: if the caller doesn't pin an id, one is minted so two
// concurrent ad hoc attaches can never collide.
func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	var req attachReq
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, 1<<10); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	// The whole check-create-register sequence runs under the lock so two
	// concurrent attaches with the same pinned id cannot both open the same
	// stash log or fight over the broker subscription.
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bindings[id]; exists {
		writeError(w, http.StatusConflict, "session already attached")
		return
	}

	walPath := filepath.Join(s.dataDir, id+".wal")
	sess, err := NewClientSession(id, walPath, s.broker, s.log, s.metrics)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	kernel := sharedmap.New(
		sharedmap.WithAttribution(),
		sharedmap.WithSubmitter(sess),
		sharedmap.WithHandle(sessionHandle(id)),
	)
	if err := sess.Attach(kernel); err != nil {
		_ = sess.Close()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.bindings[id] = NewBinding(sess, kernel)

	s.log.Info("session attached dynamically", zap.String("session", id), zap.String("wal", walPath))
	writeJSON(w, http.StatusOK, attachResp{ID: id, WALPath: walPath})
}

// sessionHandle is a minimal sharedmap.Handle identifying which session a
// kernel belongs to, for collaborators resolving Shared values.
type sessionHandle string

func (h sessionHandle) AbsolutePath() string { return string(h) }

// Bindings returns a snapshot of every session currently attached, static
// or dynamic, keyed by session id. Used by the caller to close every
// session's stash log on shutdown.
func (s *Server) Bindings() map[string]*Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*Binding, len(s.bindings))
	for id, b := range s.bindings {
		out[id] = b
	}
	return out
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	var req setReq
	if err := decodeJSON(w, r, &req, 1<<20); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	if err := b.Kernel.Set(req.Key, req.Value); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.pumpAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	var req deleteReq
	if err := decodeJSON(w, r, &req, 1<<20); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	existed, err := b.Kernel.Delete(req.Key)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.pumpAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true, Existed: existed})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err := b.Kernel.Clear(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.pumpAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	value, exists := b.Kernel.Get(key)
	writeJSON(w, http.StatusOK, getResp{Value: value, Exists: exists})
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, entriesResp{Entries: b.Kernel.Entries()})
}

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "missing key")
		return
	}
	attr, exists := b.Kernel.GetAttribution(key)
	writeJSON(w, http.StatusOK, attributionResp{Attribution: attr, Exists: exists})
}

func (s *Server) handleDetach(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	b.Session.Detach()
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	b, ok := s.binding(r)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	if err := b.Session.Reconnect(b.Kernel); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err := s.pumpAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, okResp{OK: true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"last_sequence": s.broker.LastSequence(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("unexpected extra JSON content")
		}
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}
