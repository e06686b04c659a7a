// Package management provides the HTTP API through which the document
// pipeline and operators reach the entanglement engine.
//
// Endpoints:
//
//	GET  /status             - health, store backend, session count
//	GET  /metrics            - counters and latency snapshot
//	GET  /sessions           - sorted session IDs with a record
//	POST /sessions/remove    - evict a session {"sessionId":"..."}
//	POST /documents/analyze  - compare a document against its session, optionally commit
//	POST /forensics/report   - cross-session report {"sessionIds":[...]}
//
// The server speaks HTTP/1.1 and cleartext HTTP/2 (h2c) on the same port.
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pii-entanglement/internal/config"
	"pii-entanglement/internal/entanglement"
	"pii-entanglement/internal/forensics"
	"pii-entanglement/internal/logger"
	"pii-entanglement/internal/metrics"
)

const (
	maxSmallBody    = 4 << 10
	maxDocumentBody = 4 << 20
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	engine    *entanglement.Engine
	reports   *forensics.Builder
	token     string // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics
	log       *logger.Logger
}

// New creates a management server.
func New(cfg *config.Config, engine *entanglement.Engine, reports *forensics.Builder, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		engine:    engine,
		reports:   reports,
		token:     cfg.ManagementToken,
		metrics:   engine.Service().Metrics(),
		log:       log,
	}
	if s.token != "" {
		s.log.Info("auth", "Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/remove", s.handleRemoveSession)
	mux.HandleFunc("/documents/analyze", s.handleAnalyze)
	mux.HandleFunc("/forensics/report", s.handleReport)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	type response struct {
		Status       string   `json:"status"`
		Uptime       string   `json:"uptime"`
		StoreBackend string   `json:"storeBackend"`
		Sessions     int      `json:"sessions"`
		PIITypes     []string `json:"piiTypes"`
	}

	ids, err := s.engine.Store().SessionIDs()
	if err != nil {
		s.log.Errorf("status", "list sessions: %v", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, response{
		Status:       "running",
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		StoreBackend: s.cfg.StoreBackend,
		Sessions:     len(ids),
		PIITypes:     entanglement.TypeNames(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	ids, err := s.engine.Store().SessionIDs()
	if err != nil {
		s.log.Errorf("sessions", "list sessions: %v", err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"sessionIds": ids})
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSmallBody)
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "invalid request: need {\"sessionId\":\"...\"}", http.StatusBadRequest)
		return
	}
	if err := s.engine.Forget(req.SessionID); err != nil {
		s.log.Errorf("sessions", "remove %s: %v", req.SessionID, err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}
	s.log.Infof("sessions", "Removed session %s", req.SessionID)
	s.writeJSON(w, http.StatusOK, map[string]string{"removed": req.SessionID})
}

type analyzeRequest struct {
	SessionID  string                       `json:"sessionId"`
	DocumentID string                       `json:"documentId"`
	Matches    []entanglement.Match         `json:"matches"`
	Detector   entanglement.DetectorMetrics `json:"detector"`
	Commit     bool                         `json:"commit"`
}

type analyzeResponse struct {
	Result      entanglement.Result           `json:"result"`
	Fingerprint string                        `json:"fingerprint"`
	Quality     entanglement.DetectionQuality `json:"detectionQuality"`
	Skipped     int                           `json:"skipped"`
	Committed   bool                          `json:"committed"`
}

// handleAnalyze bridges the document pipeline: compare first, then commit
// only when asked. Raw match text does not outlive the request.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBody)
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "invalid request: need {\"sessionId\":\"...\",\"matches\":[...]}", http.StatusBadRequest)
		return
	}
	if req.Commit && req.DocumentID == "" {
		http.Error(w, "invalid request: commit requires documentId", http.StatusBadRequest)
		return
	}

	sum := s.engine.Service().Summarize(req.Matches)
	for i := range req.Matches {
		req.Matches[i].Text = ""
		req.Matches[i].Context = ""
	}

	res, err := s.engine.CompareSummary(req.SessionID, sum)
	if err != nil {
		s.log.Errorf("analyze", "session=%s compare: %v", req.SessionID, err)
		http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := analyzeResponse{
		Result:      res,
		Fingerprint: sum.Fingerprint.String(),
		Quality:     sum.Quality,
		Skipped:     sum.Skipped,
	}
	if req.Commit {
		rec, err := s.engine.Commit(req.SessionID, req.DocumentID, sum, req.Detector)
		if err != nil {
			s.log.Errorf("analyze", "session=%s commit: %v", req.SessionID, err)
			http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
			return
		}
		resp.Committed = true
		resp.Quality = rec.DetectionQuality
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxDocumentBody)
	var req struct {
		SessionIDs []string `json:"sessionIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request: need {\"sessionIds\":[...]}", http.StatusBadRequest)
		return
	}
	rep, err := s.reports.Build(req.SessionIDs)
	if errors.Is(err, forensics.ErrEmptyInput) {
		http.Error(w, "sessionIds must not be empty", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Errorf("report", "build: %v", err)
		http.Error(w, "report failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("write", "JSON encode error: %v", err)
	}
}

// Addr is the listen address for the configured bind address and port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.ManagementPort))
}

// ListenAndServe serves the API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr(),
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infof("listen", "Listening on %s (HTTP/1.1, h2c)", srv.Addr)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("management server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("management shutdown: %w", err)
		}
		return nil
	}
}
