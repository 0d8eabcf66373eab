package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/selfopt/internal/config"
	"github.com/yourorg/selfopt/internal/engine"
	"github.com/yourorg/selfopt/internal/filter"
	applog "github.com/yourorg/selfopt/internal/log"
	"github.com/yourorg/selfopt/internal/queue"
	"github.com/yourorg/selfopt/internal/store"
	"github.com/yourorg/selfopt/pkg/types"
)

// Server exposes the engine to hosts that are not in-process.
type Server struct {
	cfg    *config.Config
	engine *engine.Engine
	store  store.Store
	filter *filter.Filter
	logger *zap.Logger
	mux    *http.ServeMux
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, eng *engine.Engine, st store.Store, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if eng == nil {
		return nil, errors.New("engine is nil")
	}
	if st == nil {
		return nil, errors.New("store is nil")
	}
	logger = applog.OrNop(logger)

	srv := &Server{
		cfg:    cfg,
		engine: eng,
		store:  st,
		filter: filter.New(cfg.Filter),
		logger: logger,
		mux:    http.NewServeMux(),
	}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.Handle("/metrics", s.engine.Telemetry().Handler())
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// Intake routes, reachable from browser hosts.
	s.mux.HandleFunc("/api/calls", s.handleCalls)
	s.mux.HandleFunc("/api/interactions", s.handleInteractions)
	s.mux.HandleFunc("/api/feedback", s.handleFeedback)

	s.mux.HandleFunc("/api/drain", s.handleDrain)
	s.mux.HandleFunc("/api/policy", s.handlePolicy)
	s.mux.HandleFunc("/api/performance", s.handlePerformance)
	s.mux.HandleFunc("/api/patterns", s.handlePatterns)
	s.mux.HandleFunc("/api/export", s.handleExport)
	s.mux.HandleFunc("/api/exports", s.handleExports)
	s.mux.HandleFunc("/api/evolutions", s.handleEvolutions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := s.engine.Queue()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"queue":    q.Len(),
		"state":    q.State().String(),
		"failures": q.Failures(),
	})
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.Server.CORSOrigin)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Endpoint   string         `json:"endpoint"`
		Method     string         `json:"method"`
		Path       string         `json:"path"`
		DurationMs int64          `json:"durationMs"`
		Success    *bool          `json:"success"`
		Status     int            `json:"status"`
		Metadata   map[string]any `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	endpoint := strings.TrimSpace(req.Endpoint)
	if endpoint == "" {
		if strings.TrimSpace(req.Path) == "" {
			http.Error(w, "endpoint or path required", http.StatusBadRequest)
			return
		}
		if !s.filter.Track(req.Method, req.Path) {
			writeJSON(w, http.StatusAccepted, map[string]any{"tracked": false})
			return
		}
		endpoint = filter.Endpoint(req.Method, req.Path)
	}
	if req.DurationMs < 0 {
		http.Error(w, "durationMs cannot be negative", http.StatusBadRequest)
		return
	}
	var success bool
	switch {
	case req.Success != nil:
		success = *req.Success
	case req.Status != 0:
		success = filter.Successful(req.Status)
	default:
		http.Error(w, "success or status required", http.StatusBadRequest)
		return
	}
	if req.Status != 0 {
		if req.Metadata == nil {
			req.Metadata = map[string]any{}
		}
		req.Metadata["status"] = req.Status
	}

	start := time.Now().Add(-time.Duration(req.DurationMs) * time.Millisecond)
	m := s.engine.RecordCall(endpoint, start, success, req.Metadata)
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.Server.CORSOrigin)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Recorder().Recent(limitParam(r, 50)))
	case http.MethodPost:
		var req struct {
			Action  string         `json:"action"`
			Context map[string]any `json:"context"`
			Outcome any            `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Action) == "" {
			http.Error(w, "action required", http.StatusBadRequest)
			return
		}
		it := s.engine.RecordInteraction(req.Action, req.Context, req.Outcome)
		writeJSON(w, http.StatusCreated, it)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.Server.CORSOrigin)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		recs, err := s.store.ListFeedback(limitParam(r, 50))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, recs)
	case http.MethodPost:
		var req struct {
			Action    string         `json:"action"`
			Satisfied bool           `json:"satisfied"`
			Details   map[string]any `json:"details"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if strings.TrimSpace(req.Action) == "" {
			http.Error(w, "action required", http.StatusBadRequest)
			return
		}
		fb := s.engine.SubmitFeedback(req.Action, req.Satisfied, req.Details)
		writeJSON(w, http.StatusAccepted, fb)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	res, err := s.engine.Drain(r.Context())
	switch {
	case err == nil:
		kinds := make([]types.DirectiveKind, 0, len(res.Directives))
		for _, d := range res.Directives {
			kinds = append(kinds, d.Kind())
		}
		writeJSON(w, http.StatusOK, map[string]any{"submitted": res.Submitted, "directives": kinds})
	case errors.Is(err, queue.ErrEmpty), errors.Is(err, queue.ErrDraining), errors.Is(err, queue.ErrBackoff):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "pending": s.engine.Queue().Len()})
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "pending": s.engine.Queue().Len()})
	}
}

func (s *Server) handlePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p := s.engine.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":        p.State(),
		"version":      p.Version(),
		"capabilities": p.Capabilities(),
	})
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ms := s.engine.Metrics()
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		writeJSON(w, http.StatusOK, ms.AggregateAll())
		return
	}
	if ms.Count(endpoint) == 0 {
		http.Error(w, "endpoint not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": ms.Aggregate(endpoint),
		"window":  ms.Window(endpoint, limitParam(r, s.cfg.Engine.Window)),
	})
}

func (s *Server) handlePatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Patterns())
}

// handleExport returns a live snapshot on GET and emits one to the sink on POST.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.engine.Snapshot())
	case http.MethodPost:
		snap, err := s.engine.Export(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, snap)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	recs, err := s.store.ListExports(limitParam(r, 20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEvolutions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	evs, err := s.store.ListEvolutions()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

func limitParam(r *http.Request, def int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// setCORS allows browser calls from origin. No origin means same-origin only.
func setCORS(w http.ResponseWriter, origin string) {
	if origin == "" {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
