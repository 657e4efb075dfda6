// Package api serves the phasemux REST API: engine status and stats, the
// event journal, engine control, and a websocket feed of live events.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/zsiec/phasemux/internal/events"
	"github.com/zsiec/phasemux/internal/journal"
	"github.com/zsiec/phasemux/internal/media"
	"github.com/zsiec/phasemux/internal/output"
	"github.com/zsiec/phasemux/internal/slsm"
)

// defaultEventLimit is the number of journal records returned when the
// request does not specify a limit.
const defaultEventLimit = 100

const maxEventLimit = 10_000

// Engine is the engine surface exposed by the API.
type Engine interface {
	Params() slsm.Params
	OutputInfo() media.StreamInfo
	Stats() events.Snapshot
	IsRunning() bool
	Start(ctx context.Context) error
	Stop()
}

// EventStore is the journal surface exposed by the API.
type EventStore interface {
	Recent(ctx context.Context, kind string, limit int) ([]journal.Record, error)
	Counts(ctx context.Context) (map[string]int64, error)
	Runs(ctx context.Context, limit int) ([]journal.Run, error)
}

// PhaseStatsFunc returns per-phase transport metrics, if any.
type PhaseStatsFunc func() any

// Config holds the API dependencies. Engine is required; the rest are
// optional and their endpoints answer 501 when missing.
type Config struct {
	Engine      Engine
	Journal     EventStore
	Hub         *events.Hub
	Relay       *output.Relay
	PhaseStats  PhaseStatsFunc
	Fingerprint string
	// RunContext is the context engine runs started over the API belong to.
	RunContext context.Context
	Logger     *slog.Logger
}

// Server serves the REST API.
type Server struct {
	log    *slog.Logger
	config Config
}

// NewServer returns an API server. It returns an error if Engine is nil.
func NewServer(config Config) (*Server, error) {
	if config.Engine == nil {
		return nil, errors.New("api: Engine is required")
	}
	if config.RunContext == nil {
		config.RunContext = context.Background()
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{log: log.With("component", "api"), config: config}, nil
}

// StatusResponse is the JSON response for GET /api/status.
type StatusResponse struct {
	Running bool             `json:"running"`
	Params  slsm.Params      `json:"params"`
	Output  media.StreamInfo `json:"output"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	Engine      events.Snapshot          `json:"engine"`
	Phases      any                      `json:"phases,omitempty"`
	Subscribers []output.SubscriberStats `json:"subscribers,omitempty"`
}

type certHashResponse struct {
	Hash string `json:"hash"`
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/events/counts", s.handleEventCounts)
	mux.HandleFunc("GET /api/events/ws", s.handleEventStream)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/cert-hash", s.handleCertHash)
	mux.HandleFunc("POST /api/engine/start", s.handleStart)
	mux.HandleFunc("POST /api/engine/stop", s.handleStop)
	return corsMiddleware(mux)
}

// ListenAndServe serves the API on addr until ctx is cancelled. With a
// non-nil tlsConfig it serves HTTPS.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.log.Info("listening", "addr", addr, "tls", tlsConfig != nil)
	var err error
	if tlsConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	e := s.config.Engine
	writeJSON(w, http.StatusOK, StatusResponse{
		Running: e.IsRunning(),
		Params:  e.Params(),
		Output:  e.OutputInfo(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{Engine: s.config.Engine.Stats()}
	if s.config.PhaseStats != nil {
		resp.Phases = s.config.PhaseStats()
	}
	if s.config.Relay != nil {
		resp.Subscribers = s.config.Relay.StatsAll()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.config.Journal == nil {
		writeError(w, http.StatusNotImplemented, "event journal not configured")
		return
	}

	q := r.URL.Query()
	kind := q.Get("kind")
	if kind != "" {
		if _, err := events.ParseKind(kind); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	recs, err := s.config.Journal.Recent(r.Context(), kind, limit)
	if err != nil {
		s.log.Warn("journal query failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEventCounts(w http.ResponseWriter, r *http.Request) {
	if s.config.Journal == nil {
		writeError(w, http.StatusNotImplemented, "event journal not configured")
		return
	}
	counts, err := s.config.Journal.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.config.Journal == nil {
		writeError(w, http.StatusNotImplemented, "event journal not configured")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.config.Journal.Runs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []journal.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	if s.config.Fingerprint == "" {
		writeError(w, http.StatusNotImplemented, "QUIC output not configured")
		return
	}
	writeJSON(w, http.StatusOK, certHashResponse{Hash: s.config.Fingerprint})
}

func (s *Server) handleStart(w http.ResponseWriter, _ *http.Request) {
	if err := s.config.Engine.Start(s.config.RunContext); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.config.Engine.IsRunning()})
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.config.Engine.Stop()
	writeJSON(w, http.StatusOK, map[string]bool{"running": s.config.Engine.IsRunning()})
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	return min(n, maxEventLimit), nil
}
