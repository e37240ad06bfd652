// Package httpapi exposes the sync controller over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/pxarchive/internal/controller"
	"github.com/roach88/pxarchive/internal/engine"
	"github.com/roach88/pxarchive/internal/source"
	"github.com/roach88/pxarchive/internal/store"
)

const maxBodyBytes = 1 << 16

// Syncs is the controller surface the API drives. Implemented by
// *controller.Controller.
type Syncs interface {
	Start(ctx context.Context, kind controller.Kind, plan engine.Plan) (string, error)
	Cancel(kind controller.Kind) error
	Status() []controller.Status
}

// Runs lists journaled runs. Implemented by *store.Store.
type Runs interface {
	RecentRuns(ctx context.Context, limit int) ([]store.Run, error)
}

// Config configures a Server.
type Config struct {
	// Token, when set, is required as "Authorization: Bearer <token>" on
	// every /v1 route.
	Token string
	// Order is used when a start request names none.
	Order  source.Order
	Logger *slog.Logger
}

// Server routes API requests.
type Server struct {
	syncs  Syncs
	runs   Runs
	cfg    Config
	router chi.Router
}

// New creates a Server. runs may be nil.
func New(syncs Syncs, runs Runs, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{syncs: syncs, runs: runs, cfg: cfg}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authorize)
		r.Get("/syncs", s.handleStatus)
		r.Post("/syncs", s.handleStart)
		r.Delete("/syncs/{kind}", s.handleCancel)
		r.Get("/runs", s.handleRuns)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.Token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"syncs": s.syncs.Status()})
}

type startRequest struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Mode  string `json:"mode"`
	Order string `json:"order"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "read body failed")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
			return
		}
	}

	plan, err := s.planFor(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	runID, err := s.syncs.Start(r.Context(), controller.KindManual, plan)
	switch {
	case errors.Is(err, controller.ErrBusy):
		writeError(w, http.StatusConflict, "busy", "a manual sync is already running")
		return
	case err != nil:
		s.cfg.Logger.Error("start sync failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": runID, "kind": controller.KindManual})
}

func (s *Server) planFor(req startRequest) (engine.Plan, error) {
	if req.Start < 0 || req.End < 0 {
		return engine.Plan{}, errors.New("start and end must not be negative")
	}
	if req.End > 0 && req.End <= req.Start {
		return engine.Plan{}, errors.New("end must be greater than start")
	}
	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		return engine.Plan{}, err
	}
	order := s.cfg.Order
	if req.Order != "" {
		if order, err = source.ParseOrder(req.Order); err != nil {
			return engine.Plan{}, err
		}
	}
	return engine.Plan{
		Mode:   mode,
		Order:  order,
		Window: source.Window{Start: req.Start, End: req.End},
	}, nil
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	kind, err := controller.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if err := s.syncs.Cancel(kind); err != nil {
		if errors.Is(err, controller.ErrNotRunning) {
			writeError(w, http.StatusNotFound, "not_running", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"kind": kind, "status": "cancelling"})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"runs": []store.Run{}})
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := s.runs.RecentRuns(r.Context(), limit)
	if err != nil {
		s.cfg.Logger.Error("list runs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "list runs failed")
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
