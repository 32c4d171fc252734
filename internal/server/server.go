// Package server implements the review HTTP server: an HTML report page,
// JSON summary endpoints, run history from the audit store, and an SSE
// stream of pipeline progress.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ferebee/beachcomb/internal/apperr"
	"github.com/ferebee/beachcomb/internal/manifest"
	"github.com/ferebee/beachcomb/internal/record"
	"github.com/ferebee/beachcomb/internal/report"
	"github.com/ferebee/beachcomb/internal/sse"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode failed", slog.String("error", err.Error()))
	}
}

type errResponse struct {
	Error string `json:"error"`
}

func errorBody(msg string) errResponse {
	return errResponse{Error: msg}
}

// AuthMiddleware returns middleware that validates a Bearer token. If
// enabled is false, all requests pass through.
func AuthMiddleware(enabled bool, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Handler serves review endpoints over the current run's summary and the
// audit store's run history.
type Handler struct {
	mu      sync.RWMutex
	summary report.Summary
	recs    []*record.Record
	ready   bool

	store manifest.RunLog // may be nil when no audit db is configured
}

// NewHandler creates a review handler. store may be nil.
func NewHandler(store manifest.RunLog) *Handler {
	return &Handler{store: store}
}

// SetSummary publishes the current summary; until the first call the
// readiness probe reports not-ready and summary endpoints return 503.
func (h *Handler) SetSummary(s report.Summary) {
	h.mu.Lock()
	h.summary = s
	h.ready = true
	h.mu.Unlock()
}

// SetRecords publishes the run's records for the manifest endpoint.
func (h *Handler) SetRecords(recs []*record.Record) {
	h.mu.Lock()
	h.recs = recs
	h.mu.Unlock()
}

func (h *Handler) current() (report.Summary, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summary, h.ready
}

// GetSummary is GET /api/summary.
func (h *Handler) GetSummary(w http.ResponseWriter, _ *http.Request) {
	s, ok := h.current()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, errorBody("run still in progress"))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// GetReport is GET /report.
func (h *Handler) GetReport(w http.ResponseWriter, _ *http.Request) {
	s, ok := h.current()
	if !ok {
		http.Error(w, "run still in progress", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.WriteHTML(w, s); err != nil {
		slog.Error("report render failed", slog.String("error", err.Error()))
	}
}

// ListRuns is GET /api/runs.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no audit store configured"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.store.ListRuns(limit)
	if err != nil {
		slog.Error("list runs failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("list runs failed"))
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetManifest is GET /manifest.csv.
func (h *Handler) GetManifest(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	recs := h.recs
	ready := h.ready
	h.mu.RUnlock()
	if !ready {
		http.Error(w, "run still in progress", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="manifest.csv"`)
	if err := manifest.Write(w, recs); err != nil {
		slog.Error("manifest stream failed", slog.String("error", err.Error()))
	}
}

// GetRunRecords is GET /api/runs/{id}.
func (h *Handler) GetRunRecords(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeJSON(w, http.StatusNotFound, errorBody("no audit store configured"))
		return
	}
	runID := chi.URLParam(r, "id")
	recs, err := h.store.RunRecords(runID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody("run not found"))
			return
		}
		slog.Error("run records failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("run records failed"))
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// NewRouter builds the review server router. broker may be nil to disable
// the SSE endpoint.
func NewRouter(h *Handler, broker *sse.Broker, authEnabled bool, token string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if _, ok := h.current(); !ok {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "planning"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(authEnabled, token))

		r.Get("/report", h.GetReport)
		r.Get("/manifest.csv", h.GetManifest)
		r.Get("/api/summary", h.GetSummary)
		r.Get("/api/runs", h.ListRuns)
		r.Get("/api/runs/{id}", h.GetRunRecords)
		if broker != nil {
			r.Get("/api/events", broker.ServeHTTP)
		}
	})

	return r
}
