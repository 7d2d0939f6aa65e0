package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roamdata/migrator/internal/catalog"
	"github.com/roamdata/migrator/internal/migration"
)

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	runs    RunStarter
	tracker RunTracker
	sources SourceLister
	log     *slog.Logger
}

// NewHandlers constructs Handlers with all required dependencies.
func NewHandlers(runs RunStarter, tracker RunTracker, sources SourceLister, log *slog.Logger) *Handlers {
	return &Handlers{
		runs:    runs,
		tracker: tracker,
		sources: sources,
		log:     log,
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// optInt parses an optional non-negative integer query parameter.
func optInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// StartRun handles POST /api/v1/sources/{source}/runs.
// The run continues in the background; poll GET /api/v1/runs/{id}.
func (h *Handlers) StartRun(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	limit, ok := optInt(r, "limit")
	if !ok {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}
	batchSize, ok := optInt(r, "batch_size")
	if !ok {
		writeError(w, http.StatusBadRequest, "batch_size must be a non-negative integer")
		return
	}
	triggeredBy := r.Header.Get("X-Triggered-By")
	if triggeredBy == "" {
		triggeredBy = "api"
	}

	run, err := h.runs.Start(r.Context(), source, migration.RunOptions{
		Limit:       limit,
		BatchSize:   batchSize,
		TriggeredBy: triggeredBy,
	})
	if err != nil {
		resp := map[string]string{"error": err.Error()}
		if run != nil {
			resp["run_id"] = run.ID
			resp["status"] = string(run.Status)
		}
		switch {
		case errors.Is(err, catalog.ErrUnknownSource):
			writeJSON(w, http.StatusNotFound, resp)
		case errors.Is(err, catalog.ErrRunInProgress), errors.Is(err, catalog.ErrRunTerminated):
			writeJSON(w, http.StatusConflict, resp)
		default:
			h.log.Error("starting run failed", "source", source, "err", err)
			writeJSON(w, http.StatusInternalServerError, resp)
		}
		return
	}

	h.log.Info("run started", "source", source, "run_id", run.ID, "triggered_by", triggeredBy)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID, "status": string(run.Status)})
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := h.tracker.Status(r.Context(), id)
	if err != nil {
		h.runError(w, id, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GetRunLogs handles GET /api/v1/runs/{id}/logs.
func (h *Handlers) GetRunLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	logs, err := h.tracker.Logs(r.Context(), id)
	if err != nil {
		h.runError(w, id, "logs", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(logs))
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
// cancelled is false when the run had already finished.
func (h *Handlers) CancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ok, err := h.tracker.Cancel(r.Context(), id)
	if err != nil {
		h.runError(w, id, "cancel", err)
		return
	}
	if ok {
		h.log.Info("run cancellation requested", "run_id", id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": ok})
}

// ListSources handles GET /api/v1/sources.
func (h *Handlers) ListSources(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"sources": h.sources.Sources()})
}

func (h *Handlers) runError(w http.ResponseWriter, id, op string, err error) {
	if errors.Is(err, catalog.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	h.log.Error("run "+op+" failed", "run_id", id, "err", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

type dbPinger interface {
	Ping(ctx context.Context) error
}

type redisPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandlerFunc returns an http.HandlerFunc that checks db and redis connectivity.
// A nil redis reports "disabled" and does not degrade the status.
func HealthHandlerFunc(db dbPinger, redis redisPinger, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := http.StatusOK
		dbStatus := "ok"
		redisStatus := "ok"

		if err := db.Ping(ctx); err != nil {
			log.Error("health check: db ping failed", "err", err)
			dbStatus = "error"
			status = http.StatusServiceUnavailable
		}

		if redis == nil {
			redisStatus = "disabled"
		} else if err := redis.Ping(ctx); err != nil {
			log.Error("health check: redis ping failed", "err", err)
			redisStatus = "error"
			status = http.StatusServiceUnavailable
		}

		overall := "ok"
		if status != http.StatusOK {
			overall = "degraded"
		}
		writeJSON(w, status, map[string]string{
			"status": overall,
			"db":     dbStatus,
			"redis":  redisStatus,
		})
	}
}
