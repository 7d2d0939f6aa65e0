package api_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roamdata/migrator/internal/api"
	"github.com/roamdata/migrator/internal/catalog"
	"github.com/roamdata/migrator/internal/mapping"
	"github.com/roamdata/migrator/internal/metrics"
	"github.com/roamdata/migrator/internal/migration"
	"github.com/roamdata/migrator/internal/storage"
)

// ---- mock implementations ----

type mockStarter struct {
	startFn func(ctx context.Context, source string, opts migration.RunOptions) (*migration.Run, error)
}

func (m *mockStarter) Start(ctx context.Context, source string, opts migration.RunOptions) (*migration.Run, error) {
	return m.startFn(ctx, source, opts)
}

type mockTracker struct {
	statusFn func(ctx context.Context, id string) (*migration.Run, error)
	logsFn   func(ctx context.Context, id string) (string, error)
	cancelFn func(ctx context.Context, id string) (bool, error)
}

func (m *mockTracker) Status(ctx context.Context, id string) (*migration.Run, error) {
	return m.statusFn(ctx, id)
}
func (m *mockTracker) Logs(ctx context.Context, id string) (string, error) {
	return m.logsFn(ctx, id)
}
func (m *mockTracker) Cancel(ctx context.Context, id string) (bool, error) {
	return m.cancelFn(ctx, id)
}

type mockPinger struct{ err error }

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

// ---- helpers ----

const testToken = "secret-token"

func notCalledStarter(t *testing.T) *mockStarter {
	return &mockStarter{startFn: func(_ context.Context, _ string, _ migration.RunOptions) (*migration.Run, error) {
		t.Fatal("starter should not be called")
		return nil, nil
	}}
}

func notFoundTracker() *mockTracker {
	notFound := fmt.Errorf("run x: %w", catalog.ErrRunNotFound)
	return &mockTracker{
		statusFn: func(_ context.Context, _ string) (*migration.Run, error) { return nil, notFound },
		logsFn:   func(_ context.Context, _ string) (string, error) { return "", notFound },
		cancelFn: func(_ context.Context, _ string) (bool, error) { return false, notFound },
	}
}

func buildRouter(starter api.RunStarter, tracker api.RunTracker, db, redis *mockPinger) http.Handler {
	if db == nil {
		db = &mockPinger{}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := api.NewHandlers(starter, tracker, mapping.Default(), log)
	if redis == nil {
		return api.NewRouter(handlers, testToken, db, nil, nil, log)
	}
	return api.NewRouter(handlers, testToken, db, redis, nil, log)
}

func do(t *testing.T, router http.Handler, method, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// ---- POST /api/v1/sources/{source}/runs ----

func TestStartRun_Accepted(t *testing.T) {
	var gotSource string
	var gotOpts migration.RunOptions
	starter := &mockStarter{startFn: func(_ context.Context, source string, opts migration.RunOptions) (*migration.Run, error) {
		gotSource, gotOpts = source, opts
		return &migration.Run{ID: "run-1", Source: source, Status: migration.StatusRunning}, nil
	}}

	router := buildRouter(starter, notFoundTracker(), nil, nil)
	w := do(t, router, http.MethodPost, "/api/v1/sources/park4night/runs?limit=100&batch_size=50", nil)

	assert.Equal(t, http.StatusAccepted, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, "park4night", gotSource)
	assert.Equal(t, migration.RunOptions{Limit: 100, BatchSize: 50, TriggeredBy: "api"}, gotOpts)
}

func TestStartRun_TriggeredByHeader(t *testing.T) {
	var gotOpts migration.RunOptions
	starter := &mockStarter{startFn: func(_ context.Context, source string, opts migration.RunOptions) (*migration.Run, error) {
		gotOpts = opts
		return &migration.Run{ID: "run-1", Status: migration.StatusRunning}, nil
	}}

	router := buildRouter(starter, notFoundTracker(), nil, nil)
	w := do(t, router, http.MethodPost, "/api/v1/sources/park4night/runs", map[string]string{"X-Triggered-By": "ops@roamdata"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "ops@roamdata", gotOpts.TriggeredBy)
	assert.Zero(t, gotOpts.Limit)
}

func TestStartRun_BadLimit(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)

	for _, q := range []string{"limit=abc", "limit=-1", "batch_size=x"} {
		w := do(t, router, http.MethodPost, "/api/v1/sources/park4night/runs?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestStartRun_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("source atlantis: %w", catalog.ErrUnknownSource), http.StatusNotFound},
		{fmt.Errorf("source park4night: %w", catalog.ErrRunInProgress), http.StatusConflict},
		{fmt.Errorf("run failed-run is cancelled: %w", catalog.ErrRunTerminated), http.StatusConflict},
		{&catalog.ConnectivityError{Op: "creating run", Err: fmt.Errorf("refused")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		starter := &mockStarter{startFn: func(_ context.Context, _ string, _ migration.RunOptions) (*migration.Run, error) {
			return &migration.Run{ID: "failed-run", Status: migration.StatusFailed}, tc.err
		}}
		router := buildRouter(starter, notFoundTracker(), nil, nil)
		w := do(t, router, http.MethodPost, "/api/v1/sources/whatever/runs", nil)

		assert.Equal(t, tc.status, w.Code, tc.err.Error())
		var body map[string]string
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, "failed-run", body["run_id"])
		assert.NotEmpty(t, body["error"])
	}
}

// ---- GET /api/v1/runs/{id} ----

func TestGetRun_OK(t *testing.T) {
	tracker := notFoundTracker()
	tracker.statusFn = func(_ context.Context, id string) (*migration.Run, error) {
		return &migration.Run{
			ID: id, Source: "campercontact", Status: migration.StatusCompleted,
			Counts: migration.Counts{Processed: 10, Inserted: 9, Failed: 1, Locations: 9},
		}, nil
	}

	router := buildRouter(notCalledStarter(t), tracker, nil, nil)
	w := do(t, router, http.MethodGet, "/api/v1/runs/run-7", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var got migration.Run
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, "run-7", got.ID)
	assert.Equal(t, migration.StatusCompleted, got.Status)
	assert.Equal(t, int64(1), got.Counts.Failed)
}

func TestGetRun_NotFound(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)
	w := do(t, router, http.MethodGet, "/api/v1/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRun_InternalError(t *testing.T) {
	tracker := notFoundTracker()
	tracker.statusFn = func(_ context.Context, _ string) (*migration.Run, error) {
		return nil, fmt.Errorf("db down")
	}
	router := buildRouter(notCalledStarter(t), tracker, nil, nil)
	w := do(t, router, http.MethodGet, "/api/v1/runs/r", nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}

// uuidQuerier answers like Postgres does for a malformed uuid literal.
type uuidQuerier struct{}

type pgErrRow struct{ err error }

func (r pgErrRow) Scan(...any) error { return r.err }

func invalidUUID() error {
	return &pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"}
}

func (uuidQuerier) QueryRow(context.Context, string, ...any) pgx.Row { return pgErrRow{invalidUUID()} }
func (uuidQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, invalidUUID()
}
func (uuidQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, invalidUUID()
}

func TestRunRoutes_MalformedIDIsNotFound(t *testing.T) {
	tracker := migration.NewTracker(storage.NewRunRepositoryWithQuerier(uuidQuerier{}), nil)
	router := buildRouter(notCalledStarter(t), tracker, nil, nil)

	for _, route := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/runs/abc"},
		{http.MethodGet, "/api/v1/runs/abc/logs"},
		{http.MethodPost, "/api/v1/runs/abc/cancel"},
	} {
		w := do(t, router, route.method, route.path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, route.path)
	}
}

// ---- GET /api/v1/runs/{id}/logs ----

func TestGetRunLogs_PlainText(t *testing.T) {
	tracker := notFoundTracker()
	tracker.logsFn = func(_ context.Context, _ string) (string, error) {
		return "level=INFO msg=\"batch committed\"\n", nil
	}
	router := buildRouter(notCalledStarter(t), tracker, nil, nil)
	w := do(t, router, http.MethodGet, "/api/v1/runs/r/logs", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain"))
	assert.Contains(t, w.Body.String(), "batch committed")
}

func TestGetRunLogs_NotFound(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)
	w := do(t, router, http.MethodGet, "/api/v1/runs/r/logs", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---- POST /api/v1/runs/{id}/cancel ----

func TestCancelRun(t *testing.T) {
	for _, want := range []bool{true, false} {
		tracker := notFoundTracker()
		tracker.cancelFn = func(_ context.Context, _ string) (bool, error) { return want, nil }
		router := buildRouter(notCalledStarter(t), tracker, nil, nil)
		w := do(t, router, http.MethodPost, "/api/v1/runs/r/cancel", nil)

		assert.Equal(t, http.StatusOK, w.Code)
		var body map[string]bool
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, want, body["cancelled"])
	}
}

func TestCancelRun_NotFound(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)
	w := do(t, router, http.MethodPost, "/api/v1/runs/r/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---- GET /api/v1/sources ----

func TestListSources(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)
	w := do(t, router, http.MethodGet, "/api/v1/sources", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string][]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, []string{"campercontact", "park4night", "uitinvlaanderen"}, body["sources"])
}

// ---- auth ----

func TestAuth_MissingToken(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongToken(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sources/park4night/runs", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_TokenWithoutScheme(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sources", nil)
	req.Header.Set("Authorization", testToken)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---- health ----

func TestHealth_AllOK(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), &mockPinger{}, &mockPinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "ok", body["db"])
	assert.Equal(t, "ok", body["redis"])
}

func TestHealth_DBDown(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), &mockPinger{err: fmt.Errorf("db down")}, &mockPinger{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "error", body["db"])
}

func TestHealth_RedisDown(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), &mockPinger{}, &mockPinger{err: fmt.Errorf("redis down")})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealth_RedisDisabled(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), &mockPinger{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "disabled", body["redis"])
}

func TestHealth_NoAuthRequired(t *testing.T) {
	router := buildRouter(notCalledStarter(t), notFoundTracker(), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.NotEqual(t, http.StatusUnauthorized, w.Code)
}

// ---- metrics ----

func TestMetrics_ExposedWithoutAuth(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	rec.ObserveRow("park4night", migration.OutcomeInserted)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handlers := api.NewHandlers(notCalledStarter(t), notFoundTracker(), mapping.Default(), log)
	router := api.NewRouter(handlers, testToken, &mockPinger{}, nil, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), log)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `migrator_rows_total{outcome="inserted",source="park4night"} 1`)
}
