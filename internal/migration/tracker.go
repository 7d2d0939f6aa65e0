package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roamdata/migrator/internal/catalog"
)

// RunStore persists migration runs. Status updates are conditional on the
// previous status so that no writer can move a run backwards.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	// UpdateRun writes status, counts, timestamps and log excerpt if the stored
	// status still equals from; otherwise it returns catalog.ErrInvalidTransition.
	UpdateRun(ctx context.Context, run *Run, from Status) error
	// SaveProgress writes counts, heartbeat and log excerpt of a running run;
	// it returns catalog.ErrInvalidTransition once the run is no longer running.
	SaveProgress(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	HasRunning(ctx context.Context, source string) (bool, error)
	// FailStale marks running runs with a heartbeat older than before, and
	// pending runs created before it, as failed. It returns their ids.
	FailStale(ctx context.Context, before time.Time, reason string) ([]string, error)
	// RequestCancel records a cancellation request if the run is running and
	// reports whether it did.
	RequestCancel(ctx context.Context, id string) (bool, error)
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// DefaultStoreTimeout bounds every RunStore call made by a Tracker.
const DefaultStoreTimeout = 10 * time.Second

// RunCache holds run snapshots for cheap status polling. Get returns nil, nil on a miss.
type RunCache interface {
	Get(ctx context.Context, id string) (*Run, error)
	Set(ctx context.Context, run *Run) error
	Delete(ctx context.Context, id string) error
}

// CancelFlags carries cancellation requests to whichever process executes a run.
type CancelFlags interface {
	Raise(ctx context.Context, runID string) error
	Raised(ctx context.Context, runID string) (bool, error)
	Clear(ctx context.Context, runID string) error
}

// Tracker records the lifecycle of runs and serves the admin operations.
type Tracker struct {
	store    RunStore
	flags    CancelFlags
	cache    RunCache
	log      *slog.Logger
	logLimit int
	now      func() time.Time
	timeout  time.Duration
	// storeFlags is set when no shared CancelFlags were given; cancellation
	// requests are then read back from the store.
	storeFlags bool

	mu      sync.Mutex
	buffers map[string]*LogBuffer
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRunCache enables snapshot caching for Status.
func WithRunCache(c RunCache) TrackerOption { return func(t *Tracker) { t.cache = c } }

// WithLogLimit bounds the per-run log excerpt in bytes.
func WithLogLimit(n int) TrackerOption { return func(t *Tracker) { t.logLimit = n } }

// WithTrackerLogger sets the logger for tracker-level warnings.
func WithTrackerLogger(l *slog.Logger) TrackerOption { return func(t *Tracker) { t.log = l } }

// WithStoreTimeout bounds every store call. A run whose progress write cannot
// get a connection in time skips that heartbeat instead of blocking its batch.
func WithStoreTimeout(d time.Duration) TrackerOption { return func(t *Tracker) { t.timeout = d } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) TrackerOption { return func(t *Tracker) { t.now = now } }

// NewTracker constructs a Tracker. flags may be nil, in which case
// cancellation requests travel through the store only.
func NewTracker(store RunStore, flags CancelFlags, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		store:    store,
		flags:    flags,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		logLimit: DefaultLogLimit,
		now:      func() time.Time { return time.Now().UTC() },
		timeout:  DefaultStoreTimeout,
		buffers:  make(map[string]*LogBuffer),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.flags == nil {
		t.flags = NewLocalFlags()
		t.storeFlags = true
	}
	return t
}

// bounded derives the context for one store call.
func (t *Tracker) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.timeout)
}

// CreateRun records a new pending run.
func (t *Tracker) CreateRun(ctx context.Context, source string, params Params, triggeredBy string) (*Run, error) {
	run := &Run{
		ID:          uuid.NewString(),
		Source:      source,
		Status:      StatusPending,
		Params:      params,
		TriggeredBy: triggeredBy,
		CreatedAt:   t.now(),
	}
	sctx, cancel := t.bounded(ctx)
	defer cancel()
	if err := t.store.CreateRun(sctx, run); err != nil {
		return nil, fmt.Errorf("creating run for %s: %w", source, err)
	}

	t.mu.Lock()
	t.buffers[run.ID] = NewLogBuffer(t.logLimit)
	t.mu.Unlock()

	t.cacheSet(ctx, run)
	return run, nil
}

// RunLogger returns a logger that writes to base and to the run's bounded log buffer.
func (t *Tracker) RunLogger(base *slog.Logger, run *Run) *slog.Logger {
	buf := t.buffer(run.ID)
	if buf == nil {
		return base
	}
	capture := slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(teeHandler{base.Handler(), capture})
}

// Transition moves run forward to next and persists it with the current
// counts and log excerpt. On error run keeps its previous status.
func (t *Tracker) Transition(ctx context.Context, run *Run, next Status, errMsg string) error {
	prev := *run
	if err := run.setStatus(next, errMsg, t.now()); err != nil {
		return err
	}
	run.LogExcerpt = t.excerpt(run.ID)

	sctx, cancel := t.bounded(ctx)
	defer cancel()
	if err := t.store.UpdateRun(sctx, run, prev.Status); err != nil {
		*run = prev
		return fmt.Errorf("persisting run %s as %s: %w", run.ID, next, err)
	}

	if next.Terminal() {
		t.release(ctx, run.ID)
	}
	t.cacheSet(ctx, run)
	return nil
}

// Refresh reloads a run from the store, bypassing the cache. A run found
// terminal releases its in-process state.
func (t *Tracker) Refresh(ctx context.Context, id string) (*Run, error) {
	sctx, cancel := t.bounded(ctx)
	defer cancel()
	run, err := t.store.GetRun(sctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		t.release(ctx, id)
	}
	t.cacheSet(ctx, run)
	return run, nil
}

// release drops the log buffer and cancel flag of a finished run.
func (t *Tracker) release(ctx context.Context, id string) {
	if err := t.flags.Clear(ctx, id); err != nil {
		t.log.Warn("clearing cancel flag failed", "run_id", id, "err", err)
	}
	t.mu.Lock()
	delete(t.buffers, id)
	t.mu.Unlock()
}

// Progress persists the running totals and refreshes the heartbeat.
func (t *Tracker) Progress(ctx context.Context, run *Run) error {
	now := t.now()
	run.HeartbeatAt = &now
	run.LogExcerpt = t.excerpt(run.ID)

	sctx, cancel := t.bounded(ctx)
	defer cancel()
	if err := t.store.SaveProgress(sctx, run); err != nil {
		return fmt.Errorf("saving progress of run %s: %w", run.ID, err)
	}
	t.cacheSet(ctx, run)
	return nil
}

// Status returns the latest known state of a run.
func (t *Tracker) Status(ctx context.Context, id string) (*Run, error) {
	if t.cache != nil {
		cached, err := t.cache.Get(ctx, id)
		if err != nil {
			t.log.Warn("run cache get failed", "run_id", id, "err", err)
		}
		if cached != nil {
			return cached, nil
		}
	}

	run, err := t.get(ctx, id)
	if err != nil {
		return nil, err
	}
	t.cacheSet(ctx, run)
	return run, nil
}

func (t *Tracker) get(ctx context.Context, id string) (*Run, error) {
	sctx, cancel := t.bounded(ctx)
	defer cancel()
	return t.store.GetRun(sctx, id)
}

// Logs returns the live log of a run executing in this process, or the
// persisted excerpt otherwise.
func (t *Tracker) Logs(ctx context.Context, id string) (string, error) {
	if buf := t.buffer(id); buf != nil {
		return buf.String(), nil
	}
	run, err := t.get(ctx, id)
	if err != nil {
		return "", err
	}
	return run.LogExcerpt, nil
}

// Cancel requests cancellation. Pending runs are cancelled immediately,
// running runs stop at their next row boundary, and terminal runs report false.
func (t *Tracker) Cancel(ctx context.Context, id string) (bool, error) {
	run, err := t.get(ctx, id)
	if err != nil {
		return false, err
	}

	switch run.Status {
	case StatusPending:
		if err := t.Transition(ctx, run, StatusCancelled, "cancelled before start"); err != nil {
			if errors.Is(err, catalog.ErrInvalidTransition) {
				// Started meanwhile.
				return t.requestCancel(ctx, id)
			}
			return false, err
		}
		return true, nil
	case StatusRunning:
		return t.requestCancel(ctx, id)
	default:
		return false, nil
	}
}

// requestCancel records the request in the store, then raises the flag. A run
// that finished in between reports false.
func (t *Tracker) requestCancel(ctx context.Context, id string) (bool, error) {
	sctx, cancel := t.bounded(ctx)
	defer cancel()
	requested, err := t.store.RequestCancel(sctx, id)
	if err != nil {
		return false, fmt.Errorf("requesting cancellation of run %s: %w", id, err)
	}
	if !requested {
		return false, nil
	}
	if err := t.flags.Raise(ctx, id); err != nil {
		return false, fmt.Errorf("raising cancel flag for run %s: %w", id, err)
	}
	return true, nil
}

// CancelRequested reports whether cancellation was requested for the run,
// from this process or any other.
func (t *Tracker) CancelRequested(ctx context.Context, id string) (bool, error) {
	raised, err := t.flags.Raised(ctx, id)
	if err != nil || raised || !t.storeFlags {
		return raised, err
	}
	sctx, cancel := t.bounded(ctx)
	defer cancel()
	return t.store.CancelRequested(sctx, id)
}

// HasRunning reports whether source has a run in the running state.
func (t *Tracker) HasRunning(ctx context.Context, source string) (bool, error) {
	sctx, cancel := t.bounded(ctx)
	defer cancel()
	return t.store.HasRunning(sctx, source)
}

// FailStale fails runs whose heartbeat is older than timeout.
func (t *Tracker) FailStale(ctx context.Context, timeout time.Duration) ([]string, error) {
	sctx, cancel := t.bounded(ctx)
	ids, err := t.store.FailStale(sctx, t.now().Add(-timeout), "heartbeat timeout")
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failing stale runs: %w", err)
	}
	for _, id := range ids {
		if t.cache != nil {
			if err := t.cache.Delete(ctx, id); err != nil {
				t.log.Warn("run cache delete failed", "run_id", id, "err", err)
			}
		}
		if err := t.flags.Clear(ctx, id); err != nil {
			t.log.Warn("clearing cancel flag failed", "run_id", id, "err", err)
		}
	}
	return ids, nil
}

func (t *Tracker) buffer(id string) *LogBuffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buffers[id]
}

func (t *Tracker) excerpt(id string) string {
	if buf := t.buffer(id); buf != nil {
		return buf.String()
	}
	return ""
}

func (t *Tracker) cacheSet(ctx context.Context, run *Run) {
	if t.cache == nil {
		return
	}
	if err := t.cache.Set(ctx, run); err != nil {
		t.log.Warn("run cache set failed", "run_id", run.ID, "err", err)
	}
}
