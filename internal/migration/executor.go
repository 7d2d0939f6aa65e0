package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roamdata/migrator/internal/catalog"
	"github.com/roamdata/migrator/internal/mapping"
)

// DefaultBatchSize is the number of rows committed per outer transaction.
// Larger batches commit less often; smaller ones lose less work on a crash
// and hold locks for a shorter time.
const DefaultBatchSize = 500

// RowFunc receives one source row. A row that could not be decoded arrives
// as a nil Row with a non-nil decodeErr; the enumeration continues after it
// unless RowFunc returns an error.
type RowFunc func(row mapping.Row, decodeErr error) error

// SourceReader enumerates the rows of a Mapping's query, read-only.
// A limit of 0 means all rows. fn errors stop the enumeration and are returned.
type SourceReader interface {
	Each(ctx context.Context, m mapping.Mapping, limit int, fn RowFunc) error
}

// Target opens transactions on the consolidated store.
type Target interface {
	Begin(ctx context.Context) (TargetTx, error)
}

// TargetTx is an outer transaction or a savepoint inside one. Commit on a
// savepoint releases it; Rollback discards only the savepoint's writes.
type TargetTx interface {
	Savepoint(ctx context.Context) (TargetTx, error)
	UpsertLocation(ctx context.Context, loc *catalog.Location) (UpsertResult, error)
	UpsertEvent(ctx context.Context, ev *catalog.Event) (UpsertResult, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// UpsertResult reports the primary key of the written row and whether it was new.
type UpsertResult struct {
	ID       int64
	Inserted bool
}

// Observer receives row and run outcomes, e.g. for metrics.
type Observer interface {
	ObserveRow(source string, outcome Outcome)
	ObserveRun(source string, status Status, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveRow(string, Outcome)               {}
func (nopObserver) ObserveRun(string, Status, time.Duration) {}

// RunOptions are the per-invocation parameters.
type RunOptions struct {
	Limit       int
	BatchSize   int
	TriggeredBy string
}

// Executor runs migrations: fetch, transform, upsert each row inside its own
// savepoint, commit every batch.
type Executor struct {
	registry    *mapping.Registry
	source      SourceReader
	target      Target
	tracker     *Tracker
	log         *slog.Logger
	observer    Observer
	batchSize   int
	cancelEvery int
	heartbeat   time.Duration
	baseCtx     context.Context

	wg sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithBatchSize sets the default commit cadence.
func WithBatchSize(n int) Option { return func(e *Executor) { e.batchSize = n } }

// WithLogger sets the process logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.log = l } }

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option { return func(e *Executor) { e.observer = o } }

// WithCancelCheckEvery polls the cancel flag every n rows.
func WithCancelCheckEvery(n int) Option { return func(e *Executor) { e.cancelEvery = n } }

// WithHeartbeatInterval persists progress at least this often, even inside a batch boundary.
func WithHeartbeatInterval(d time.Duration) Option { return func(e *Executor) { e.heartbeat = d } }

// WithBaseContext sets the context background runs started by Start execute under.
func WithBaseContext(ctx context.Context) Option { return func(e *Executor) { e.baseCtx = ctx } }

// NewExecutor constructs an Executor.
func NewExecutor(registry *mapping.Registry, source SourceReader, target Target, tracker *Tracker, opts ...Option) *Executor {
	e := &Executor{
		registry:    registry,
		source:      source,
		target:      target,
		tracker:     tracker,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer:    nopObserver{},
		batchSize:   DefaultBatchSize,
		cancelEvery: 1,
		heartbeat:   30 * time.Second,
		baseCtx:     context.Background(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.cancelEvery <= 0 {
		e.cancelEvery = 1
	}
	return e
}

// Run executes a migration synchronously and returns the terminal run.
// Row-level problems never produce an error; only invocation-time and
// run-level fatal failures do, and the run is then recorded as failed.
func (e *Executor) Run(ctx context.Context, sourceID string, opts RunOptions) (*Run, error) {
	run, m, err := e.prepare(ctx, sourceID, opts)
	if err != nil {
		return run, err
	}
	err = e.execute(ctx, run, m)
	return run, err
}

// Start performs the invocation checks synchronously and executes the rows
// in the background. The returned run is a snapshot.
func (e *Executor) Start(ctx context.Context, sourceID string, opts RunOptions) (*Run, error) {
	run, m, err := e.prepare(ctx, sourceID, opts)
	if err != nil {
		if run != nil {
			return run.Snapshot(), err
		}
		return nil, err
	}
	snap := run.Snapshot()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("migration goroutine panicked", "source", sourceID, "run_id", run.ID, "recover", r)
				e.finish(e.baseCtx, run, StatusFailed, fmt.Sprintf("panic: %v", r), e.log)
			}
		}()
		_ = e.execute(e.baseCtx, run, m)
	}()
	return snap, nil
}

// Wait blocks until all runs started with Start have finished.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// prepare creates the run, resolves the mapping and claims the source.
func (e *Executor) prepare(ctx context.Context, sourceID string, opts RunOptions) (*Run, mapping.Mapping, error) {
	params := Params{Limit: opts.Limit, BatchSize: opts.BatchSize}
	if params.BatchSize <= 0 {
		params.BatchSize = e.batchSize
	}
	if params.Limit < 0 {
		params.Limit = 0
	}
	triggeredBy := opts.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "system"
	}

	run, err := e.tracker.CreateRun(ctx, sourceID, params, triggeredBy)
	if err != nil {
		return nil, nil, err
	}
	log := e.tracker.RunLogger(e.log, run).With("source", sourceID, "run_id", run.ID)

	m, err := e.registry.Get(sourceID)
	if err != nil {
		return run, nil, e.abort(ctx, run, err, log)
	}
	switch m.Kind() {
	case catalog.KindLocation, catalog.KindEvent, catalog.KindCombined:
	default:
		return run, nil, e.abort(ctx, run, fmt.Errorf("source %s declares unknown kind %q", sourceID, m.Kind()), log)
	}

	running, err := e.tracker.HasRunning(ctx, sourceID)
	if err != nil {
		return run, nil, e.abort(ctx, run, err, log)
	}
	if running {
		return run, nil, e.abort(ctx, run, fmt.Errorf("source %s: %w", sourceID, catalog.ErrRunInProgress), log)
	}

	if err := e.tracker.Transition(ctx, run, StatusRunning, ""); err != nil {
		if errors.Is(err, catalog.ErrInvalidTransition) {
			// Cancelled or failed by someone else before it started.
			if stored, rerr := e.tracker.Refresh(ctx, run.ID); rerr == nil && stored.Status.Terminal() {
				*run = *stored
				log.Info("run ended before it started", "status", run.Status)
				return run, nil, fmt.Errorf("run %s is %s: %w", run.ID, run.Status, catalog.ErrRunTerminated)
			}
		}
		return run, nil, e.abort(ctx, run, err, log)
	}
	return run, m, nil
}

// abort fails a run that never reached its row loop and returns cause.
func (e *Executor) abort(ctx context.Context, run *Run, cause error, log *slog.Logger) error {
	log.Error("migration aborted", "err", cause)
	e.finish(ctx, run, StatusFailed, cause.Error(), log)
	return cause
}

// batch is the open outer transaction and the rows applied in it.
type batch struct {
	tx   TargetTx
	rows int
}

func (e *Executor) execute(ctx context.Context, run *Run, m mapping.Mapping) error {
	log := e.tracker.RunLogger(e.log, run).With("source", run.Source, "run_id", run.ID)
	log.Info("migration started",
		"kind", m.Kind(), "limit", run.Params.Limit, "batch_size", run.Params.BatchSize, "triggered_by", run.TriggeredBy)

	var (
		b        batch
		lastBeat = time.Now()
	)

	commit := func(ctx context.Context) error {
		if b.tx == nil {
			return nil
		}
		tx := b.tx
		b = batch{}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing batch: %w", err)
		}
		return nil
	}

	err := e.source.Each(ctx, m, run.Params.Limit, func(row mapping.Row, decodeErr error) error {
		if err := e.checkCancel(ctx, run, log); err != nil {
			return err
		}
		if decodeErr != nil {
			log.Warn("row undecodable", "err", decodeErr)
			run.Counts.add(OutcomeFailed)
			e.observer.ObserveRow(run.Source, OutcomeFailed)
			return nil
		}

		if b.tx == nil {
			tx, err := e.target.Begin(ctx)
			if err != nil {
				return fmt.Errorf("beginning batch: %w", err)
			}
			b.tx = tx
		}

		outcome, err := e.applyRow(ctx, b.tx, m, row, &run.Counts, log)
		if err != nil {
			return err
		}
		run.Counts.add(outcome)
		b.rows++
		e.observer.ObserveRow(run.Source, outcome)

		if b.rows >= run.Params.BatchSize {
			if err := commit(ctx); err != nil {
				return err
			}
			log.Info("batch committed",
				"processed", run.Counts.Processed, "inserted", run.Counts.Inserted, "updated", run.Counts.Updated,
				"skipped", run.Counts.Skipped, "failed", run.Counts.Failed)
			lastBeat = time.Now()
			return e.progress(ctx, run, log)
		}
		if e.heartbeat > 0 && time.Since(lastBeat) >= e.heartbeat {
			lastBeat = time.Now()
			return e.progress(ctx, run, log)
		}
		return nil
	})

	// Finishing work must survive a cancelled ctx.
	fctx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if cerr := commit(fctx); cerr != nil {
			return e.fail(fctx, run, cerr, log)
		}
		e.finish(fctx, run, StatusCompleted, "", log)
		return nil

	case errors.Is(err, catalog.ErrCancelled) || ctx.Err() != nil:
		msg := ""
		if cerr := commit(fctx); cerr != nil {
			log.Error("commit on cancellation failed", "err", cerr)
			msg = cerr.Error()
		}
		log.Info("migration cancelled", "processed", run.Counts.Processed)
		e.finish(fctx, run, StatusCancelled, msg, log)
		return nil

	default:
		if b.rows > 0 {
			log.Warn("rolling back uncommitted batch", "rows", b.rows)
		}
		e.rollback(fctx, &b, log)
		return e.fail(fctx, run, err, log)
	}
}

func (e *Executor) fail(ctx context.Context, run *Run, err error, log *slog.Logger) error {
	log.Error("migration failed", "err", err, "processed", run.Counts.Processed)
	e.finish(ctx, run, StatusFailed, err.Error(), log)
	return err
}

func (e *Executor) rollback(ctx context.Context, b *batch, log *slog.Logger) {
	if b.tx == nil {
		return
	}
	if err := b.tx.Rollback(ctx); err != nil {
		log.Warn("rolling back batch failed", "err", err)
	}
	*b = batch{}
}

// finish records the terminal status. A failure here is logged; the run may
// already have been terminated elsewhere (watchdog, cancel before start).
func (e *Executor) finish(ctx context.Context, run *Run, status Status, msg string, log *slog.Logger) {
	log.Info("migration finished",
		"status", status, "processed", run.Counts.Processed, "inserted", run.Counts.Inserted,
		"updated", run.Counts.Updated, "skipped", run.Counts.Skipped, "failed", run.Counts.Failed,
		"locations", run.Counts.Locations, "events", run.Counts.Events)
	if err := e.tracker.Transition(ctx, run, status, msg); err != nil {
		log.Error("recording final status failed", "status", status, "err", err)
		return
	}
	e.observer.ObserveRun(run.Source, status, run.Duration)
}

// progress persists counts and heartbeat. A run terminated elsewhere stops here.
func (e *Executor) progress(ctx context.Context, run *Run, log *slog.Logger) error {
	err := e.tracker.Progress(ctx, run)
	if err == nil {
		return nil
	}
	if errors.Is(err, catalog.ErrInvalidTransition) {
		return fmt.Errorf("run was terminated externally: %w", err)
	}
	log.Warn("saving progress failed", "err", err)
	return nil
}

// checkCancel is evaluated at row boundaries only.
func (e *Executor) checkCancel(ctx context.Context, run *Run, log *slog.Logger) error {
	if ctx.Err() != nil {
		return catalog.ErrCancelled
	}
	if run.Counts.Processed%int64(e.cancelEvery) != 0 {
		return nil
	}
	raised, err := e.tracker.CancelRequested(ctx, run.ID)
	if err != nil {
		log.Warn("checking cancel flag failed", "err", err)
		return nil
	}
	if raised {
		return catalog.ErrCancelled
	}
	return nil
}

// unit is the transformed content of one source row.
type unit struct {
	location *catalog.Location
	event    *catalog.Event
}

func (u unit) key() string {
	if u.event != nil {
		return u.event.ExternalID
	}
	if u.location != nil {
		return u.location.ExternalID
	}
	return ""
}

// transform runs the pure mapping step. Nothing is written before it succeeds.
func transform(m mapping.Mapping, row mapping.Row) (u unit, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mapping %s panicked: %v", m.Source(), r)
		}
	}()

	switch m.Kind() {
	case catalog.KindLocation:
		u.location, err = m.ToLocation(row)
	case catalog.KindEvent:
		u.event, err = m.ToEvent(row)
	case catalog.KindCombined:
		if u.location, err = m.ToLocation(row); err != nil {
			return u, err
		}
		u.event, err = m.ToEvent(row)
	}
	if err == nil && u.location == nil && u.event == nil {
		err = fmt.Errorf("mapping %s produced no record", m.Source())
	}
	return u, err
}

// applyRow transforms and writes one row inside its own savepoint. The
// returned error is non-nil only for run-level failures.
func (e *Executor) applyRow(ctx context.Context, tx TargetTx, m mapping.Mapping, row mapping.Row, counts *Counts, log *slog.Logger) (Outcome, error) {
	u, err := transform(m, row)
	if err != nil {
		if catalog.IsSkip(err) {
			log.Debug("row skipped", "reason", err)
			return OutcomeSkipped, nil
		}
		log.Warn("row rejected", "err", err)
		return OutcomeFailed, nil
	}

	sp, err := tx.Savepoint(ctx)
	if err != nil {
		return "", fmt.Errorf("opening savepoint: %w", err)
	}

	res, locs, evs, err := writeUnit(ctx, sp, u)
	if err != nil {
		if rbErr := sp.Rollback(ctx); rbErr != nil {
			return "", fmt.Errorf("rolling back savepoint for %s: %w", u.key(), rbErr)
		}
		if catalog.IsConnectivity(err) {
			return "", err
		}
		log.Warn("row write failed", "external_id", u.key(), "err", err)
		return OutcomeFailed, nil
	}
	if err := sp.Commit(ctx); err != nil {
		return "", fmt.Errorf("releasing savepoint for %s: %w", u.key(), err)
	}

	counts.Locations += locs
	counts.Events += evs
	if res.Inserted {
		return OutcomeInserted, nil
	}
	return OutcomeUpdated, nil
}

// writeUnit upserts the location first and, for combined rows, the event
// referencing the resolved location id.
func writeUnit(ctx context.Context, sp TargetTx, u unit) (res UpsertResult, locs, evs int64, err error) {
	if u.location != nil {
		res, err = sp.UpsertLocation(ctx, u.location)
		if err != nil {
			return res, 0, 0, err
		}
		locs = 1
		if u.event != nil {
			id := res.ID
			u.event.LocationID = &id
		}
	}
	if u.event != nil {
		res, err = sp.UpsertEvent(ctx, u.event)
		if err != nil {
			return res, 0, 0, err
		}
		evs = 1
	}
	return res, locs, evs, nil
}
