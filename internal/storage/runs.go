package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roamdata/migrator/internal/catalog"
	"github.com/roamdata/migrator/internal/migration"
)

const oneRunningIndex = "migration_runs_one_running_per_source"

// Querier abstracts the subset of pgxpool.Pool used by RunRepository.
// This allows injection of a mock in tests.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RunRepository persists migration runs in the migration_runs table.
type RunRepository struct {
	q Querier
}

// NewRunRepository constructs a RunRepository backed by the given pool.
func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{q: pool}
}

// NewRunRepositoryWithQuerier constructs a RunRepository with a custom Querier (for tests).
func NewRunRepositoryWithQuerier(q Querier) *RunRepository {
	return &RunRepository{q: q}
}

// CreateRun inserts a new run record.
func (r *RunRepository) CreateRun(ctx context.Context, run *migration.Run) error {
	params, err := json.Marshal(run.Params)
	if err != nil {
		return fmt.Errorf("marshaling params of run %s: %w", run.ID, err)
	}

	const q = `
		INSERT INTO migration_runs (id, source, status, params, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := r.q.Exec(ctx, q, run.ID, run.Source, string(run.Status), params, run.TriggeredBy, run.CreatedAt); err != nil {
		return classify(fmt.Sprintf("inserting run %s", run.ID), err)
	}
	return nil
}

// UpdateRun writes the full mutable state of run, provided the stored status
// still equals from.
func (r *RunRepository) UpdateRun(ctx context.Context, run *migration.Run, from migration.Status) error {
	const q = `
		UPDATE migration_runs
		SET status       = $3,
		    processed    = $4,
		    inserted     = $5,
		    updated      = $6,
		    skipped      = $7,
		    failed       = $8,
		    locations    = $9,
		    events       = $10,
		    error        = $11,
		    log_excerpt  = $12,
		    started_at   = $13,
		    finished_at  = $14,
		    heartbeat_at = $15,
		    duration_ms  = $16
		WHERE id = $1 AND status = $2
	`
	c := run.Counts
	tag, err := r.q.Exec(ctx, q,
		run.ID, string(from), string(run.Status),
		c.Processed, c.Inserted, c.Updated, c.Skipped, c.Failed, c.Locations, c.Events,
		nullString(run.Error), nullString(run.LogExcerpt),
		run.StartedAt, run.FinishedAt, run.HeartbeatAt, durationMillis(run),
	)
	if err != nil {
		if isUniqueViolation(err, oneRunningIndex) {
			return fmt.Errorf("source %s: %w", run.Source, catalog.ErrRunInProgress)
		}
		return classify(fmt.Sprintf("updating run %s", run.ID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is no longer %s: %w", run.ID, from, catalog.ErrInvalidTransition)
	}
	return nil
}

// SaveProgress writes counts, heartbeat and log excerpt of a running run.
func (r *RunRepository) SaveProgress(ctx context.Context, run *migration.Run) error {
	const q = `
		UPDATE migration_runs
		SET processed    = $2,
		    inserted     = $3,
		    updated      = $4,
		    skipped      = $5,
		    failed       = $6,
		    locations    = $7,
		    events       = $8,
		    heartbeat_at = $9,
		    log_excerpt  = $10
		WHERE id = $1 AND status = 'running'
	`
	c := run.Counts
	tag, err := r.q.Exec(ctx, q,
		run.ID, c.Processed, c.Inserted, c.Updated, c.Skipped, c.Failed, c.Locations, c.Events,
		run.HeartbeatAt, nullString(run.LogExcerpt),
	)
	if err != nil {
		return classify(fmt.Sprintf("saving progress of run %s", run.ID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s is no longer running: %w", run.ID, catalog.ErrInvalidTransition)
	}
	return nil
}

// GetRun retrieves a run by id. Unknown ids yield catalog.ErrRunNotFound.
func (r *RunRepository) GetRun(ctx context.Context, id string) (*migration.Run, error) {
	const q = `
		SELECT id, source, status, processed, inserted, updated, skipped, failed,
		       locations, events, params, triggered_by, error, log_excerpt,
		       created_at, started_at, finished_at, heartbeat_at, duration_ms
		FROM migration_runs
		WHERE id = $1
	`

	var (
		run        migration.Run
		status     string
		paramsJSON []byte
		errMsg     *string
		excerpt    *string
		durationMS *int64
	)
	err := r.q.QueryRow(ctx, q, id).Scan(
		&run.ID,
		&run.Source,
		&status,
		&run.Counts.Processed,
		&run.Counts.Inserted,
		&run.Counts.Updated,
		&run.Counts.Skipped,
		&run.Counts.Failed,
		&run.Counts.Locations,
		&run.Counts.Events,
		&paramsJSON,
		&run.TriggeredBy,
		&errMsg,
		&excerpt,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.HeartbeatAt,
		&durationMS,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return nil, fmt.Errorf("run %s: %w", id, catalog.ErrRunNotFound)
		}
		return nil, classify(fmt.Sprintf("querying run %s", id), err)
	}

	if run.Status, err = migration.ParseStatus(status); err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &run.Params); err != nil {
			return nil, fmt.Errorf("unmarshaling params of run %s: %w", id, err)
		}
	}
	if errMsg != nil {
		run.Error = *errMsg
	}
	if excerpt != nil {
		run.LogExcerpt = *excerpt
	}
	if durationMS != nil {
		run.Duration = time.Duration(*durationMS) * time.Millisecond
	}
	return &run, nil
}

// RequestCancel records a cancellation request on a running run. It reports
// false when the run is not running; the executing process, wherever it
// lives, picks the request up through CancelRequested.
func (r *RunRepository) RequestCancel(ctx context.Context, id string) (bool, error) {
	const q = `
		UPDATE migration_runs
		SET cancel_requested_at = COALESCE(cancel_requested_at, NOW())
		WHERE id = $1 AND status = 'running'
	`
	tag, err := r.q.Exec(ctx, q, id)
	if err != nil {
		if isInvalidText(err) {
			return false, fmt.Errorf("run %s: %w", id, catalog.ErrRunNotFound)
		}
		return false, classify(fmt.Sprintf("requesting cancellation of run %s", id), err)
	}
	return tag.RowsAffected() > 0, nil
}

// CancelRequested reports whether a cancellation was recorded for the run.
func (r *RunRepository) CancelRequested(ctx context.Context, id string) (bool, error) {
	const q = `SELECT cancel_requested_at IS NOT NULL FROM migration_runs WHERE id = $1`

	var requested bool
	if err := r.q.QueryRow(ctx, q, id).Scan(&requested); err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return false, fmt.Errorf("run %s: %w", id, catalog.ErrRunNotFound)
		}
		return false, classify(fmt.Sprintf("checking cancellation of run %s", id), err)
	}
	return requested, nil
}

// HasRunning reports whether source has a run in the running state.
func (r *RunRepository) HasRunning(ctx context.Context, source string) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM migration_runs WHERE source = $1 AND status = 'running')`

	var exists bool
	if err := r.q.QueryRow(ctx, q, source).Scan(&exists); err != nil {
		return false, classify(fmt.Sprintf("checking running runs of %s", source), err)
	}
	return exists, nil
}

// FailStale fails running runs whose heartbeat is older than before and
// pending runs created before it. It returns the ids it failed.
func (r *RunRepository) FailStale(ctx context.Context, before time.Time, reason string) ([]string, error) {
	const q = `
		UPDATE migration_runs
		SET status      = 'failed',
		    error       = $2,
		    finished_at = NOW(),
		    duration_ms = (EXTRACT(EPOCH FROM (NOW() - COALESCE(started_at, created_at))) * 1000)::BIGINT
		WHERE (status = 'running' AND COALESCE(heartbeat_at, started_at, created_at) < $1)
		   OR (status = 'pending' AND created_at < $1)
		RETURNING id
	`

	rows, err := r.q.Query(ctx, q, before, reason)
	if err != nil {
		return nil, classify("failing stale runs", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale run id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stale run ids: %w", err)
	}
	return ids, nil
}

func durationMillis(run *migration.Run) any {
	if run.FinishedAt == nil {
		return nil
	}
	return run.Duration.Milliseconds()
}
