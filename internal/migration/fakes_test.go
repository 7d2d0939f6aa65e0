package migration_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roamdata/migrator/internal/catalog"
	"github.com/roamdata/migrator/internal/mapping"
	"github.com/roamdata/migrator/internal/migration"
)

// ---- bounded connection pool shared by the fakes ----

// connPool hands out a fixed number of connections. A nil pool is unbounded.
type connPool struct {
	slots chan struct{}
}

func newConnPool(n int) *connPool {
	return &connPool{slots: make(chan struct{}, n)}
}

func (p *connPool) acquire(ctx context.Context) error {
	if p == nil {
		return nil
	}
	select {
	case p.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &catalog.ConnectivityError{Op: "acquiring connection", Err: ctx.Err()}
	}
}

func (p *connPool) release() {
	if p == nil {
		return
	}
	<-p.slots
}

// ---- in-memory RunStore ----

type memStore struct {
	mu      sync.Mutex
	runs    map[string]migration.Run
	cancels map[string]bool
	pool    *connPool
}

func newMemStore() *memStore {
	return &memStore{runs: make(map[string]migration.Run), cancels: make(map[string]bool)}
}

func (s *memStore) CreateRun(ctx context.Context, run *migration.Run) error {
	if err := s.pool.acquire(ctx); err != nil {
		return err
	}
	defer s.pool.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	return nil
}

func (s *memStore) UpdateRun(ctx context.Context, run *migration.Run, from migration.Status) error {
	if err := s.pool.acquire(ctx); err != nil {
		return err
	}
	defer s.pool.release()
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return catalog.ErrRunNotFound
	}
	if stored.Status != from {
		return catalog.ErrInvalidTransition
	}
	if run.Status == migration.StatusRunning {
		// Mirrors the partial unique index on running runs.
		for id, other := range s.runs {
			if id != run.ID && other.Source == run.Source && other.Status == migration.StatusRunning {
				return catalog.ErrRunInProgress
			}
		}
	}
	s.runs[run.ID] = *run
	return nil
}

func (s *memStore) SaveProgress(ctx context.Context, run *migration.Run) error {
	if err := s.pool.acquire(ctx); err != nil {
		return err
	}
	defer s.pool.release()
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.runs[run.ID]
	if !ok {
		return catalog.ErrRunNotFound
	}
	if stored.Status != migration.StatusRunning {
		return catalog.ErrInvalidTransition
	}
	stored.Counts = run.Counts
	stored.HeartbeatAt = run.HeartbeatAt
	stored.LogExcerpt = run.LogExcerpt
	s.runs[run.ID] = stored
	return nil
}

func (s *memStore) GetRun(ctx context.Context, id string) (*migration.Run, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.pool.release()
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, catalog.ErrRunNotFound)
	}
	return &run, nil
}

func (s *memStore) HasRunning(ctx context.Context, source string) (bool, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return false, err
	}
	defer s.pool.release()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.Source == source && r.Status == migration.StatusRunning {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) FailStale(ctx context.Context, before time.Time, reason string) ([]string, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.pool.release()
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, r := range s.runs {
		stale := (r.Status == migration.StatusRunning && r.HeartbeatAt != nil && r.HeartbeatAt.Before(before)) ||
			(r.Status == migration.StatusPending && r.CreatedAt.Before(before))
		if stale {
			r.Status = migration.StatusFailed
			r.Error = reason
			s.runs[id] = r
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) RequestCancel(ctx context.Context, id string) (bool, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return false, err
	}
	defer s.pool.release()
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return false, catalog.ErrRunNotFound
	}
	if run.Status != migration.StatusRunning {
		return false, nil
	}
	s.cancels[id] = true
	return true, nil
}

func (s *memStore) CancelRequested(ctx context.Context, id string) (bool, error) {
	if err := s.pool.acquire(ctx); err != nil {
		return false, err
	}
	defer s.pool.release()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[id]; !ok {
		return false, catalog.ErrRunNotFound
	}
	return s.cancels[id], nil
}

func (s *memStore) runningID(source string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.runs {
		if r.Source == source && r.Status == migration.StatusRunning {
			return id
		}
	}
	return ""
}

func (s *memStore) put(run migration.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
}

// ---- in-memory Target with savepoint semantics ----

type memTarget struct {
	mu      sync.Mutex
	locs    map[string]catalog.Location
	evs     map[string]catalog.Event
	nextID  atomic.Int64
	begins  atomic.Int64
	commits atomic.Int64

	// failOn makes upserts of these external ids fail with the given error.
	failOn map[string]error
	// failBeginAfter makes Begin fail once this many batches were opened.
	failBeginAfter int64
	pool           *connPool
}

func newMemTarget() *memTarget {
	return &memTarget{
		locs:   make(map[string]catalog.Location),
		evs:    make(map[string]catalog.Event),
		failOn: make(map[string]error),
	}
}

func key(source, externalID string) string { return source + "|" + externalID }

func (t *memTarget) Begin(ctx context.Context) (migration.TargetTx, error) {
	n := t.begins.Add(1)
	if t.failBeginAfter > 0 && n > t.failBeginAfter {
		return nil, &catalog.ConnectivityError{Op: "begin", Err: fmt.Errorf("connection refused")}
	}
	if err := t.pool.acquire(ctx); err != nil {
		return nil, err
	}
	return &memTx{target: t, locs: map[string]catalog.Location{}, evs: map[string]catalog.Event{}}, nil
}

func (t *memTarget) locations() []catalog.Location {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]catalog.Location, 0, len(t.locs))
	for _, l := range t.locs {
		out = append(out, l)
	}
	return out
}

func (t *memTarget) events() []catalog.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]catalog.Event, 0, len(t.evs))
	for _, e := range t.evs {
		out = append(out, e)
	}
	return out
}

func (t *memTarget) location(source, externalID string) (catalog.Location, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locs[key(source, externalID)]
	return l, ok
}

func (t *memTarget) countPrefix(prefix string) int {
	n := 0
	for _, l := range t.locations() {
		if strings.HasPrefix(l.ExternalID, prefix) {
			n++
		}
	}
	return n
}

type memTx struct {
	target *memTarget
	parent *memTx
	locs   map[string]catalog.Location
	evs    map[string]catalog.Event
	done   bool
}

func (tx *memTx) Savepoint(_ context.Context) (migration.TargetTx, error) {
	return &memTx{target: tx.target, parent: tx, locs: map[string]catalog.Location{}, evs: map[string]catalog.Event{}}, nil
}

func (tx *memTx) lookupLoc(k string) (catalog.Location, bool) {
	for cur := tx; cur != nil; cur = cur.parent {
		if l, ok := cur.locs[k]; ok {
			return l, true
		}
	}
	tx.target.mu.Lock()
	defer tx.target.mu.Unlock()
	l, ok := tx.target.locs[k]
	return l, ok
}

func (tx *memTx) lookupEvent(k string) (catalog.Event, bool) {
	for cur := tx; cur != nil; cur = cur.parent {
		if e, ok := cur.evs[k]; ok {
			return e, true
		}
	}
	tx.target.mu.Lock()
	defer tx.target.mu.Unlock()
	e, ok := tx.target.evs[k]
	return e, ok
}

func (tx *memTx) locationByID(id int64) (catalog.Location, bool) {
	for cur := tx; cur != nil; cur = cur.parent {
		for _, l := range cur.locs {
			if l.ID == id {
				return l, true
			}
		}
	}
	tx.target.mu.Lock()
	defer tx.target.mu.Unlock()
	for _, l := range tx.target.locs {
		if l.ID == id {
			return l, true
		}
	}
	return catalog.Location{}, false
}

func (tx *memTx) UpsertLocation(_ context.Context, loc *catalog.Location) (migration.UpsertResult, error) {
	if err := tx.target.failOn[loc.ExternalID]; err != nil {
		return migration.UpsertResult{}, err
	}
	k := key(loc.Source, loc.ExternalID)
	rec := *loc
	res := migration.UpsertResult{}
	if existing, ok := tx.lookupLoc(k); ok {
		rec.ID, rec.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		rec.ID = tx.target.nextID.Add(1)
		rec.CreatedAt = time.Now()
		res.Inserted = true
	}
	rec.UpdatedAt = time.Now()
	tx.locs[k] = rec
	res.ID = rec.ID
	return res, nil
}

func (tx *memTx) UpsertEvent(_ context.Context, ev *catalog.Event) (migration.UpsertResult, error) {
	if err := tx.target.failOn[ev.ExternalID]; err != nil {
		return migration.UpsertResult{}, err
	}
	if ev.LocationID != nil {
		if _, ok := tx.locationByID(*ev.LocationID); !ok {
			return migration.UpsertResult{}, &catalog.ConstraintViolation{Constraint: "events_location_id_fkey", Err: fmt.Errorf("missing location %d", *ev.LocationID)}
		}
	}
	k := key(ev.Source, ev.ExternalID)
	rec := *ev
	res := migration.UpsertResult{}
	if existing, ok := tx.lookupEvent(k); ok {
		rec.ID, rec.CreatedAt = existing.ID, existing.CreatedAt
	} else {
		rec.ID = tx.target.nextID.Add(1)
		rec.CreatedAt = time.Now()
		res.Inserted = true
	}
	tx.evs[k] = rec
	res.ID = rec.ID
	return res, nil
}

func (tx *memTx) Commit(_ context.Context) error {
	if tx.done {
		return fmt.Errorf("tx already closed")
	}
	tx.done = true
	if tx.parent != nil {
		for k, l := range tx.locs {
			tx.parent.locs[k] = l
		}
		for k, e := range tx.evs {
			tx.parent.evs[k] = e
		}
		return nil
	}
	tx.target.mu.Lock()
	defer tx.target.mu.Unlock()
	for k, l := range tx.locs {
		tx.target.locs[k] = l
	}
	for k, e := range tx.evs {
		tx.target.evs[k] = e
	}
	tx.target.commits.Add(1)
	tx.target.pool.release()
	return nil
}

func (tx *memTx) Rollback(_ context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.locs, tx.evs = nil, nil
	if tx.parent == nil {
		tx.target.pool.release()
	}
	return nil
}

// ---- in-memory SourceReader ----

type memSource struct {
	mu   sync.Mutex
	rows map[string][]mapping.Row
	// onRow runs before row i (0-based) is handed to the executor.
	onRow func(source string, i int)
	// failAt returns an error instead of row failAt (1-based) when set.
	failAt int
	// undecodable hands these rows (0-based) over as decode errors.
	undecodable map[int]error
	pool        *connPool
}

func newMemSource() *memSource {
	return &memSource{rows: make(map[string][]mapping.Row)}
}

func (s *memSource) set(source string, rows []mapping.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[source] = rows
}

func (s *memSource) Each(ctx context.Context, m mapping.Mapping, limit int, fn migration.RowFunc) error {
	if err := s.pool.acquire(ctx); err != nil {
		return err
	}
	defer s.pool.release()

	s.mu.Lock()
	rows := s.rows[m.Source()]
	s.mu.Unlock()

	for i, row := range rows {
		if limit > 0 && i >= limit {
			break
		}
		if s.failAt > 0 && i+1 == s.failAt {
			return &catalog.ConnectivityError{Op: "reading source", Err: fmt.Errorf("server closed the connection")}
		}
		if s.onRow != nil {
			s.onRow(m.Source(), i)
		}
		if derr := s.undecodable[i]; derr != nil {
			if err := fn(nil, derr); err != nil {
				return err
			}
			continue
		}
		if err := fn(row, nil); err != nil {
			return err
		}
	}
	return nil
}
