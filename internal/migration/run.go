package migration

import (
	"fmt"
	"time"

	"github.com/roamdata/migrator/internal/catalog"
)

// Status is the lifecycle state of a migration run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the allowed forward moves. Terminal states have none.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether moving from s to next keeps the run moving forward.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown run status %q", s)
}

// Outcome classifies what happened to one source row.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Counts are the running totals of a run. Processed is the number of source
// rows seen; Locations and Events tally entity writes.
type Counts struct {
	Processed int64 `json:"processed"`
	Inserted  int64 `json:"inserted"`
	Updated   int64 `json:"updated"`
	Skipped   int64 `json:"skipped"`
	Failed    int64 `json:"failed"`
	Locations int64 `json:"locations"`
	Events    int64 `json:"events"`
}

func (c *Counts) add(o Outcome) {
	c.Processed++
	switch o {
	case OutcomeInserted:
		c.Inserted++
	case OutcomeUpdated:
		c.Updated++
	case OutcomeSkipped:
		c.Skipped++
	case OutcomeFailed:
		c.Failed++
	}
}

// Params are the invocation parameters recorded with a run.
type Params struct {
	Limit     int `json:"limit,omitempty"`
	BatchSize int `json:"batch_size"`
}

// Run is the persisted record of one migration invocation.
type Run struct {
	ID          string        `json:"id"`
	Source      string        `json:"source"`
	Status      Status        `json:"status"`
	Counts      Counts        `json:"counts"`
	Params      Params        `json:"params"`
	TriggeredBy string        `json:"triggered_by"`
	Error       string        `json:"error,omitempty"`
	LogExcerpt  string        `json:"-"`
	CreatedAt   time.Time     `json:"created_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
	HeartbeatAt *time.Time    `json:"heartbeat_at,omitempty"`
	Duration    time.Duration `json:"duration_ns,omitempty"`
}

// Snapshot returns a copy safe to hand to another goroutine.
func (r *Run) Snapshot() *Run {
	cp := *r
	return &cp
}

// setStatus applies a forward transition and its timestamps.
func (r *Run) setStatus(next Status, errMsg string, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("run %s %s -> %s: %w", r.ID, r.Status, next, catalog.ErrInvalidTransition)
	}
	r.Status = next
	if errMsg != "" {
		r.Error = errMsg
	}
	switch {
	case next == StatusRunning:
		r.StartedAt = &now
		r.HeartbeatAt = &now
	case next.Terminal():
		r.FinishedAt = &now
		start := r.CreatedAt
		if r.StartedAt != nil {
			start = *r.StartedAt
		}
		r.Duration = now.Sub(start)
	}
	return nil
}
