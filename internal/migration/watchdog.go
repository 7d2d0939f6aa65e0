package migration

import (
	"context"
	"log/slog"
	"time"
)

// DefaultHeartbeatTimeout is how long a running run may go without a
// heartbeat before the watchdog fails it.
const DefaultHeartbeatTimeout = 10 * time.Minute

// Watchdog fails runs left behind by killed processes.
type Watchdog struct {
	tracker *Tracker
	timeout time.Duration
	log     *slog.Logger
}

// NewWatchdog constructs a Watchdog. timeout must comfortably exceed the
// time one commit batch takes.
func NewWatchdog(tracker *Tracker, timeout time.Duration, log *slog.Logger) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Watchdog{tracker: tracker, timeout: timeout, log: log}
}

// Sweep fails every stale run once and returns how many it failed.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	ids, err := w.tracker.FailStale(ctx, w.timeout)
	if err != nil {
		w.log.Error("watchdog sweep failed", "err", err)
		return 0, err
	}
	for _, id := range ids {
		w.log.Warn("run failed by watchdog", "run_id", id, "timeout", w.timeout)
	}
	return len(ids), nil
}
