package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/roamdata/migrator/internal/catalog"
	"github.com/roamdata/migrator/internal/config"
	"github.com/roamdata/migrator/internal/migration"
)

type runStarter interface {
	Start(ctx context.Context, source string, opts migration.RunOptions) (*migration.Run, error)
}

type sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// newScheduler registers the watchdog sweep and every scheduled source.
// A scheduled tick that finds its source already running is logged and dropped.
func newScheduler(cfg *config.Config, runs runStarter, watchdog sweeper, log *slog.Logger) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.Recover(cronLogger{log})))

	if _, err := c.AddFunc(cfg.Migration.WatchdogSchedule, func() {
		_, _ = watchdog.Sweep(context.Background())
	}); err != nil {
		return nil, err
	}

	for _, source := range cfg.Scheduled() {
		sc := cfg.Sources[source]
		if _, err := c.AddFunc(sc.Schedule, func() {
			run, err := runs.Start(context.Background(), source, migration.RunOptions{
				Limit:       sc.Limit,
				TriggeredBy: "schedule",
			})
			switch {
			case errors.Is(err, catalog.ErrRunInProgress):
				log.Info("scheduled run skipped, source busy", "source", source)
			case err != nil:
				log.Error("scheduled run failed to start", "source", source, "err", err)
			default:
				log.Info("scheduled run started", "source", source, "run_id", run.ID)
			}
		}); err != nil {
			return nil, err
		}
		log.Info("source scheduled", "source", source, "schedule", sc.Schedule)
	}
	return c, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
