package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/roamdata/migrator/internal/cache"
	"github.com/roamdata/migrator/internal/config"
	"github.com/roamdata/migrator/internal/mapping"
	"github.com/roamdata/migrator/internal/metrics"
	"github.com/roamdata/migrator/internal/migration"
	"github.com/roamdata/migrator/internal/storage"
)

// App is the wired migration engine shared by the CLI and the admin server.
type App struct {
	Config   *config.Config
	Registry *mapping.Registry
	Tracker  *migration.Tracker
	Executor *migration.Executor
	Watchdog *migration.Watchdog
	Metrics  *metrics.Recorder
	Target   *pgxpool.Pool
	Redis    *redis.Client

	pools []*pgxpool.Pool
}

// Options tune how New wires the engine.
type Options struct {
	// AppName tags database sessions.
	AppName string
	// ApplySchema runs the bundled schema files against the target.
	ApplySchema bool
	// Registerer receives the prometheus collectors; nil disables metrics.
	Registerer prometheus.Registerer
	// BaseContext is the context runs started in the background execute under.
	BaseContext context.Context
}

// New connects to the target, source and Redis databases and wires the engine.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, Registry: mapping.Default()}

	target, err := storage.Connect(ctx, cfg.Database.URL, opts.AppName,
		storage.WithMinMaxConns(targetConns(len(a.Registry.Sources()))))
	if err != nil {
		return nil, fmt.Errorf("connecting to target database: %w", err)
	}
	a.Target = target
	a.pools = append(a.pools, target)

	if opts.ApplySchema {
		if err := storage.ApplySchema(ctx, target); err != nil {
			a.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
		log.Info("schema applied")
	}

	reader, err := a.sourceReader(ctx, opts.AppName)
	if err != nil {
		a.Close()
		return nil, err
	}

	trackerOpts := []migration.TrackerOption{
		migration.WithLogLimit(cfg.Migration.LogLimitBytes),
		migration.WithTrackerLogger(log),
		migration.WithStoreTimeout(cfg.StoreTimeout()),
	}
	var flags migration.CancelFlags
	if cfg.Redis.URL != "" {
		client, err := cache.Connect(ctx, cfg.Redis.URL, opts.AppName)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		a.Redis = client
		flags = cache.NewCancelFlags(client)
		trackerOpts = append(trackerOpts, migration.WithRunCache(cache.NewRunCache(client, cfg.RunCacheTTL())))
	} else {
		log.Warn("REDIS_URL not set: run cache disabled, cancel requests are read from the database")
	}

	a.Tracker = migration.NewTracker(storage.NewRunRepository(target), flags, trackerOpts...)

	execOpts := []migration.Option{
		migration.WithLogger(log),
		migration.WithBatchSize(cfg.Migration.BatchSize),
		migration.WithCancelCheckEvery(cfg.Migration.CancelCheckEvery),
		migration.WithHeartbeatInterval(cfg.HeartbeatInterval()),
	}
	if opts.Registerer != nil {
		a.Metrics = metrics.New(opts.Registerer)
		execOpts = append(execOpts, migration.WithObserver(a.Metrics))
	}
	if opts.BaseContext != nil {
		execOpts = append(execOpts, migration.WithBaseContext(opts.BaseContext))
	}
	a.Executor = migration.NewExecutor(a.Registry, reader, storage.NewTargetStore(target), a.Tracker, execOpts...)
	a.Watchdog = migration.NewWatchdog(a.Tracker, cfg.StaleAfter(), log)

	return a, nil
}

// targetConns sizes the target pool so that every source can hold a batch
// transaction while its tracker writes a heartbeat, with room left for the
// admin API and the watchdog.
func targetConns(sources int) int32 {
	return int32(2*sources + 2)
}

// sourceReader opens one pool per distinct source DSN. Source pools are never
// shared with the target: a run holds its source stream open for its whole
// duration, and must not compete with batch and tracker writes for connections.
func (a *App) sourceReader(ctx context.Context, appName string) (*storage.SourceReader, error) {
	sources := a.Registry.Sources()
	users := map[string]int{a.Config.SourceDSN(""): 0}
	for _, src := range sources {
		users[a.Config.SourceDSN(src)]++
	}

	byDSN := make(map[string]*pgxpool.Pool, len(users))
	open := func(dsn string) (*pgxpool.Pool, error) {
		if p, ok := byDSN[dsn]; ok {
			return p, nil
		}
		p, err := storage.Connect(ctx, dsn, appName, storage.WithMinMaxConns(int32(users[dsn]+1)))
		if err != nil {
			return nil, err
		}
		byDSN[dsn] = p
		a.pools = append(a.pools, p)
		return p, nil
	}

	shared, err := open(a.Config.SourceDSN(""))
	if err != nil {
		return nil, fmt.Errorf("connecting to source database: %w", err)
	}
	perSource := make(map[string]storage.SourcePool, len(sources))
	for _, src := range sources {
		p, err := open(a.Config.SourceDSN(src))
		if err != nil {
			return nil, fmt.Errorf("connecting to source database of %s: %w", src, err)
		}
		perSource[src] = p
	}
	return storage.NewSourceReader(shared, perSource), nil
}

// Close releases every connection New opened.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	for _, p := range a.pools {
		p.Close()
	}
}
