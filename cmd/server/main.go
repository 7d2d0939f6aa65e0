package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/roamdata/migrator/internal/api"
	"github.com/roamdata/migrator/internal/app"
	"github.com/roamdata/migrator/internal/config"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(log); err != nil {
		log.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	bearerToken := mustEnv("BEARER_TOKEN")

	cfg, err := config.Load(os.Getenv("MIGRATOR_CONFIG"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := context.Background()

	// Runs started over HTTP outlive their request but not the process.
	runCtx, stopRuns := context.WithCancel(ctx)
	defer stopRuns()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := app.New(ctx, cfg, log, app.Options{
		AppName:     "migrator-server",
		ApplySchema: true,
		Registerer:  reg,
		BaseContext: runCtx,
	})
	if err != nil {
		return err
	}
	defer eng.Close()

	sched, err := newScheduler(eng.Config, eng.Executor, eng.Watchdog, log)
	if err != nil {
		return fmt.Errorf("building scheduler: %w", err)
	}
	sched.Start()

	handlers := api.NewHandlers(eng.Executor, eng.Tracker, eng.Registry, log)

	dbPinger := &pgxPoolPinger{pool: eng.Target}
	var redisPinger interface {
		Ping(ctx context.Context) error
	}
	if eng.Redis != nil {
		redisPinger = &redisPingerAdapter{client: eng.Redis}
	}

	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	router := api.NewRouter(handlers, bearerToken, dbPinger, redisPinger, metricsHandler, log)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("server goroutine panicked", "recover", r)
				errCh <- fmt.Errorf("server panicked: %v", r)
			}
		}()
		log.Info("server starting", "port", cfg.Server.Port, "sources", eng.Registry.Sources())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listening: %w", err)
		}
	}()

	select {
	case sig := <-quit:
		log.Info("shutdown signal received", "signal", sig)
	case err := <-errCh:
		sched.Stop()
		stopRuns()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownWait())
	defer cancel()

	<-sched.Stop().Done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}

	// In-flight runs stop at the next row boundary and record themselves cancelled.
	stopRuns()
	if !waitRuns(shutdownCtx, eng.Executor.Wait) {
		log.Warn("runs still finishing at shutdown deadline; the watchdog will fail them")
	}

	log.Info("server shut down cleanly")
	return nil
}

// waitRuns reports whether wait returned before ctx expired.
func waitRuns(ctx context.Context, wait func()) bool {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable not set", "key", key)
		os.Exit(1)
	}
	return v
}

// pgxPoolPinger adapts pgxpool.Pool to the api.dbPinger interface.
type pgxPoolPinger struct {
	pool interface {
		Ping(ctx context.Context) error
	}
}

func (p *pgxPoolPinger) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// redisPingerAdapter adapts redis.Client to the api.redisPinger interface.
type redisPingerAdapter struct {
	client *redis.Client
}

func (r *redisPingerAdapter) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
