package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/roamdata/migrator/internal/migration"
)

// Config is the process configuration: an optional YAML file overlaid by
// environment variables.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Database  DatabaseConfig          `yaml:"database"`
	Redis     RedisConfig             `yaml:"redis"`
	Migration MigrationConfig         `yaml:"migration"`
	Sources   map[string]SourceConfig `yaml:"sources"`
}

// ServerConfig holds admin HTTP settings.
type ServerConfig struct {
	Port string `yaml:"port"`
}

// DatabaseConfig holds connection strings. SourceURL is used for every source
// without its own DSN and defaults to URL, where the scraped schemas live.
type DatabaseConfig struct {
	URL       string `yaml:"url"`
	SourceURL string `yaml:"source_url"`
}

// RedisConfig holds the Redis connection string. Empty disables Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// MigrationConfig holds executor, tracker and watchdog tuning.
type MigrationConfig struct {
	BatchSize           int    `yaml:"batch_size"`
	CancelCheckEvery    int    `yaml:"cancel_check_every"`
	LogLimitBytes       int    `yaml:"log_limit_bytes"`
	HeartbeatSeconds    int    `yaml:"heartbeat_seconds"`
	StaleAfterSeconds   int    `yaml:"stale_after_seconds"`
	WatchdogSchedule    string `yaml:"watchdog_schedule"`
	RunCacheTTLSeconds  int    `yaml:"run_cache_ttl_seconds"`
	ShutdownWaitSeconds int    `yaml:"shutdown_wait_seconds"`
	StoreTimeoutSeconds int    `yaml:"store_timeout_seconds"`
}

// SourceConfig holds per-source overrides.
type SourceConfig struct {
	DSN      string `yaml:"dsn"`
	Schedule string `yaml:"schedule"`
	Limit    int    `yaml:"limit"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Migration: MigrationConfig{
			BatchSize:           migration.DefaultBatchSize,
			CancelCheckEvery:    1,
			LogLimitBytes:       migration.DefaultLogLimit,
			HeartbeatSeconds:    30,
			StaleAfterSeconds:   int(migration.DefaultHeartbeatTimeout / time.Second),
			WatchdogSchedule:    "@every 1m",
			RunCacheTTLSeconds:  3600,
			ShutdownWaitSeconds: 30,
			StoreTimeoutSeconds: int(migration.DefaultStoreTimeout / time.Second),
		},
		Sources: map[string]SourceConfig{},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
		if cfg.Sources == nil {
			cfg.Sources = map[string]SourceConfig{}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays DATABASE_URL, SOURCE_DATABASE_URL, REDIS_URL, PORT,
// MIGRATOR_BATCH_SIZE and SOURCE_DSN_<SOURCE>.
func (c *Config) applyEnv() error {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.SourceURL, "SOURCE_DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Server.Port, "PORT")

	if v := os.Getenv("MIGRATOR_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MIGRATOR_BATCH_SIZE: %w", err)
		}
		c.Migration.BatchSize = n
	}

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || v == "" || !strings.HasPrefix(k, "SOURCE_DSN_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(k, "SOURCE_DSN_"))
		sc := c.Sources[name]
		sc.DSN = v
		c.Sources[name] = sc
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (DATABASE_URL)")
	}
	if c.Migration.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	if c.Migration.CancelCheckEvery < 1 {
		return fmt.Errorf("cancel_check_every must be at least 1")
	}
	if c.Migration.LogLimitBytes < 1024 {
		return fmt.Errorf("log_limit_bytes must be at least 1024")
	}
	if c.Migration.StaleAfterSeconds <= c.Migration.HeartbeatSeconds {
		return fmt.Errorf("stale_after_seconds must exceed heartbeat_seconds")
	}
	if c.Migration.StoreTimeoutSeconds < 1 {
		return fmt.Errorf("store_timeout_seconds must be at least 1")
	}
	if _, err := cron.ParseStandard(c.Migration.WatchdogSchedule); err != nil {
		return fmt.Errorf("watchdog_schedule %q: %w", c.Migration.WatchdogSchedule, err)
	}
	for name, sc := range c.Sources {
		if sc.Schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(sc.Schedule); err != nil {
			return fmt.Errorf("sources.%s.schedule %q: %w", name, sc.Schedule, err)
		}
	}
	return nil
}

// SourceDSN returns the connection string used to read source.
func (c *Config) SourceDSN(source string) string {
	if sc, ok := c.Sources[source]; ok && sc.DSN != "" {
		return sc.DSN
	}
	if c.Database.SourceURL != "" {
		return c.Database.SourceURL
	}
	return c.Database.URL
}

// Scheduled returns the sources with a cron schedule, sorted.
func (c *Config) Scheduled() []string {
	var out []string
	for name, sc := range c.Sources {
		if sc.Schedule != "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// HeartbeatInterval returns the executor heartbeat interval.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Migration.HeartbeatSeconds) * time.Second
}

// StaleAfter returns the watchdog timeout.
func (c *Config) StaleAfter() time.Duration {
	return time.Duration(c.Migration.StaleAfterSeconds) * time.Second
}

// RunCacheTTL returns the TTL of cached run snapshots.
func (c *Config) RunCacheTTL() time.Duration {
	return time.Duration(c.Migration.RunCacheTTLSeconds) * time.Second
}

// ShutdownWait bounds how long the server waits for background runs on shutdown.
func (c *Config) ShutdownWait() time.Duration {
	return time.Duration(c.Migration.ShutdownWaitSeconds) * time.Second
}

// StoreTimeout bounds each run-store call of the tracker.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.Migration.StoreTimeoutSeconds) * time.Second
}
