package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roamdata/migrator/internal/migration"
)

const defaultTTL = time.Hour

// RunCache wraps a Redis client and stores migration run snapshots for status polling.
type RunCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunCache constructs a RunCache. A non-positive ttl selects one hour.
func NewRunCache(client *redis.Client, ttl time.Duration) *RunCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RunCache{client: client, ttl: ttl}
}

// runKey returns the Redis key for the given run id.
func runKey(id string) string {
	return "migration:run:" + id
}

// Get retrieves a run snapshot from cache.
// Returns nil, nil on a cache miss (not an error).
func (c *RunCache) Get(ctx context.Context, id string) (*migration.Run, error) {
	val, err := c.client.Get(ctx, runKey(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("cache get for run %s: %w", id, err)
	}

	var run migration.Run
	if err := json.Unmarshal([]byte(val), &run); err != nil {
		return nil, fmt.Errorf("unmarshaling cached run %s: %w", id, err)
	}

	return &run, nil
}

// Set stores a run snapshot with the configured TTL.
func (c *RunCache) Set(ctx context.Context, run *migration.Run) error {
	if run == nil {
		return nil
	}

	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run %s: %w", run.ID, err)
	}

	if err := c.client.Set(ctx, runKey(run.ID), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set for run %s: %w", run.ID, err)
	}

	return nil
}

// Delete removes the cached snapshot of a run.
func (c *RunCache) Delete(ctx context.Context, id string) error {
	if err := c.client.Del(ctx, runKey(id)).Err(); err != nil {
		return fmt.Errorf("cache delete for run %s: %w", id, err)
	}
	return nil
}
