package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultFlagTTL = 24 * time.Hour

// CancelFlags carries cancellation requests between the process that serves
// the admin surface and the process executing a run.
type CancelFlags struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCancelFlags constructs CancelFlags. Flags expire after a day so that a
// crashed executor never leaves one behind forever.
func NewCancelFlags(client *redis.Client) *CancelFlags {
	return &CancelFlags{client: client, ttl: defaultFlagTTL}
}

func flagKey(runID string) string {
	return "migration:cancel:" + runID
}

// Raise requests cancellation of a run.
func (f *CancelFlags) Raise(ctx context.Context, runID string) error {
	if err := f.client.Set(ctx, flagKey(runID), "1", f.ttl).Err(); err != nil {
		return fmt.Errorf("raising cancel flag for run %s: %w", runID, err)
	}
	return nil
}

// Raised reports whether cancellation of a run was requested.
func (f *CancelFlags) Raised(ctx context.Context, runID string) (bool, error) {
	n, err := f.client.Exists(ctx, flagKey(runID)).Result()
	if err != nil {
		return false, fmt.Errorf("checking cancel flag for run %s: %w", runID, err)
	}
	return n > 0, nil
}

// Clear removes the flag once the run reached a terminal state.
func (f *CancelFlags) Clear(ctx context.Context, runID string) error {
	if err := f.client.Del(ctx, flagKey(runID)).Err(); err != nil {
		return fmt.Errorf("clearing cancel flag for run %s: %w", runID, err)
	}
	return nil
}
