package migration

import (
	"context"
	"sync"
)

// LocalFlags is an in-process CancelFlags, used when no Redis is configured.
type LocalFlags struct {
	mu     sync.Mutex
	raised map[string]struct{}
}

// NewLocalFlags returns an empty flag set.
func NewLocalFlags() *LocalFlags {
	return &LocalFlags{raised: make(map[string]struct{})}
}

func (f *LocalFlags) Raise(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raised[runID] = struct{}{}
	return nil
}

func (f *LocalFlags) Raised(_ context.Context, runID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.raised[runID]
	return ok, nil
}

func (f *LocalFlags) Clear(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.raised, runID)
	return nil
}
