package api

import (
	"context"

	"github.com/roamdata/migrator/internal/migration"
)

// RunStarter starts migrations in the background. *migration.Executor satisfies it.
type RunStarter interface {
	Start(ctx context.Context, source string, opts migration.RunOptions) (*migration.Run, error)
}

// RunTracker serves run status, logs and cancellation. *migration.Tracker satisfies it.
type RunTracker interface {
	Status(ctx context.Context, id string) (*migration.Run, error)
	Logs(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// SourceLister lists registered sources. *mapping.Registry satisfies it.
type SourceLister interface {
	Sources() []string
}
