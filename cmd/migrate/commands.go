package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roamdata/migrator/internal/app"
	"github.com/roamdata/migrator/internal/config"
	"github.com/roamdata/migrator/internal/mapping"
	"github.com/roamdata/migrator/internal/migration"
)

// engine is the part of app.App the commands use.
type engine interface {
	Run(ctx context.Context, source string, opts migration.RunOptions) (*migration.Run, error)
	Status(ctx context.Context, id string) (*migration.Run, error)
	Logs(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Close()
}

// connector builds an engine from the environment.
type connector func(ctx context.Context, log *slog.Logger) (engine, error)

type appEngine struct{ *app.App }

func (e appEngine) Run(ctx context.Context, source string, opts migration.RunOptions) (*migration.Run, error) {
	return e.Executor.Run(ctx, source, opts)
}
func (e appEngine) Status(ctx context.Context, id string) (*migration.Run, error) {
	return e.Tracker.Status(ctx, id)
}
func (e appEngine) Logs(ctx context.Context, id string) (string, error) {
	return e.Tracker.Logs(ctx, id)
}
func (e appEngine) Cancel(ctx context.Context, id string) (bool, error) {
	return e.Tracker.Cancel(ctx, id)
}

func connect(ctx context.Context, log *slog.Logger) (engine, error) {
	cfg, err := config.Load(os.Getenv("MIGRATOR_CONFIG"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	a, err := app.New(ctx, cfg, log, app.Options{AppName: "migrator-cli"})
	if err != nil {
		return nil, err
	}
	return appEngine{a}, nil
}

func newRootCmd(log *slog.Logger, conn connector) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "migrate",
		Short:         "Consolidate scraped sources into the locations and events store",
		SilenceUsage:  true,
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.AddCommand(
		newRunCmd(log, conn),
		newSourcesCmd(),
		newStatusCmd(log, conn),
		newLogsCmd(log, conn),
		newCancelCmd(log, conn),
	)
	return cmd
}

func newRunCmd(log *slog.Logger, conn connector) *cobra.Command {
	var (
		sources     []string
		limit       int
		batchSize   int
		triggeredBy string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run migrations for one or more sources",
		Long: "Run migrations for one or more sources. Distinct sources run concurrently.\n" +
			"Rows that fail validation are counted, not fatal; the exit code is non-zero\n" +
			"only when a run fails as a whole.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := conn(ctx, log)
			if err != nil {
				return err
			}
			defer eng.Close()

			return runSources(ctx, eng, dedupe(sources), migration.RunOptions{
				Limit:       limit,
				BatchSize:   batchSize,
				TriggeredBy: triggeredBy,
			}, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVarP(&sources, "source", "s", nil, "source to migrate (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows per source, 0 for all")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "rows per commit, 0 for the configured default")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "cli", "actor recorded with the run")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// runSources runs each source on its own goroutine and reports every run.
// One source failing does not stop the others.
func runSources(ctx context.Context, eng engine, sources []string, opts migration.RunOptions, out io.Writer) error {
	runs := make([]*migration.Run, len(sources))
	errs := make([]error, len(sources))

	var g errgroup.Group
	for i, src := range sources {
		g.Go(func() error {
			runs[i], errs[i] = eng.Run(ctx, src, opts)
			return nil
		})
	}
	_ = g.Wait()

	for i, src := range sources {
		printSummary(out, src, runs[i], errs[i])
	}
	return errors.Join(errs...)
}

func printSummary(out io.Writer, source string, run *migration.Run, err error) {
	if run == nil {
		fmt.Fprintf(out, "%s: %v\n", source, err)
		return
	}
	c := run.Counts
	fmt.Fprintf(out, "%s: %s run=%s processed=%d inserted=%d updated=%d skipped=%d failed=%d locations=%d events=%d duration=%s\n",
		source, run.Status, run.ID, c.Processed, c.Inserted, c.Updated, c.Skipped, c.Failed, c.Locations, c.Events, run.Duration)
	if run.Error != "" {
		fmt.Fprintf(out, "%s: error: %s\n", source, run.Error)
	}
}

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List registered sources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := mapping.Default()
			names := reg.Sources()
			sort.Strings(names)
			for _, name := range names {
				m, err := reg.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %-9s schema=%s\n", name, m.Kind(), m.Schema())
			}
			return nil
		},
	}
}

func newStatusCmd(log *slog.Logger, conn connector) *cobra.Command {
	return &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := conn(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer eng.Close()

			run, err := eng.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		},
	}
}

func newLogsCmd(log *slog.Logger, conn connector) *cobra.Command {
	return &cobra.Command{
		Use:   "logs RUN_ID",
		Short: "Print the captured log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := conn(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer eng.Close()

			logs, err := eng.Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), logs)
			return err
		},
	}
}

func newCancelCmd(log *slog.Logger, conn connector) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Request cancellation of a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := conn(cmd.Context(), log)
			if err != nil {
				return err
			}
			defer eng.Close()

			ok, err := eng.Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "run %s already finished\n", args[0])
			}
			return nil
		},
	}
}
