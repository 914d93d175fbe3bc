package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/ethpandaops/conformoor/pkg/api"
	"github.com/ethpandaops/conformoor/pkg/catalog"
	"github.com/ethpandaops/conformoor/pkg/executor"
	"github.com/ethpandaops/conformoor/pkg/metrics"
	"github.com/ethpandaops/conformoor/pkg/scheduler"
	"github.com/ethpandaops/conformoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var exitOnComplete bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the catalog and serve the dashboard",
	Long: `Load the test catalog, start the worker pool and the status server.
Tests that already have a recorded outcome are skipped, so an interrupted
run resumes where it stopped.`,
	RunE: runOrchestrator,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&exitOnComplete, "exit-on-complete", false,
		"Exit once every catalog entry has settled instead of serving until interrupted")
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()

	ids, err := catalog.Load(fs, cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}

	grouper, err := catalog.NewGrouper(
		cfg.Catalog.GroupAnchor, cfg.Catalog.GroupDepth, cfg.Catalog.GroupFallback,
	)
	if err != nil {
		return fmt.Errorf("creating grouper: %w", err)
	}

	log.WithFields(logrus.Fields{
		"tests":  len(ids),
		"groups": len(grouper.Sizes(ids)),
		"path":   cfg.Catalog.Path,
	}).Info("Catalog loaded")

	// Setup context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	st := store.NewStore(log, &cfg.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close results database")
		}
	}()

	exec, err := executor.NewExecutor(log, &executor.Config{
		Binary:      cfg.Executor.Binary,
		Args:        cfg.Executor.Args,
		ProjectRoot: cfg.Executor.ProjectRoot,
		Timeout:     cfg.Executor.Timeout(),
	})
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	var recorder scheduler.Recorder

	if cfg.Metrics.Enabled {
		m := metrics.New()
		recorder = m

		msrv := metrics.NewServer(log, cfg.Metrics.Listen, m)
		if err := msrv.Start(ctx); err != nil {
			return fmt.Errorf("starting metrics server: %w", err)
		}

		defer func() {
			if err := msrv.Stop(); err != nil {
				log.WithError(err).Warn("Metrics server stop error")
			}
		}()
	}

	pool := scheduler.NewPool(log, &scheduler.Config{
		Workers:           cfg.Scheduler.Workers,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
	}, ids, st, exec, recorder)

	srv := api.NewServer(log, &cfg.Server, fs, api.Deps{
		Catalog:   ids,
		Grouper:   grouper,
		Store:     st,
		Pool:      pool,
		TimeoutMS: cfg.Executor.TimeoutMS,
	})

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting status server: %w", err)
	}

	defer func() {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Warn("Status server stop error")
		}
	}()

	start := time.Now()

	if err := pool.Start(ctx); err != nil {
		return fmt.Errorf("starting worker pool: %w", err)
	}

	defer func() {
		if err := pool.Stop(); err != nil {
			log.WithError(err).Warn("Worker pool stop error")
		}
	}()

	if !exitOnComplete {
		<-ctx.Done()

		return nil
	}

	if err := pool.Wait(ctx); err != nil {
		// Interrupted before the catalog drained.
		return nil
	}

	logCompletion(ctx, st, pool.Snapshot(), time.Since(start))

	return nil
}

func logCompletion(
	ctx context.Context, st store.Store, snap scheduler.Snapshot, elapsed time.Duration,
) {
	fields := logrus.Fields{
		"tests":   snap.Total,
		"skipped": snap.Skipped,
		"elapsed": units.HumanDuration(elapsed),
	}

	totals, err := st.Aggregate(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to aggregate results")

		totals = &store.Totals{Tally: snap.Tally, Total: snap.Completed()}
	}

	fields["passed"] = totals.Passed
	fields["failed"] = totals.Failed
	fields["timed_out"] = totals.TimedOut

	log.WithFields(fields).Info("Catalog completed")
}
