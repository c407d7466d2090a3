package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/livinlefevreloca/tasksync/internal/changefeed"
	"github.com/livinlefevreloca/tasksync/internal/orchestrator"
	"github.com/livinlefevreloca/tasksync/internal/records"
	"github.com/livinlefevreloca/tasksync/internal/repository"
	"github.com/spf13/cobra"
)

func runCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, configPath())
		},
	}
}

func runEngine(ctx context.Context, configPath string) error {
	a, err := openApp(ctx, configPath, false)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := a.logger
	logger.Info("starting tasksync", "version", Version)

	version, err := a.store.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	logger.Info("local store ready", "schema_version", version)

	repo := repository.New(a.store, a.queue, a.ids, logger.With("component", "repository"))

	if !a.cfg.Remote.Enabled {
		logger.Info("remote sync disabled, running local only")
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		return nil
	}

	if err := a.withRemote(); err != nil {
		return err
	}

	feed, err := changefeed.NewSubscriber(a.cfg.ChangeFeed, a.store, logger.With("component", "changefeed"))
	if err != nil {
		return err
	}
	feed.AddReloader(changefeed.ReloaderFunc(func(ctx context.Context, tables []records.Table) error {
		logger.Debug("tables reloaded", "tables", tables)
		return nil
	}))
	// The applier outlives the signal so buffered changes still land on
	// shutdown.
	feed.Start(context.WithoutCancel(ctx))
	defer func() {
		if err := feed.Shutdown(); err != nil {
			logger.Warn("failed to stop change feed", "error", err)
		}
	}()

	a.orch, err = orchestrator.NewOrchestrator(a.cfg.Sync, a.store, a.queue, a.client, a.ids, feed,
		logger.With("component", "orchestrator"))
	if err != nil {
		return err
	}
	repo.OnWrite(a.orch.RefreshCounts)

	cancelObserve := a.orch.Observe(func(st orchestrator.Status) {
		if st.Error != "" {
			logger.Warn("sync status", "state", st.State, "pending", st.PendingCount,
				"dead_letters", st.DeadLetterCount, "error", st.Error)
			return
		}
		logger.Debug("sync status", "state", st.State, "pending", st.PendingCount,
			"dead_letters", st.DeadLetterCount)
	})
	defer cancelObserve()

	if err := a.ids.Start(); err != nil {
		return err
	}
	if err := a.orch.Start(ctx); err != nil {
		return err
	}

	logger.Info("tasksync is running",
		"remote", a.cfg.Remote.URL,
		"tick_interval", a.cfg.Sync.TickInterval,
		"session_file", a.cfg.Identity.SessionFile)

	<-ctx.Done()

	logger.Info("shutting down gracefully")
	a.orch.Stop()
	return nil
}
