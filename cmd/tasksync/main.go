package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/livinlefevreloca/tasksync/internal/config"
	"github.com/livinlefevreloca/tasksync/internal/identity"
	"github.com/livinlefevreloca/tasksync/internal/logging"
	"github.com/livinlefevreloca/tasksync/internal/orchestrator"
	"github.com/livinlefevreloca/tasksync/internal/queue"
	"github.com/livinlefevreloca/tasksync/internal/remote"
	"github.com/livinlefevreloca/tasksync/internal/store"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "tasksync",
		Short:         "Offline-first sync engine for tasks, buckets and sessions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file (TOML)")

	configPath := func() string { return configFile }

	rootCmd.AddCommand(runCmd(configPath))
	rootCmd.AddCommand(syncCmd(configPath))
	rootCmd.AddCommand(statusCmd(configPath))
	rootCmd.AddCommand(deadLettersCmd(configPath))
	rootCmd.AddCommand(migrateCmd(configPath))

	return rootCmd
}

// app holds the components shared by every command. client and orch are
// only set by commands that talk to the remote.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer

	store *store.Store
	ids   *identity.FileProvider
	queue *queue.Queue

	client *remote.Client
	orch   *orchestrator.Orchestrator
}

// openApp loads and validates configuration, builds the logger and opens
// the local store.
func openApp(ctx context.Context, configPath string, skipMigrations bool) (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	a := &app{cfg: cfg, logger: logger, logCloser: logCloser}

	storeCfg := cfg.Store
	storeCfg.SkipMigrations = storeCfg.SkipMigrations || skipMigrations
	logger.Info("opening local store", "path", storeCfg.Path)
	a.store, err = store.Open(ctx, storeCfg, logger.With("component", "store"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	a.ids, err = identity.NewFileProvider(cfg.Identity.SessionFile, logger.With("component", "identity"))
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	a.queue = queue.New(a.store, queue.AuthenticatedGate(cfg.Remote.Enabled, a.ids), logger.With("component", "queue"))
	return a, nil
}

// withRemote builds the remote client. It fails when remote sync is
// disabled.
func (a *app) withRemote() error {
	if !a.cfg.Remote.Enabled {
		return fmt.Errorf("remote sync is disabled; set [remote] enabled = true")
	}

	backend, err := remote.NewHTTPBackend(a.cfg.Remote, a.ids, a.logger.With("component", "remote"))
	if err != nil {
		return err
	}
	a.client = remote.NewClient(backend, a.logger.With("component", "remote"))
	return nil
}

func (a *app) Close() {
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.ids != nil {
		if err := a.ids.Close(); err != nil {
			a.logger.Warn("failed to close identity watcher", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("failed to close store", "error", err)
		}
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}

func printStatus(w io.Writer, st orchestrator.Status) {
	fmt.Fprintf(w, "State:        %s\n", st.State)
	if !st.LastSyncedAt.IsZero() {
		fmt.Fprintf(w, "Last synced:  %s\n", st.LastSyncedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "Pending:      %d\n", st.PendingCount)
	fmt.Fprintf(w, "Dead letters: %d\n", st.DeadLetterCount)
	if st.Error != "" {
		fmt.Fprintf(w, "Error:        %s (%d failed steps)\n", st.Error, st.ErrorCount)
	}
}
