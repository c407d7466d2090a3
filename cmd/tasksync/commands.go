package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/livinlefevreloca/tasksync/internal/orchestrator"
	"github.com/spf13/cobra"
)

func syncCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one manual sync cycle and print the resulting status",
		Long: `Run one full cycle: claim local rows for the signed-in identity if needed,
pull every table, re-admit dead-lettered changes and flush the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, configPath(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.withRemote(); err != nil {
				return err
			}
			a.orch, err = orchestrator.NewOrchestrator(a.cfg.Sync, a.store, a.queue, a.client, a.ids, nil,
				a.logger.With("component", "orchestrator"))
			if err != nil {
				return err
			}

			syncErr := a.orch.SyncNow(ctx)
			a.client.Unsubscribe()
			printStatus(cmd.OutOrStdout(), a.orch.Status())
			return syncErr
		},
	}
}

func statusCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, configPath(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			return printLocalStatus(ctx, cmd, a)
		},
	}
}

func printLocalStatus(ctx context.Context, cmd *cobra.Command, a *app) error {
	version, err := a.store.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	pending, err := a.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	dead, err := a.queue.DeadLetterCount(ctx)
	if err != nil {
		return err
	}

	identity := "anonymous"
	if id := a.ids.Current(); id.Authenticated() {
		identity = id.UserID
	}
	remote := "disabled"
	if a.cfg.Remote.Enabled {
		remote = a.cfg.Remote.URL
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Store:          %s\n", a.store.Path())
	fmt.Fprintf(w, "Schema version: %d\n", version)
	fmt.Fprintf(w, "Remote:         %s\n", remote)
	fmt.Fprintf(w, "Identity:       %s\n", identity)
	fmt.Fprintf(w, "Pending:        %d\n", pending)
	fmt.Fprintf(w, "Dead letters:   %d\n", dead)
	return nil
}

func deadLettersCmd(configPath func() string) *cobra.Command {
	var (
		reset bool
		purge string
	)

	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "List, reset or purge changes that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if reset && purge != "" {
				return fmt.Errorf("--reset and --purge are mutually exclusive")
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, configPath(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			w := cmd.OutOrStdout()
			switch {
			case reset:
				n, err := a.queue.ResetDeadLetters(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "Reset %d dead letters\n", n)
				return nil

			case purge != "":
				if err := a.queue.Purge(ctx, purge); err != nil {
					return err
				}
				fmt.Fprintf(w, "Purged %s\n", purge)
				return nil
			}

			items, err := a.queue.DeadLetters(ctx)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(w, "No dead letters")
				return nil
			}

			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTABLE\tOP\tRECORD\tRETRIES\tLAST ERROR")
			for _, item := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
					item.ID, item.Table, item.Operation, item.RecordID, item.RetryCount, item.LastError)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&reset, "reset", false, "Make every dead letter eligible for the next flush")
	cmd.Flags().StringVar(&purge, "purge", "", "Remove the dead letter with this queue id")

	return cmd
}

func migrateCmd(configPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations to the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, configPath(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			version, err := a.store.Version(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", version)
			return nil
		},
	}
}
