package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/stores"
)

// openJournal opens the journal named by the settings without wiring an
// engine.
func openJournal(ctx context.Context, opts *globalOptions) (*stores.SQLiteStore, error) {
	settings, err := loadSettings(opts)
	if err != nil {
		return nil, err
	}
	if !settings.Journal.Enabled {
		return nil, errors.New("the journal is disabled (journal.enabled)")
	}
	return openStore(ctx, settings.Journal.Path)
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the transaction journal",
		Long: `Inspect committed transactions, their actions and events.

Unrecoverable transactions left infrastructure in an unknown state and need
an operator; 'history unresolved' lists them.`,
	}

	cmd.AddCommand(
		newHistoryListCommand(opts),
		newHistoryShowCommand(opts),
		newHistoryUnresolvedCommand(opts),
		newHistoryAuditCommand(opts),
		newHistoryPruneCommand(opts),
	)
	return cmd
}

func newHistoryListCommand(opts *globalOptions) *cobra.Command {
	var (
		filter stores.TransactionFilter
		result string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List transactions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if result != "" {
				kind := engine.ResultKind(result)
				if err := kind.Validate(); err != nil {
					return err
				}
				filter.Result = kind
			}

			store, err := openJournal(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListTransactions(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}
			return printTransactions(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().StringVar(&filter.ClusterID, "cluster", "", "filter by cluster ID")
	cmd.Flags().StringVar(&filter.EnvironmentID, "env", "", "filter by environment ID")
	cmd.Flags().StringVar(&result, "result", "", "filter by result (ok, rollback, unrecoverable)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 20, "maximum number of transactions")
	return cmd
}

func newHistoryShowCommand(opts *globalOptions) *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:   "show TRANSACTION_ID",
		Short: "Show the actions and events of a transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openJournal(ctx, opts)
			if err != nil {
				return err
			}
			defer store.Close()

			rec, err := store.GetTransaction(ctx, args[0])
			if err != nil {
				if errors.Is(err, stores.ErrNotFound) {
					return fmt.Errorf("transaction %s not found", args[0])
				}
				return err
			}
			actions, err := store.ListActions(ctx, rec.ID)
			if err != nil {
				return err
			}
			var events []*engine.Event
			if showEvents {
				events, err = store.ListEvents(ctx, stores.EventFilter{TransactionID: rec.ID, Limit: -1})
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, struct {
					Transaction *engine.TransactionRecord `json:"transaction"`
					Actions     []*engine.ActionRecord    `json:"actions"`
					Events      []*engine.Event           `json:"events,omitempty"`
				}{rec, actions, events})
			}
			return printTransaction(out, rec, actions, events)
		},
	}

	cmd.Flags().BoolVar(&showEvents, "events", false, "include lifecycle events")
	return cmd
}

func newHistoryUnresolvedCommand(opts *globalOptions) *cobra.Command {
	var clusterID string

	cmd := &cobra.Command{
		Use:   "unresolved",
		Short: "List unrecoverable transactions awaiting an operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJournal(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListUnrecoverable(cmd.Context(), clusterID)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No unrecoverable transactions")
				return nil
			}
			return printTransactions(cmd.OutOrStdout(), records)
		},
	}

	cmd.Flags().StringVar(&clusterID, "cluster", "", "limit to one cluster")
	return cmd
}

func newHistoryAuditCommand(opts *globalOptions) *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List audit entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openJournal(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close()

			var actionFilter *string
			if action != "" {
				actionFilter = &action
			}
			entries, err := store.ListAuditEntries(cmd.Context(), actionFilter, nil, limit, 0)
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), entries)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tACTION\tACTOR\tTARGET\tDETAILS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime),
					e.Action, e.Actor, deref(e.TargetID), deref(e.Details))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "filter by audit action")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of entries")
	return cmd
}

func newHistoryPruneCommand(opts *globalOptions) *cobra.Command {
	var before time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete transactions older than a retention period",
		Example: `  # Keep 30 days of history
  deckhand history prune --before 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if before <= 0 {
				return errors.New("--before must be positive")
			}
			store, err := openJournal(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := store.PruneTransactions(cmd.Context(), time.Now().Add(-before))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d transaction(s)\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&before, "before", 0, "prune transactions started longer ago than this")
	_ = cmd.MarkFlagRequired("before")
	return cmd
}

func printTransactions(w io.Writer, records []*engine.TransactionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tCLUSTER\tENV\tOPERATION\tRESULT\tACTIONS")
	for _, r := range records {
		result := string(r.Result)
		if result == "" {
			result = string(r.State)
		}
		env := r.EnvironmentID
		if env == "" {
			env = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n", r.ID, r.StartedAt.Local().Format(time.DateTime),
			r.ClusterID, env, r.Operation, result, r.ActionCount)
	}
	return tw.Flush()
}

func printTransaction(w io.Writer, rec *engine.TransactionRecord, actions []*engine.ActionRecord, events []*engine.Event) error {
	fmt.Fprintf(w, "Transaction: %s\n", rec.ID)
	fmt.Fprintf(w, "Cluster:     %s\n", rec.ClusterID)
	if rec.EnvironmentID != "" {
		fmt.Fprintf(w, "Environment: %s\n", rec.EnvironmentID)
	}
	fmt.Fprintf(w, "Operation:   %s\n", rec.Operation)
	fmt.Fprintf(w, "State:       %s\n", rec.State)
	if rec.Result != "" {
		fmt.Fprintf(w, "Result:      %s\n", rec.Result)
	}
	fmt.Fprintf(w, "Started:     %s\n", rec.StartedAt.Local().Format(time.RFC3339))
	if rec.CompletedAt != nil {
		fmt.Fprintf(w, "Duration:    %s\n", rec.CompletedAt.Sub(rec.StartedAt).Round(time.Millisecond))
	}
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:       %s\n", rec.Error)
	}
	if rec.RollbackError != "" {
		fmt.Fprintf(w, "Rollback:    %s\n", rec.RollbackError)
	}

	fmt.Fprintln(w, "\nActions:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, a := range actions {
		fmt.Fprintf(tw, "  %s\t%s\t%s\tattempts=%d\t%s\n", a.ActionID, a.Kind, a.Status, a.Attempts, a.Error)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(events) > 0 {
		fmt.Fprintln(w, "\nEvents:")
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, e := range events {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.TimeOnly),
				e.Level, e.Type, e.ActionID, e.Message)
		}
		return tw.Flush()
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}
