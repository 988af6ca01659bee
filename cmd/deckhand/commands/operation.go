package commands

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/planner"
)

// operationOptions are the flags of every operation command.
type operationOptions struct {
	descriptor string
	dryRun     bool
	timeout    time.Duration
}

func (o *operationOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.descriptor, "file", "f", "deckhand.yaml", "descriptor file or directory")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "print the plan without committing it")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 0, "cancel the commit after this long (0 = no limit)")
}

// newOperationCommand builds a command running one planner operation.
func newOperationCommand(opts *globalOptions, use, short string, op planner.Operation, envID *string) *cobra.Command {
	var oo operationOptions
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := ""
			if envID != nil {
				env = *envID
			}
			return runOperation(cmd.Context(), cmd.OutOrStdout(), opts, &oo, op, env)
		},
	}
	oo.bind(cmd)
	return cmd
}

func runOperation(ctx context.Context, out io.Writer, opts *globalOptions, oo *operationOptions, op planner.Operation, envID string) error {
	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	desc, err := a.loadDescriptor(ctx, oo.descriptor)
	if err != nil {
		return err
	}
	return a.execute(ctx, out, desc, op, envID, oo, opts.jsonOutput)
}

// execute plans an operation in a new session and commits it. A failed
// commit is returned as an exitError carrying the result's exit code.
func (a *app) execute(ctx context.Context, out io.Writer, desc *config.Descriptor, op planner.Operation, envID string, oo *operationOptions, asJSON bool) error {
	session, err := a.engine.NewSession(ctx, a.planner.SessionContext(desc, envID))
	if err != nil {
		return err
	}
	defer session.Close()

	tx, err := session.Transaction()
	if err != nil {
		return err
	}
	if err := a.planner.Populate(tx, op, desc, envID); err != nil {
		_ = tx.Discard()
		return err
	}

	graph, err := tx.Plan()
	if err != nil {
		_ = tx.Discard()
		return err
	}

	if oo.dryRun {
		if err := printPlan(out, tx.Actions(), graph, asJSON); err != nil {
			_ = tx.Discard()
			return err
		}
		return tx.Discard()
	}

	a.logger.Info().
		Str("operation", string(op)).
		Str("cluster_id", desc.Cluster.ID).
		Str("environment_id", envID).
		Str("transaction_id", tx.ID).
		Int("actions", len(graph.Order)).
		Msg("Starting operation")

	if oo.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, oo.timeout)
		defer cancel()
	}

	result, err := tx.Commit(ctx)
	if err != nil {
		return err
	}
	a.telemetry.RecordResult(result)

	if asJSON {
		if err := printJSON(out, newResultView(result, graph)); err != nil {
			return err
		}
	} else {
		printResult(out, result, graph)
	}

	if !result.IsOk() {
		return &exitError{code: result.Kind.ExitCode(), err: result.Error()}
	}
	return nil
}

func requireEnv(envID *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if *envID == "" {
			return engine.NewConfigurationError("--env is required", nil).WithCode(engine.ErrCodeValidation)
		}
		return nil
	}
}
