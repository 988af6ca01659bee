package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/planner"
	"github.com/deckhand-io/deckhand/pkg/policy"
)

func newPolicyCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and test the policy gate",
		Long: `The policy gate evaluates every transaction before any action runs.
A violation of severity error or critical denies the transaction.

Built-in policies are always loaded; additional .rego or .json policies are
read from policy.dir.`,
	}

	cmd.AddCommand(newPolicyListCommand(opts), newPolicyCheckCommand(opts))
	return cmd
}

// policyGate returns the app's gate, or a standalone one when the gate is
// disabled in the settings.
func policyGate(ctx context.Context, a *app) (*policy.Engine, error) {
	if a.gate != nil {
		return a.gate, nil
	}
	gate, err := policy.NewEngine(a.logger)
	if err != nil {
		return nil, err
	}
	if dir := a.settings.Policy.Dir; dir != "" {
		if err := gate.LoadPolicies(ctx, []string{dir}); err != nil {
			return nil, err
		}
	}
	a.gate = gate
	return gate, nil
}

func newPolicyListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			gate, err := policyGate(cmd.Context(), a)
			if err != nil {
				return err
			}
			policies := gate.ListPolicies()
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), policies)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION")
			for _, p := range policies {
				source := p.Source
				if p.Builtin {
					source = "builtin"
				}
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", p.Name, p.Severity, p.Enabled, source, p.Description)
			}
			return tw.Flush()
		},
	}
}

func newPolicyCheckCommand(opts *globalOptions) *cobra.Command {
	var (
		descriptor string
		envID      string
	)

	cmd := &cobra.Command{
		Use:   "check OPERATION",
		Short: "Evaluate the policies against a planned operation",
		Example: `  # Would deleting production be allowed?
  deckhand policy check environment_delete -f cluster.yaml --env production`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: operationNames(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			op := planner.Operation(args[0])
			if err := op.Validate(); err != nil {
				return err
			}

			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			desc, err := a.loadDescriptor(ctx, descriptor)
			if err != nil {
				return err
			}
			actions, err := a.planner.Build(op, desc, envID)
			if err != nil {
				return err
			}
			gate, err := policyGate(ctx, a)
			if err != nil {
				return err
			}

			input := engine.NewPolicyInput("", a.planner.SessionContext(desc, envID), actions)
			result, err := gate.EvaluateTransaction(ctx, input)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				if err := printJSON(out, result); err != nil {
					return err
				}
			} else {
				for _, v := range result.Violations {
					target := ""
					if v.ActionID != "" {
						target = " [" + v.ActionID + "]"
					}
					fmt.Fprintf(out, "%-8s %s%s: %s\n", strings.ToUpper(v.Severity), v.Policy, target, v.Message)
				}
				if result.Allowed {
					fmt.Fprintf(out, "✓ %s allowed (%d action(s))\n", op, len(actions))
				} else {
					fmt.Fprintf(out, "✗ %s denied\n", op)
				}
			}

			if !result.Allowed {
				return &exitError{code: 1, err: errors.New("policy denied the operation")}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&descriptor, "file", "f", "deckhand.yaml", "descriptor file or directory")
	cmd.Flags().StringVarP(&envID, "env", "e", "", "environment ID for environment operations")
	return cmd
}
