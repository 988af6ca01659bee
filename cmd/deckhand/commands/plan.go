package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deckhand-io/deckhand/pkg/engine"
	"github.com/deckhand-io/deckhand/pkg/planner"
	"github.com/deckhand-io/deckhand/pkg/providers"
)

func operationNames() []string {
	names := make([]string, len(planner.Operations))
	for i, op := range planner.Operations {
		names[i] = string(op)
	}
	return names
}

func newPlanCommand(opts *globalOptions) *cobra.Command {
	var (
		descriptor string
		envID      string
		dotFile    string
		showEnv    bool
	)

	cmd := &cobra.Command{
		Use:   "plan OPERATION",
		Short: "Show the actions of an operation without running them",
		Long: fmt.Sprintf(`Plan an operation and print its actions grouped by dependency level.
Actions in the same level may run in parallel.

Operations: %s`, strings.Join(operationNames(), ", ")),
		Example: `  # Plan an environment deployment
  deckhand plan environment_deploy -f cluster.yaml --env staging

  # Write the action graph for Graphviz
  deckhand plan cluster_create -f cluster.yaml --dot plan.dot`,
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

			builder := engine.NewDAGBuilder()
			graph, err := builder.BuildGraph(actions)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := printPlan(out, actions, graph, opts.jsonOutput); err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(builder.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				a.logger.Info().Str("path", dotFile).Msg("Action graph written")
			}

			if showEnv && !opts.jsonOutput {
				printToolEnv(out, a.engine.Collaborators())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&descriptor, "file", "f", "deckhand.yaml", "descriptor file or directory")
	cmd.Flags().StringVarP(&envID, "env", "e", "", "environment ID for environment operations")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the action graph in DOT format")
	cmd.Flags().BoolVar(&showEnv, "show-env", false, "print the tool environment with credentials masked")

	return cmd
}

// printToolEnv prints the variables steps pass to terraform, helm and docker.
func printToolEnv(w io.Writer, c engine.Collaborators) {
	env := make(map[string]string)
	if c.CloudAccount != nil {
		for k, v := range c.CloudAccount.Environ() {
			env[k] = v
		}
	}
	if c.DNSProvider != nil {
		for k, v := range c.DNSProvider.Environ() {
			env[k] = v
		}
	}

	fmt.Fprintln(w, "\nTool environment:")
	if len(env) == 0 {
		fmt.Fprintln(w, "  (none)")
		return
	}
	for _, line := range providers.Redact(env) {
		fmt.Fprintf(w, "  %s\n", line)
	}
}
