package commands

import (
	"github.com/spf13/cobra"

	"github.com/deckhand-io/deckhand/pkg/planner"
)

func newEnvCommand(opts *globalOptions) *cobra.Command {
	var envID string

	cmd := &cobra.Command{
		Use:     "env",
		Aliases: []string{"environment"},
		Short:   "Deploy, pause or delete an environment",
		Long: `Run an environment operation as one transaction.

deploy creates the namespace, builds images and deploys databases,
applications and routers. If any action fails, everything deployed by the
transaction is rolled back.`,
		Example: `  # Deploy the staging environment
  deckhand env deploy -f cluster.yaml --env staging

  # Scale the staging environment to zero
  deckhand env pause -f cluster.yaml --env staging`,
		PersistentPreRunE: requireEnv(&envID),
	}

	cmd.PersistentFlags().StringVarP(&envID, "env", "e", "", "environment ID")

	cmd.AddCommand(
		newOperationCommand(opts, "deploy", "Deploy the environment", planner.OperationEnvironmentDeploy, &envID),
		newOperationCommand(opts, "pause", "Pause the environment", planner.OperationEnvironmentPause, &envID),
		newOperationCommand(opts, "delete", "Delete the environment", planner.OperationEnvironmentDelete, &envID),
	)
	return cmd
}
