package commands

import (
	"github.com/spf13/cobra"

	"github.com/deckhand-io/deckhand/pkg/planner"
)

func newClusterCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Create, pause or delete the descriptor's cluster",
		Long: `Run a cluster operation as one transaction.

create provisions the network, the cluster, its node groups and addons.
pause scales the cluster down without deleting it.
delete removes addons, node groups, the cluster and its network. Deletions
cannot be rolled back: a failed delete retains what was already removed.`,
		Example: `  # Preview the actions of a cluster creation
  deckhand cluster create -f cluster.yaml --dry-run

  # Create the cluster
  deckhand cluster create -f cluster.yaml`,
	}

	cmd.AddCommand(
		newOperationCommand(opts, "create", "Provision the cluster", planner.OperationClusterCreate, nil),
		newOperationCommand(opts, "pause", "Pause the cluster", planner.OperationClusterPause, nil),
		newOperationCommand(opts, "delete", "Delete the cluster", planner.OperationClusterDelete, nil),
	)
	return cmd
}
