package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deckhand-io/deckhand/pkg/config"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a deployment descriptor",
		Long: `Validate a YAML, JSON or CUE descriptor, or a directory of them.

This command checks:
  - CUE schema conformance
  - Field constraints (names, sizes, CIDRs)
  - References between applications, images, databases and routers`,
		Example: `  # Validate the default descriptor
  deckhand validate

  # Validate a directory of CUE files
  deckhand validate ./deploy`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "deckhand.yaml"
			if len(args) > 0 {
				path = args[0]
			}

			out := cmd.OutOrStdout()
			parsed, err := config.NewLoader(log.Logger).Load(cmd.Context(), path)
			if err != nil {
				var verrs config.ValidationErrors
				if !errors.As(err, &verrs) {
					return err
				}
				if opts.jsonOutput {
					if err := printJSON(out, verrs); err != nil {
						return err
					}
				} else {
					for _, e := range verrs {
						fmt.Fprintf(out, "✗ %s\n", e)
					}
				}
				return fmt.Errorf("%s: %d validation error(s)", path, len(verrs))
			}

			desc := parsed.Descriptor
			if opts.jsonOutput {
				return printJSON(out, parsed)
			}
			fmt.Fprintf(out, "✓ %s is valid\n", path)
			fmt.Fprintf(out, "  cluster %s on %s (%s)\n", desc.Cluster.ID, desc.Cluster.Provider, desc.Cluster.Region)
			for _, env := range desc.Environments {
				fmt.Fprintf(out, "  environment %s: %d application(s), %d database(s), %d router(s)\n",
					env.ID, len(env.Applications), len(env.Databases), len(env.Routers))
			}
			return nil
		},
	}
	return cmd
}
