package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/deckhand-io/deckhand/pkg/config"
	"github.com/deckhand-io/deckhand/pkg/planner"
)

func newWatchCommand(opts *globalOptions) *cobra.Command {
	var (
		descriptor string
		envIDs     []string
		delay      time.Duration
		initial    bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Redeploy environments whenever the descriptor changes",
		Long: `Watch the descriptor and run environment_deploy for the selected
environments after every change. Deployments run one at a time; a change
arriving during a deployment is applied once it finishes.

The metrics endpoint is served while watching, and policy files under
policy.dir are reloaded when they change.`,
		Example: `  # Redeploy staging on every change to the descriptor directory
  deckhand watch -f ./deploy --env staging`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			go func() {
				if err := a.telemetry.Metrics.Serve(ctx); err != nil {
					a.logger.Error().Err(err).Msg("Metrics endpoint stopped")
				}
			}()

			if a.gate != nil && a.settings.Policy.Dir != "" {
				if err := a.gate.Watch(ctx, []string{a.settings.Policy.Dir}); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			deploy := func(ctx context.Context, desc *config.Descriptor) error {
				mu.Lock()
				defer mu.Unlock()

				if err := a.checkDescriptor(desc); err != nil {
					return err
				}
				targets := envIDs
				if len(targets) == 0 {
					for _, env := range desc.Environments {
						targets = append(targets, env.ID)
					}
				}
				for _, envID := range targets {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					err := a.execute(ctx, out, desc, planner.OperationEnvironmentDeploy, envID,
						&operationOptions{}, opts.jsonOutput)
					if err != nil {
						// A failed environment does not stop the others.
						a.logger.Error().Err(err).Str("environment_id", envID).Msg("Deployment failed")
					}
				}
				return nil
			}

			if initial {
				parsed, err := a.loader.Load(ctx, descriptor)
				if err != nil {
					return err
				}
				if err := deploy(ctx, parsed.Descriptor); err != nil {
					return err
				}
			}

			watcher := config.NewWatcher(a.loader, descriptor, a.logger)
			if delay > 0 {
				watcher.SetDelay(delay)
			}
			if err := watcher.Start(ctx, func(ctx context.Context, parsed *config.ParsedDescriptor) error {
				return deploy(ctx, parsed.Descriptor)
			}); err != nil {
				return err
			}
			defer watcher.Stop()

			fmt.Fprintf(out, "Watching %s (Ctrl-C to stop)\n", descriptor)
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVarP(&descriptor, "file", "f", "deckhand.yaml", "descriptor file or directory")
	cmd.Flags().StringSliceVarP(&envIDs, "env", "e", nil, "environments to redeploy (default: all)")
	cmd.Flags().DurationVar(&delay, "delay", 0, "debounce delay between a change and the redeploy")
	cmd.Flags().BoolVar(&initial, "initial", false, "deploy once before watching")
	return cmd
}
