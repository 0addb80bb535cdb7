package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ledgerflow/internal/app"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/event"
)

// NewDeadLettersCommand creates the deadletters command group.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deadletters",
		Short: "Inspect and replay dead-lettered events",
		Long: `Inspect and replay messages a handler gave up on.

Dead letters live on the bus, so these commands need the redis bus driver;
the memory bus only exists inside a running serve process.`,
	}
	cmd.AddCommand(newDeadLettersListCommand(rootOpts))
	cmd.AddCommand(newDeadLettersReplayCommand(rootOpts))
	return cmd
}

func newDeadLettersListCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list <handler>",
		Short: "List a handler's dead letters, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openBus(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			queue := event.QueueName(a.Config.Bus.Exchange, args[0])
			letters, err := a.Bus.DeadLetters(cmd.Context(), queue, limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), letters)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum dead letters to list (0 lists all)")
	return cmd
}

func newDeadLettersReplayCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <handler> <event-id>",
		Short: "Move a dead letter back onto its queue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openBus(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			queue := event.QueueName(a.Config.Bus.Exchange, args[0])
			if err := a.Bus.Replay(cmd.Context(), queue, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %s on %s\n", args[1], queue)
			return nil
		},
	}
}

func openBus(cmd *cobra.Command, rootOpts *RootOptions) (*app.App, error) {
	cfg, logger, err := rootOpts.load(cmd)
	if err != nil {
		return nil, err
	}
	if cfg.Bus.Driver != config.BusRedis {
		return nil, fmt.Errorf("bus driver %q keeps dead letters in the serving process; configure %q", cfg.Bus.Driver, config.BusRedis)
	}
	return app.New(cmd.Context(), cfg, logger)
}
