// Package cli implements the ledgerflow command line.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ledgerflow/internal/app"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/config"
	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/observability"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string // "json" | "text"
}

// ValidLogFormats defines the allowed log formats.
var ValidLogFormats = []string{"json", "text"}

// NewRootCommand creates the root command for the ledgerflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerflow",
		Short: "Credit ledger workflows, event dispatch and stream reconciliation",
		Long: `ledgerflow runs the credit ledger service: saga workflows for minting,
redemption and usage metering, an idempotent event dispatcher on a durable
bus, the payment stream sampler and the reconciler.

Configuration is read from --config (YAML or JSON) and then from
LEDGERFLOW_* environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.LogFormat != "" && !slices.Contains(ValidLogFormats, opts.LogFormat) {
				return fmt.Errorf("invalid log format %q: must be one of %v", opts.LogFormat, ValidLogFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to a YAML or JSON config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides config")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "log format (json|text), overrides config")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewExecutionsCommand(opts))
	cmd.AddCommand(NewIdempotencyCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}

// load reads the configuration and builds the logger, applying flag
// overrides. Logs go to the command's error stream.
func (o *RootOptions) load(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
	logger, err := observability.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

// open loads the configuration and wires the application.
func (o *RootOptions) open(ctx context.Context, cmd *cobra.Command) (*app.App, error) {
	cfg, logger, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, logger)
}
