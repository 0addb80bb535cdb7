package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/reconcile"
)

// ReconcileOptions holds flags for the reconcile command.
type ReconcileOptions struct {
	*RootOptions
	StreamID string
	Backfill bool
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReconcileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile streams against their external balances once",
		Long: `Compare each active stream's sampled balance with the external balance
source and print one report per stream as JSON.

Exit codes:
  0 - every stream within tolerance
  1 - at least one divergence recorded
  2 - command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.StreamID, "stream", "", "reconcile a single stream")
	cmd.Flags().BoolVar(&opts.Backfill, "backfill", false, "backfill sampling gaps before reconciling")

	return cmd
}

func runReconcile(cmd *cobra.Command, opts *ReconcileOptions) error {
	ctx := cmd.Context()
	a, err := opts.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if opts.Backfill {
		var n int
		if opts.StreamID != "" {
			n, err = a.Reconciler.Backfill(ctx, opts.StreamID)
		} else {
			n, err = a.Reconciler.BackfillAll(ctx)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "backfilled %d samples\n", n)
	}

	var reports []*reconcile.Report
	if opts.StreamID != "" {
		report, err := a.Reconciler.ReconcileStream(ctx, opts.StreamID)
		if err != nil {
			return err
		}
		reports = []*reconcile.Report{report}
	} else if reports, err = a.Reconciler.ReconcileAll(ctx); err != nil {
		return err
	}

	if err := writeJSON(cmd.OutOrStdout(), reports); err != nil {
		return err
	}
	for _, r := range reports {
		if r.Diverged() {
			return &ExitError{Code: ExitFailure, Err: fmt.Errorf("stream %s diverged by %g", r.StreamID, r.Difference)}
		}
	}
	return nil
}
