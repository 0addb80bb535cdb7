package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewIdempotencyCommand creates the idempotency command group.
func NewIdempotencyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idempotency",
		Short: "Maintain processed-event records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete processed-event records older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Purger.PurgeOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d records older than %s\n", n, a.Config.IdempotencyRetention())
			return nil
		},
	})
	return cmd
}
