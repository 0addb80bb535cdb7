package cli

import (
	"github.com/spf13/cobra"

	"github.com/randalmurphal/ledgerflow/pkg/ledgerflow/saga"
)

// NewExecutionsCommand creates the executions command group.
func NewExecutionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect and compensate workflow executions",
	}
	cmd.AddCommand(newExecutionsListCommand(rootOpts))
	cmd.AddCommand(newExecutionsShowCommand(rootOpts))
	cmd.AddCommand(newExecutionsCompensateCommand(rootOpts))
	return cmd
}

func newExecutionsListCommand(rootOpts *RootOptions) *cobra.Command {
	var filter saga.ListFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			filter.Status = saga.Status(status)
			execs, err := a.Engine.Store().ListExecutions(cmd.Context(), &filter)
			if err != nil {
				return err
			}
			if execs == nil {
				execs = []*saga.Execution{}
			}
			return writeJSON(cmd.OutOrStdout(), execs)
		},
	}
	cmd.Flags().StringVar(&filter.WorkflowName, "workflow", "", "filter by workflow name")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "maximum executions to list")
	return cmd
}

type executionDetail struct {
	*saga.Execution
	Steps []saga.StepRecord `json:"steps"`
}

func newExecutionsShowCommand(rootOpts *RootOptions) *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			st := a.Engine.Store()
			exec, err := st.GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			steps, err := st.Steps(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !history {
				steps = saga.LatestSteps(steps)
			}
			return writeJSON(cmd.OutOrStdout(), executionDetail{Execution: exec, Steps: steps})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "show every step record instead of the latest per step")
	return cmd
}

func newExecutionsCompensateCommand(rootOpts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "compensate <execution-id>",
		Short: "Undo a completed execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Engine.Compensate(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			exec, err := a.Engine.Store().GetExecution(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), exec)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual compensation", "reason recorded on the execution")
	return cmd
}
