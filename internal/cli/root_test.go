package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "ledgerflow", cmd.Use)
	assert.Contains(t, cmd.Long, "LEDGERFLOW_")
}

func TestCommandPresence(t *testing.T) {
	commands := [][]string{
		{"serve"},
		{"reconcile"},
		{"deadletters", "list"},
		{"deadletters", "replay"},
		{"executions", "list"},
		{"executions", "show"},
		{"executions", "compensate"},
		{"idempotency", "purge"},
		{"config"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := NewRootCommand().Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)

	for _, name := range []string{"log-level", "log-format"} {
		f := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, "", f.DefValue)
	}
}

func TestReconcileCommandFlags(t *testing.T) {
	cmd, _, err := NewRootCommand().Find([]string{"reconcile"})
	require.NoError(t, err)

	require.NotNil(t, cmd.Flags().Lookup("stream"))
	backfill := cmd.Flags().Lookup("backfill")
	require.NotNil(t, backfill)
	assert.Equal(t, "false", backfill.DefValue)
}

func TestExecutionsListFlags(t *testing.T) {
	cmd, _, err := NewRootCommand().Find([]string{"executions", "list"})
	require.NoError(t, err)

	for _, name := range []string{"workflow", "status"} {
		require.NotNil(t, cmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "50", cmd.Flags().Lookup("limit").DefValue)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(&ExitError{Code: ExitFailure, Err: assert.AnError}))
	assert.Equal(t, ExitCommandError, ExitCode(assert.AnError))
}
