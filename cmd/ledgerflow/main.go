// Command ledgerflow runs the credit ledger service and its maintenance
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/randalmurphal/ledgerflow/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(cli.ExitCode(err))
	}
}
