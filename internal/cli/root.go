// Package cli implements the chimera command-line surface: serve,
// keygen, ledger verify, and policy validate, in the teacher's cobra
// idiom (persistent flags on a root command, one file per subcommand).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chimera",
	Short: "Transparent dual-plane gateway for agentic MCP tool calls",
	Long: "Routes every tool call an agent makes to either a production or a\n" +
		"synthetic shadow data plane, based on a deterministic policy\n" +
		"evaluation over session taint, accumulated risk, and directives.\n" +
		"Neither plane's responses disclose which one answered.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
