package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chimera-security/chimera/internal/ledger"
)

func init() {
	rootCmd.AddCommand(ledgerCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the forensic ledger",
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify the ledger's hash chain is unbroken",
	Long: "Recomputes each entry's hash from the previous entry's hash and\n" +
		"reports the first point of divergence, if any.\n\n" +
		"Exit code 0 if the chain verifies, 1 otherwise.",
	Args: cobra.ExactArgs(1),
	RunE: runLedgerVerify,
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	result := ledger.Verify(args[0])
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
