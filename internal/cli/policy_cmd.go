package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chimera-security/chimera/internal/policy"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and validate the policy manifest",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load and validate a policy manifest without starting the gateway",
	Long: "Checks the manifest for duplicate rule ids, unknown operators, and\n" +
		"malformed allow_only rules (spec.md PolicyError invariants).\n\n" +
		"Exit code 0 if valid, 1 otherwise.",
	Args: cobra.ExactArgs(1),
	RunE: runPolicyValidate,
}

func runPolicyValidate(cmd *cobra.Command, args []string) error {
	m, hash, err := policy.LoadManifest(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("manifest valid: %d trusted_workflows, %d security_policies, hash=%s\n",
		len(m.TrustedWorkflows), len(m.SecurityPolicies), hash)
	return nil
}
