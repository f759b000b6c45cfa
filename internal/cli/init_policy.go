package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/policy"
)

var initPolicyForce bool

func init() {
	rootCmd.AddCommand(initPolicyCmd)
	initPolicyCmd.Flags().BoolVar(&initPolicyForce, "force", false, "Overwrite an existing policy file")
}

var initPolicyCmd = &cobra.Command{
	Use:   "init-policy",
	Short: "Generate default policy.yaml with comments",
	Long:  "Creates ~/.chaingate/policy.yaml (or --policy) with the default tier table,\ntrust parameters, deadlines, and audit settings.",
	RunE:  runInitPolicy,
}

func runInitPolicy(cmd *cobra.Command, args []string) error {
	path := flagPolicy
	if path == "" {
		path = policy.DefaultPath()
	}
	if path == "" {
		return fmt.Errorf("cannot determine home directory; pass --policy")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil && !initPolicyForce {
		return fmt.Errorf("policy.yaml already exists at %s (use --force to overwrite)", path)
	}

	content := policy.DefaultConfigYAML()
	if _, err := policy.Parse([]byte(content)); err != nil {
		return fmt.Errorf("built-in policy template is invalid: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write policy.yaml: %w", err)
	}

	fmt.Printf("Created %s\n", path)
	return nil
}
