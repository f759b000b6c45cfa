package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/model"
	"github.com/ppiankov/chaingate/internal/policy"
)

var (
	classifyParams string
	classifyTable  bool
)

func init() {
	rootCmd.AddCommand(classifyCmd)
	classifyCmd.Flags().StringVar(&classifyParams, "params", "", "Action parameters as a JSON object")
	classifyCmd.Flags().BoolVar(&classifyTable, "table", false, "Print the compiled kind -> tier table")
}

var classifyCmd = &cobra.Command{
	Use:   "classify [kind] [target]",
	Short: "Show the risk tier the policy assigns to an action (dry-run)",
	Long:  "Classifies an action kind against the policy file without submitting it.\nUnknown kinds are reported as state_changing_high.",
	Args:  cobra.MaximumNArgs(2),
	RunE:  runClassify,
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := policy.LoadConfig(flagPolicy)
	if err != nil {
		return fmt.Errorf("failed to load policy config: %w", err)
	}

	if classifyTable || len(args) == 0 {
		fmt.Printf("%-24s %s\n", "KIND", "TIER")
		for _, e := range cfg.TierTable() {
			fmt.Printf("%-24s %s\n", e.Kind, e.Tier)
		}
		fmt.Printf("%-24s %s\n", "(anything else)", model.TierStateChangingHigh)
		return nil
	}

	var params map[string]any
	if classifyParams != "" {
		if err := json.Unmarshal([]byte(classifyParams), &params); err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}
	}
	target := ""
	if len(args) > 1 {
		target = args[1]
	}
	tier := cfg.Classify(model.ActionKind(args[0]), target, params)
	return printJSON(map[string]any{
		"kind":           model.NormalizeKind(args[0]),
		"tier":           tier.String(),
		"state_changing": tier.StateChanging(),
	})
}
