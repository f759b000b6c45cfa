package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/api"
	"github.com/ppiankov/chaingate/internal/approval"
)

var (
	decideRationale string
	decideCovers    []string
)

func init() {
	rootCmd.AddCommand(approveCmd, rejectCmd)
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&decideRationale, "rationale", "", "Reason recorded with the decision")
	}
	approveCmd.Flags().StringSliceVar(&decideCovers, "covers", nil, "Sub-action ids being approved (required for batches, must list all)")
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending action",
	Long:  "Approves a pending record as --principal. The originating agent cannot approve its own action.\nBatch approvals must enumerate every sub-action with --covers.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(args[0], approval.OutcomeApprove)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Reject a pending action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(args[0], approval.OutcomeReject)
	},
}

func runDecide(id string, outcome approval.Outcome) error {
	c, err := dialPrincipal()
	if err != nil {
		return err
	}
	defer c.Close()

	req := api.DecideRequest{ID: id, Outcome: string(outcome), Rationale: decideRationale}
	if outcome == approval.OutcomeApprove {
		req.Covers = decideCovers
	}
	resp, err := c.Decide(context.Background(), req)
	if err != nil {
		if reason := api.Reason(err); reason != "" {
			return fmt.Errorf("%s: %w", reason, err)
		}
		return err
	}
	fmt.Printf("%s %s by %s\n", resp.Record.ID, resp.Record.State, resp.Record.DecidedBy)
	return printJSON(resp.Result)
}
