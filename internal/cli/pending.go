package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/api"
	"github.com/ppiankov/chaingate/internal/approval"
)

var (
	pendingState string
	pendingAgent string
)

func init() {
	rootCmd.AddCommand(pendingCmd, sweepCmd)
	pendingCmd.Flags().StringVar(&pendingState, "state", "pending", "Filter by state (pending|approved|rejected|expired|all)")
	pendingCmd.Flags().StringVar(&pendingAgent, "agent", "", "Only show actions proposed by this agent")
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List approval requests",
	Long:  "Shows approval records with their state, action, and deadline.",
	RunE:  runPending,
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Expire overdue approval requests now",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialPrincipal()
		if err != nil {
			return err
		}
		defer c.Close()
		resp, err := c.Sweep(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("Expired %d approval(s).\n", len(resp.Approvals))
		for _, r := range resp.Approvals {
			fmt.Println(r.ID)
		}
		return nil
	},
}

func runPending(cmd *cobra.Command, args []string) error {
	c, err := dialPrincipal()
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.ListPending(context.Background(), api.ListRequest{State: pendingState, Principal: pendingAgent})
	if err != nil {
		return fmt.Errorf("failed to list approvals: %w", err)
	}
	printRecords(resp.Approvals, time.Now())
	return nil
}

func printRecords(list []approval.Record, now time.Time) {
	if len(list) == 0 {
		fmt.Println("No matching approvals.")
		return
	}
	fmt.Printf("%-40s %-9s %-20s %-14s %-30s %s\n", "ID", "STATE", "TIER", "AGENT", "ACTION", "DEADLINE")
	for _, r := range list {
		deadline := r.Deadline.Format(time.RFC3339)
		if r.State == approval.StatePending {
			deadline = fmt.Sprintf("in %s", r.Deadline.Sub(now).Round(time.Second))
		}
		fmt.Printf("%-40s %-9s %-20s %-14s %-30s %s\n",
			r.ID,
			r.State,
			r.Action.Tier,
			truncate(r.Action.Principal, 14),
			truncate(string(r.Action.Kind)+" "+r.Action.Target, 30),
			deadline,
		)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
