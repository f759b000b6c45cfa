package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/client"
	"github.com/ppiankov/chaingate/internal/gateway"
)

var (
	agentID      string
	submitKind   string
	submitTarget string
	submitParams string
	submitBatch  string
)

func init() {
	for _, c := range []*cobra.Command{submitCmd, statusCmd, withdrawCmd} {
		c.Flags().StringVar(&agentID, "agent", os.Getenv("CHAINGATE_AGENT"), "Agent session id (env CHAINGATE_AGENT)")
		rootCmd.AddCommand(c)
	}
	submitCmd.Flags().StringVar(&submitKind, "kind", "", "Action kind (e.g. send-message)")
	submitCmd.Flags().StringVar(&submitTarget, "target", "", "What the action operates on")
	submitCmd.Flags().StringVar(&submitParams, "params", "", "Action parameters as a JSON object")
	submitCmd.Flags().StringVar(&submitBatch, "batch", "", "Sub-actions as a JSON array of {id,kind,target,params}")
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Propose an action as an agent",
	Long:  "Submits an action to the gateway. Read-only actions run immediately;\nstate-changing ones print a pending result with an action id to poll.",
	RunE:  runSubmit,
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show the result of a submitted action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialAgent()
		if err != nil {
			return err
		}
		defer c.Close()
		res, err := c.Status(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw <id>",
	Short: "Withdraw one of the agent's pending actions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := dialAgent()
		if err != nil {
			return err
		}
		defer c.Close()
		res, err := c.Withdraw(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(res)
	},
}

func runSubmit(cmd *cobra.Command, args []string) error {
	p := gateway.Proposal{Kind: submitKind, Target: submitTarget}
	if submitParams != "" {
		if err := json.Unmarshal([]byte(submitParams), &p.Params); err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}
	}
	if submitBatch != "" {
		if err := json.Unmarshal([]byte(submitBatch), &p.SubActions); err != nil {
			return fmt.Errorf("invalid --batch: %w", err)
		}
	}

	c, err := dialAgent()
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Submit(context.Background(), p)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func dialAgent() (*client.Client, error) {
	if agentID == "" {
		return nil, fmt.Errorf("--agent (or CHAINGATE_AGENT) is required")
	}
	return client.New(flagAddr, client.Identity{Agent: agentID})
}

func dialPrincipal() (*client.Client, error) {
	principal, err := requirePrincipal()
	if err != nil {
		return nil, err
	}
	return client.New(flagAddr, client.Identity{Principal: principal})
}
