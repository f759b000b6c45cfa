package cli

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/api"
)

var (
	trustAsOf       string
	trustObservedAt string
	trustTo         string
)

func init() {
	rootCmd.AddCommand(trustCmd)
	trustCmd.AddCommand(trustScoreCmd, trustSignalCmd, trustRollbackCmd)
	trustScoreCmd.Flags().StringVar(&trustAsOf, "as-of", "", "Compute the score as of this time (RFC3339)")
	trustSignalCmd.Flags().StringVar(&trustObservedAt, "observed-at", "", "When the behavior was observed (RFC3339, default now)")
	trustRollbackCmd.Flags().StringVar(&trustTo, "to", "", "Hide signals observed after this time (RFC3339, required)")
	trustRollbackCmd.MarkFlagRequired("to")
}

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Trust ledger operations",
	Long:  "Read scores and record endorsements. Signals are attributed to --principal;\nan entity cannot endorse itself.",
}

var trustScoreCmd = &cobra.Command{
	Use:   "score <entity>",
	Short: "Show an entity's current trust score and review lane",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asOf, err := parseTimeFlag("--as-of", trustAsOf)
		if err != nil {
			return err
		}
		c, err := dialPrincipal()
		if err != nil {
			return err
		}
		defer c.Close()
		resp, err := c.TrustScore(context.Background(), api.TrustScoreRequest{EntityID: args[0], AsOf: asOf})
		if err != nil {
			return err
		}
		return printJSON(resp)
	},
}

var trustSignalCmd = &cobra.Command{
	Use:   "signal <entity> <magnitude>",
	Short: "Record an endorsement (positive) or penalty (negative)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		magnitude, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid magnitude %q: %w", args[1], err)
		}
		observed, err := parseTimeFlag("--observed-at", trustObservedAt)
		if err != nil {
			return err
		}
		c, err := dialPrincipal()
		if err != nil {
			return err
		}
		defer c.Close()
		resp, err := c.RecordSignal(context.Background(), api.RecordSignalRequest{
			EntityID:   args[0],
			Magnitude:  magnitude,
			ObservedAt: observed,
		})
		if err != nil {
			return err
		}
		return printJSON(resp.Entry)
	},
}

var trustRollbackCmd = &cobra.Command{
	Use:   "rollback <entity>",
	Short: "Hide an entity's signals observed after --to",
	Long:  "Appends a rollback marker. Nothing is deleted; signals recorded later count again.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		to, err := parseTimeFlag("--to", trustTo)
		if err != nil {
			return err
		}
		c, err := dialPrincipal()
		if err != nil {
			return err
		}
		defer c.Close()
		resp, err := c.Rollback(context.Background(), api.RollbackRequest{EntityID: args[0], To: to})
		if err != nil {
			return err
		}
		return printJSON(resp.Entry)
	},
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s time %q: %w", name, v, err)
	}
	return t, nil
}
