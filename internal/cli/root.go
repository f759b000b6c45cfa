package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:50051"

var (
	flagPolicy    string
	flagAddr      string
	flagPrincipal string
	flagDebug     bool
)

var rootCmd = &cobra.Command{
	Use:   "chaingate",
	Short: "Mediation gateway for AI agent actions",
	Long: "Sits between an agent and the systems it acts on. Read-only actions run immediately;\n" +
		"state-changing actions wait for an explicit human decision. Every transition is audited.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagPolicy, "policy", "", "Path to policy YAML (default ~/.chaingate/policy.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", defaultAddr, "Gateway gRPC address")
	rootCmd.PersistentFlags().StringVar(&flagPrincipal, "principal", os.Getenv("CHAINGATE_PRINCIPAL"), "Reviewer or operator identity (env CHAINGATE_PRINCIPAL)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagDebug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// dataPath returns configured, or name under ~/.chaingate when empty.
func dataPath(configured, name string) string {
	if configured != "" {
		return configured
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "chaingate", name)
	}
	return filepath.Join(home, ".chaingate", name)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func requirePrincipal() (string, error) {
	if flagPrincipal == "" {
		return "", fmt.Errorf("--principal (or CHAINGATE_PRINCIPAL) is required")
	}
	return flagPrincipal, nil
}
