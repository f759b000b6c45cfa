package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/client"
	gatemcp "github.com/ppiankov/chaingate/internal/mcp"
)

var (
	mcpAgent  string
	mcpRemote bool
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpAgent, "agent", os.Getenv("CHAINGATE_AGENT"), "Agent session id every tool call is attributed to (env CHAINGATE_AGENT)")
	mcpCmd.Flags().BoolVar(&mcpRemote, "remote", false, "Forward to a running gateway at --addr instead of an in-process one (automatic when one owns the data directory)")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs chaingate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes gate_submit, gate_status and gate_withdraw. Agents cannot approve, change policy, or record trust.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, closeBackend, err := mcpBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	srv, err := gatemcp.New(gatemcp.Config{AgentID: mcpAgent, Version: version}, backend, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	return srv.Run(ctx)
}

// mcpBackend opens an in-process gateway, or forwards to the one at
// --addr when --remote is set or another process owns the data directory.
func mcpBackend(ctx context.Context, logger *slog.Logger) (gatemcp.Backend, func(), error) {
	if !mcpRemote {
		rt, err := openRuntime(ctx, flagPolicy, logger)
		switch {
		case err == nil:
			go rt.sweeper.Run(ctx)
			return rt.gateway, func() {
				closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
				defer done()
				rt.Close(closeCtx)
			}, nil
		case errors.Is(err, errRuntimeBusy):
			logger.Info("data directory in use, forwarding to running gateway", "addr", flagAddr, "reason", err)
		default:
			return nil, nil, err
		}
	}
	c, err := client.New(flagAddr, client.Identity{Agent: mcpAgent})
	if err != nil {
		return nil, nil, err
	}
	return gatemcp.Remote(c), func() { c.Close() }, nil
}
