package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chaingate/internal/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway gRPC server",
	Long: "Runs chaingate as the central mediation gateway over gRPC.\n" +
		"Agents submit actions with an x-agent-session header; reviewers decide with x-principal.\n" +
		"Supports hot-reload of the policy file.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := openRuntime(ctx, flagPolicy, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		if err := rt.Close(closeCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	srv := server.New(server.Config{Addr: flagAddr, PolicyPath: rt.policyPath},
		rt.gateway, rt.engine, rt.ledger,
		server.WithLogger(logger), server.WithPolicyHash(rt.hash))

	reloader, err := server.NewReloader(srv.ReloadPolicy, []string{rt.policyPath}, logger)
	if err != nil {
		logger.Warn("hot-reload disabled", "error", err)
	} else if reloader.Watching() {
		go reloader.Run(ctx)
	}

	go rt.sweeper.Run(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down gateway...")
		cancel()
		srv.GracefulStop()
	}()

	return srv.Serve()
}
