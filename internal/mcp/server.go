package mcp

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/chaingate/internal/client"
	"github.com/ppiankov/chaingate/internal/gateway"
)

// Backend is the gateway surface exposed to agents. *gateway.Gateway
// satisfies it in-process; Remote adapts a gRPC client.
type Backend interface {
	Submit(ctx context.Context, principal string, p gateway.Proposal) (gateway.Result, error)
	Status(ctx context.Context, principal, id string) (gateway.Result, error)
	Withdraw(ctx context.Context, principal, id string) (gateway.Result, error)
}

// Config holds MCP server configuration.
type Config struct {
	// AgentID is the agent session every tool call is attributed to.
	// It comes from the operator launching the server, never from a tool
	// argument.
	AgentID string
	Version string
}

// Server exposes the gateway to an agent over MCP. There are no tools for
// approving, changing policy, or touching trust.
type Server struct {
	mcpServer *mcpsdk.Server
	backend   Backend
	agentID   string
	logger    *slog.Logger
}

// New creates an MCP server over backend.
func New(cfg Config, backend Backend, logger *slog.Logger) (*Server, error) {
	agent := strings.TrimSpace(cfg.AgentID)
	if agent == "" {
		return nil, errors.New("mcp: agent id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		backend: backend,
		agentID: agent,
		logger:  logger,
	}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "chaingate",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds the gateway tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: "gate_submit",
		Description: "Propose an action through the chaingate gateway. Read-only actions run immediately. " +
			"State-changing actions return pending_approval with an action_id; poll gate_status until a human decides.",
	}, s.handleSubmit)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_status",
		Description: "Check the outcome of a previously submitted action by action_id or approval_id.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "gate_withdraw",
		Description: "Withdraw one of your own pending actions before a human decides on it.",
	}, s.handleWithdraw)
}

// remote adapts a gRPC client. The client's configured identity stands in
// for the principal argument.
type remote struct {
	c *client.Client
}

// Remote returns a Backend that forwards to a running gateway server.
func Remote(c *client.Client) Backend {
	return remote{c: c}
}

func (r remote) Submit(ctx context.Context, _ string, p gateway.Proposal) (gateway.Result, error) {
	return r.c.Submit(ctx, p)
}

func (r remote) Status(ctx context.Context, _ string, id string) (gateway.Result, error) {
	return r.c.Status(ctx, id)
}

func (r remote) Withdraw(ctx context.Context, _ string, id string) (gateway.Result, error) {
	return r.c.Withdraw(ctx, id)
}
