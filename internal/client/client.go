package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/ppiankov/chaingate/internal/api"
	"github.com/ppiankov/chaingate/internal/gateway"
)

// DefaultTimeout bounds each call whose context has no deadline.
const DefaultTimeout = 5 * time.Second

// Identity is attached to every call as gRPC metadata.
type Identity struct {
	// Agent is the agent session proposing actions.
	Agent string
	// Principal is the human reviewer or operator.
	Principal string
}

// Client connects to a chaingate gRPC server.
type Client struct {
	conn    *grpc.ClientConn
	client  *api.GatewayClient
	id      Identity
	timeout time.Duration
}

// New creates a gRPC client connected to the given address.
func New(addr string, id Identity) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	return &Client{
		conn:    conn,
		client:  api.NewGatewayClient(conn),
		id:      id,
		timeout: DefaultTimeout,
	}, nil
}

// SetTimeout overrides DefaultTimeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Submit proposes an action as the configured agent.
func (c *Client) Submit(ctx context.Context, p gateway.Proposal) (gateway.Result, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.Submit(ctx, p)
}

// Status reports the result for an action or approval id.
func (c *Client) Status(ctx context.Context, id string) (gateway.Result, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.Status(ctx, api.IDRequest{ID: id})
}

// Withdraw cancels one of the agent's pending actions.
func (c *Client) Withdraw(ctx context.Context, id string) (gateway.Result, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.Withdraw(ctx, api.IDRequest{ID: id})
}

// Decide approves or rejects a pending record as the configured principal.
func (c *Client) Decide(ctx context.Context, req api.DecideRequest) (api.DecideResponse, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.Decide(ctx, req)
}

// ListPending lists approval records matching req.
func (c *Client) ListPending(ctx context.Context, req api.ListRequest) (api.ListResponse, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.ListPending(ctx, req)
}

// Sweep expires overdue records on the server.
func (c *Client) Sweep(ctx context.Context) (api.ListResponse, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.Sweep(ctx)
}

// TrustScore reads an entity's trust score.
func (c *Client) TrustScore(ctx context.Context, req api.TrustScoreRequest) (api.TrustScoreResponse, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.TrustScore(ctx, req)
}

// RecordSignal records a trust signal with the principal as source.
func (c *Client) RecordSignal(ctx context.Context, req api.RecordSignalRequest) (api.EntryResponse, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.RecordSignal(ctx, req)
}

// Rollback hides an entity's signals after a point in time.
func (c *Client) Rollback(ctx context.Context, req api.RollbackRequest) (api.EntryResponse, error) {
	ctx, cancel := c.outgoing(ctx)
	defer cancel()
	return c.client.Rollback(ctx, req)
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) outgoing(ctx context.Context) (context.Context, context.CancelFunc) {
	var kv []string
	if c.id.Agent != "" {
		kv = append(kv, api.MetadataAgent, c.id.Agent)
	}
	if c.id.Principal != "" {
		kv = append(kv, api.MetadataPrincipal, c.id.Principal)
	}
	if len(kv) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, kv...)
	}
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
