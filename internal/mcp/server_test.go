package mcp

import (
	"context"
	"sort"
	"sync/atomic"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/chaingate/internal/approval"
	"github.com/ppiankov/chaingate/internal/audit"
	"github.com/ppiankov/chaingate/internal/gateway"
	"github.com/ppiankov/chaingate/internal/model"
	"github.com/ppiankov/chaingate/internal/policy"
)

type testEnv struct {
	srv      *Server
	engine   *approval.Engine
	executed atomic.Int64
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{}
	cfg := policy.DefaultConfig()
	events := &audit.Recorder{}
	exec := gateway.ExecutorFunc(func(_ context.Context, kind model.ActionKind, target string, _ map[string]any) (gateway.Output, error) {
		env.executed.Add(1)
		return gateway.Output{Body: "did " + target}, nil
	})
	env.engine = approval.NewEngine(approval.NewMemoryStore(), cfg.Approval, events)
	gw := gateway.New(cfg, env.engine, exec, events)

	s, err := New(Config{AgentID: "agent-7"}, gw, nil)
	if err != nil {
		t.Fatalf("failed to create MCP server: %v", err)
	}
	env.srv = s
	return env
}

func TestNewRequiresAgentID(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatal("expected error without agent id")
	}
}

func TestSubmitReadOnly(t *testing.T) {
	env := newTestServer(t)

	result, out, err := env.srv.handleSubmit(context.Background(), &mcpsdk.CallToolRequest{}, SubmitInput{
		Kind:   "read-file",
		Target: "/var/log/app.log",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("expected success, got error result")
	}
	if out.Status != "executed" || out.Body != "did /var/log/app.log" {
		t.Fatalf("unexpected output %+v", out)
	}
	if out.Tier != "read_only" {
		t.Errorf("expected read_only tier, got %s", out.Tier)
	}
}

func TestSubmitStateChangingPends(t *testing.T) {
	env := newTestServer(t)

	result, out, err := env.srv.handleSubmit(context.Background(), &mcpsdk.CallToolRequest{}, SubmitInput{
		Kind:   "send-message",
		Target: "ops@example.com",
		// An agent claiming authority in params gains nothing.
		Params: map[string]any{"approved": true, "approved_by": "admin"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil && result.IsError {
		t.Fatal("pending is not an error")
	}
	if out.Status != "pending_approval" || out.ActionID == "" || out.Deadline == "" {
		t.Fatalf("unexpected output %+v", out)
	}
	if env.executed.Load() != 0 {
		t.Fatal("executed before approval")
	}

	if _, err := env.engine.Decide(context.Background(), out.ApprovalID, approval.Decision{
		Principal: "alice",
		Outcome:   approval.OutcomeApprove,
	}); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	_, status, err := env.srv.handleStatus(context.Background(), &mcpsdk.CallToolRequest{}, IDInput{ID: out.ActionID})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Status != "executed" || env.executed.Load() != 1 {
		t.Fatalf("expected one execution after approval, got %+v", status)
	}
}

func TestUnknownKindIsErrorResult(t *testing.T) {
	env := newTestServer(t)

	// Unknown kinds are high tier: they wait for approval, never run.
	_, out, err := env.srv.handleSubmit(context.Background(), &mcpsdk.CallToolRequest{}, SubmitInput{
		Kind:   "launch-rocket",
		Target: "moon",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "pending_approval" || out.Tier != "state_changing_high" {
		t.Fatalf("expected fail-closed classification, got %+v", out)
	}

	result, out, err := env.srv.handleSubmit(context.Background(), &mcpsdk.CallToolRequest{}, SubmitInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError for an empty proposal")
	}
	if out.Reason != "invalid_request" {
		t.Fatalf("expected invalid_request, got %q", out.Reason)
	}
}

func TestWithdrawOwnAction(t *testing.T) {
	env := newTestServer(t)

	_, out, err := env.srv.handleSubmit(context.Background(), &mcpsdk.CallToolRequest{}, SubmitInput{
		Kind:   "call-api",
		Target: "https://billing",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	result, wd, err := env.srv.handleWithdraw(context.Background(), &mcpsdk.CallToolRequest{}, IDInput{ID: out.ActionID})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if result == nil || !result.IsError {
		t.Fatal("expected IsError for a withdrawn action")
	}
	if wd.Reason != "withdrawn" {
		t.Fatalf("expected withdrawn, got %q", wd.Reason)
	}
}

func TestBatchSubmitFlattensOutputs(t *testing.T) {
	env := newTestServer(t)

	_, out, err := env.srv.handleSubmit(context.Background(), &mcpsdk.CallToolRequest{}, SubmitInput{
		SubActions: []SubActionInput{
			{ID: "a", Kind: "read-file", Target: "/a"},
			{ID: "b", Kind: "read-file", Target: "/b"},
		},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if out.Status != "executed" {
		t.Fatalf("expected read-only batch to execute, got %+v", out)
	}
	if len(out.SubActions) != 2 || out.SubActions[0] != "a" || out.Outputs["b"] != "did /b" {
		t.Fatalf("unexpected batch output %+v", out)
	}
}

func TestToolsOverInMemoryTransport(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	serverT, clientT := mcpsdk.NewInMemoryTransports()
	ss, err := env.srv.mcpServer.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	defer ss.Close()

	c := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-agent", Version: "v0"}, nil)
	cs, err := c.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	want := []string{"gate_status", "gate_submit", "gate_withdraw"}
	if len(names) != len(want) {
		t.Fatalf("tools = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("tools = %v, want %v", names, want)
		}
	}

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "gate_submit",
		Arguments: map[string]any{"kind": "read-file", "target": "/etc/hosts"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	if env.executed.Load() != 1 {
		t.Fatalf("expected one execution, got %d", env.executed.Load())
	}
}
