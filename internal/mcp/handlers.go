package mcp

import (
	"context"
	"sort"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/chaingate/internal/gateway"
	"github.com/ppiankov/chaingate/internal/model"
)

// --- Input/Output types ---

// SubActionInput is one member of a batch proposal.
type SubActionInput struct {
	ID     string         `json:"id,omitempty" jsonschema:"sub-action id, unique within the batch"`
	Kind   string         `json:"kind" jsonschema:"action kind (read-file/send-message/write-file/call-api/execute-query)"`
	Target string         `json:"target" jsonschema:"what the action operates on"`
	Params map[string]any `json:"params,omitempty" jsonschema:"action parameters"`
}

// SubmitInput defines parameters for the gate_submit tool. There is no
// field for identity or authority: approval claims in params are inert.
type SubmitInput struct {
	Kind       string           `json:"kind,omitempty" jsonschema:"action kind (read-file/send-message/write-file/call-api/execute-query)"`
	Target     string           `json:"target,omitempty" jsonschema:"what the action operates on"`
	Params     map[string]any   `json:"params,omitempty" jsonschema:"action parameters"`
	SubActions []SubActionInput `json:"sub_actions,omitempty" jsonschema:"batch members; each is approved individually"`
}

// IDInput names an action or approval.
type IDInput struct {
	ID string `json:"id" jsonschema:"action_id or approval_id returned by gate_submit"`
}

// ResultOutput is the gateway's answer, flattened for agents.
type ResultOutput struct {
	Status     string            `json:"status"`
	ActionID   string            `json:"action_id,omitempty"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Tier       string            `json:"tier"`
	Lane       string            `json:"lane,omitempty"`
	Deadline   string            `json:"deadline,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Body       string            `json:"body,omitempty"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	SubActions []string          `json:"sub_actions,omitempty"`
}

// --- Handlers ---

func (s *Server) handleSubmit(ctx context.Context, req *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, ResultOutput, error) {
	p := gateway.Proposal{
		Kind:   input.Kind,
		Target: input.Target,
		Params: input.Params,
	}
	for _, sub := range input.SubActions {
		p.SubActions = append(p.SubActions, model.SubAction{
			ID:     sub.ID,
			Kind:   model.ActionKind(sub.Kind),
			Target: sub.Target,
			Params: sub.Params,
		})
	}
	res, err := s.backend.Submit(ctx, s.agentID, p)
	if err != nil {
		return nil, ResultOutput{}, err
	}
	s.logger.Debug("mcp submit", "agent", s.agentID, "kind", input.Kind, "status", res.Status, "action_id", res.ActionID)
	return toolResult(res)
}

func (s *Server) handleStatus(ctx context.Context, req *mcpsdk.CallToolRequest, input IDInput) (*mcpsdk.CallToolResult, ResultOutput, error) {
	res, err := s.backend.Status(ctx, s.agentID, input.ID)
	if err != nil {
		return nil, ResultOutput{}, err
	}
	return toolResult(res)
}

func (s *Server) handleWithdraw(ctx context.Context, req *mcpsdk.CallToolRequest, input IDInput) (*mcpsdk.CallToolResult, ResultOutput, error) {
	res, err := s.backend.Withdraw(ctx, s.agentID, input.ID)
	if err != nil {
		return nil, ResultOutput{}, err
	}
	return toolResult(res)
}

// toolResult flags rejected and failed outcomes as tool errors so agents
// do not mistake them for success.
func toolResult(res gateway.Result) (*mcpsdk.CallToolResult, ResultOutput, error) {
	out := flatten(res)
	if res.Status == gateway.StatusRejected || res.Status == gateway.StatusFailed {
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func flatten(res gateway.Result) ResultOutput {
	out := ResultOutput{
		Status:     string(res.Status),
		ActionID:   res.ActionID,
		ApprovalID: res.ApprovalID,
		Tier:       res.Tier.String(),
		Lane:       string(res.Lane),
		Reason:     string(res.Reason),
		Detail:     res.Detail,
	}
	if !res.Deadline.IsZero() {
		out.Deadline = res.Deadline.UTC().Format(time.RFC3339)
	}
	if res.Output != nil {
		out.Body = res.Output.Body
	}
	if len(res.Outputs) > 0 {
		out.Outputs = make(map[string]string, len(res.Outputs))
		for id, o := range res.Outputs {
			out.Outputs[id] = o.Body
			out.SubActions = append(out.SubActions, id)
		}
		sort.Strings(out.SubActions)
	}
	return out
}
