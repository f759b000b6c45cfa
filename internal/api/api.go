// Package api defines the chaingate gRPC wire contract.
//
// Messages travel as google.protobuf.Struct. Each request and response is a
// plain Go struct with JSON tags; Encode and Decode convert between the two
// through protojson, so both sides share one schema without generated code.
package api

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ppiankov/chaingate/internal/approval"
	"github.com/ppiankov/chaingate/internal/gateway"
	"github.com/ppiankov/chaingate/internal/trust"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chaingate.v1.GatewayService"

// Method names.
const (
	MethodSubmit       = "Submit"
	MethodStatus       = "Status"
	MethodWithdraw     = "Withdraw"
	MethodDecide       = "Decide"
	MethodListPending  = "ListPending"
	MethodSweep        = "Sweep"
	MethodTrustScore   = "TrustScore"
	MethodRecordSignal = "RecordSignal"
	MethodRollback     = "Rollback"
)

// Metadata keys. The agent session identifies the proposing agent; the
// principal identifies a human reviewer or operator. Neither is ever read
// from a message body.
const (
	MetadataAgent     = "x-agent-session"
	MetadataPrincipal = "x-principal"
)

// ErrorDomain tags ErrorInfo details attached to failed RPCs.
const ErrorDomain = "chaingate"

// FullMethod returns the gRPC path for a method name.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// SubmitRequest is an agent's proposal.
type SubmitRequest = gateway.Proposal

// Result is the gateway's answer for one action.
type Result = gateway.Result

// IDRequest names an action or approval record.
type IDRequest struct {
	ID string `json:"id"`
}

// DecideRequest carries a reviewer's verdict.
type DecideRequest struct {
	ID        string   `json:"id"`
	Outcome   string   `json:"outcome"`
	Rationale string   `json:"rationale,omitempty"`
	Covers    []string `json:"covers,omitempty"`
}

// DecideResponse returns the terminal record and what the gateway did with it.
type DecideResponse struct {
	Record approval.Record `json:"record"`
	Result gateway.Result  `json:"result"`
}

// ListRequest filters approval records. Empty State means pending.
type ListRequest struct {
	State     string `json:"state,omitempty"`
	Principal string `json:"principal,omitempty"`
}

// ListResponse holds approval records.
type ListResponse struct {
	Approvals []approval.Record `json:"approvals"`
}

// TrustScoreRequest asks for an entity's score. Zero AsOf means now.
type TrustScoreRequest struct {
	EntityID string    `json:"entity_id"`
	AsOf     time.Time `json:"as_of,omitzero"`
}

// TrustScoreResponse is a score plus the review lane it buys.
type TrustScoreResponse struct {
	Score trust.Score `json:"score"`
	Level trust.Level `json:"level"`
}

// RecordSignalRequest endorses or penalizes an entity. The source is the
// calling principal.
type RecordSignalRequest struct {
	EntityID   string    `json:"entity_id"`
	Magnitude  float64   `json:"magnitude"`
	ObservedAt time.Time `json:"observed_at,omitzero"`
}

// RollbackRequest hides an entity's signals observed after To.
type RollbackRequest struct {
	EntityID string    `json:"entity_id"`
	To       time.Time `json:"to"`
}

// EntryResponse is a ledger entry that was appended.
type EntryResponse struct {
	Entry trust.Entry `json:"entry"`
}

// Empty is a message with no fields.
type Empty struct{}

// Encode converts a message to a protobuf Struct.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// Decode fills v from a protobuf Struct. A nil struct decodes as empty.
func Decode(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}
