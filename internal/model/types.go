package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"
)

// ActionKind names the class of effectful operation an agent is proposing.
// The set is closed for policy purposes: kinds missing from the policy table
// are classified fail-closed, never dispatched on their name.
type ActionKind string

const (
	KindReadFile     ActionKind = "read-file"
	KindSendMessage  ActionKind = "send-message"
	KindWriteFile    ActionKind = "write-file"
	KindCallAPI      ActionKind = "call-api"
	KindExecuteQuery ActionKind = "execute-query"
	KindOther        ActionKind = "other"
)

// NormalizeKind lowercases and trims a kind string. Underscores are folded to
// dashes so "send_message" and "send-message" hit the same policy entry.
func NormalizeKind(s string) ActionKind {
	k := strings.ToLower(strings.TrimSpace(s))
	return ActionKind(strings.ReplaceAll(k, "_", "-"))
}

// RiskTier classifies an action as read-only or state-changing.
// Higher tier = more restricted.
type RiskTier int

const (
	TierReadOnly          RiskTier = 0
	TierStateChangingLow  RiskTier = 1
	TierStateChangingHigh RiskTier = 2
)

// String returns the policy-file label for the tier.
func (t RiskTier) String() string {
	switch t {
	case TierReadOnly:
		return "read_only"
	case TierStateChangingLow:
		return "state_changing_low"
	case TierStateChangingHigh:
		return "state_changing_high"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// StateChanging reports whether the tier requires an approval gate.
// Anything that is not explicitly read-only is treated as state-changing.
func (t RiskTier) StateChanging() bool {
	return t != TierReadOnly
}

// ParseRiskTier maps a policy label to a tier.
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read_only", "read-only", "readonly":
		return TierReadOnly, nil
	case "state_changing_low", "state-changing-low":
		return TierStateChangingLow, nil
	case "state_changing_high", "state-changing-high":
		return TierStateChangingHigh, nil
	default:
		return TierStateChangingHigh, fmt.Errorf("unknown risk tier %q", s)
	}
}

// MarshalText encodes the tier as its label.
func (t RiskTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText decodes a tier label. Unknown labels decode to the highest tier.
func (t *RiskTier) UnmarshalText(b []byte) error {
	tier, err := ParseRiskTier(string(b))
	*t = tier
	return err
}

// MaxTier returns the more restrictive of two tiers.
func MaxTier(a, b RiskTier) RiskTier {
	if b > a {
		return b
	}
	return a
}

// SubAction is one member of a batch ActionRequest.
type SubAction struct {
	ID     string         `json:"id"`
	Kind   ActionKind     `json:"kind"`
	Target string         `json:"target"`
	Params map[string]any `json:"params,omitempty"`
}

// ActionRequest is one proposed effectful operation. It is immutable after
// creation; lifecycle state lives in the approval record.
type ActionRequest struct {
	ID         string         `json:"id"`
	Kind       ActionKind     `json:"kind"`
	Target     string         `json:"target"`
	Params     map[string]any `json:"params,omitempty"`
	Principal  string         `json:"principal"`
	Tier       RiskTier       `json:"tier"`
	CreatedAt  time.Time      `json:"created_at"`
	SubActions []SubAction    `json:"sub_actions,omitempty"`
}

// IsBatch reports whether the request carries sub-actions.
func (a ActionRequest) IsBatch() bool {
	return len(a.SubActions) > 0
}

// SubActionIDs returns the ids of all sub-actions in declaration order.
func (a ActionRequest) SubActionIDs() []string {
	ids := make([]string, len(a.SubActions))
	for i, s := range a.SubActions {
		ids[i] = s.ID
	}
	return ids
}

// Clone returns a copy that shares no mutable state with a.
func (a ActionRequest) Clone() ActionRequest {
	c := a
	c.Params = cloneParams(a.Params)
	if a.SubActions != nil {
		c.SubActions = make([]SubAction, len(a.SubActions))
		for i, s := range a.SubActions {
			s.Params = cloneParams(s.Params)
			c.SubActions[i] = s
		}
	}
	return c
}

// cloneParams deep-copies a params map through JSON so nested maps and
// slices are not shared with the caller.
func cloneParams(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return maps.Clone(p)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return maps.Clone(p)
	}
	return out
}
