package approval

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ppiankov/chaingate/internal/model"
)

// Errors returned by the engine. Every one except ErrNotFound and
// ErrInvalidDecision is a policy violation and is audited as such.
var (
	ErrNotFound         = errors.New("approval not found")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrAlreadyTerminal  = errors.New("approval already terminal")
	ErrSelfApproval     = errors.New("self-approval denied")
	ErrExpired          = errors.New("approval expired")
	ErrCoverageMismatch = errors.New("approval does not enumerate exactly the batch sub-actions")
	ErrNotOriginator    = errors.New("only the originating agent may withdraw")
	ErrInvalidDecision  = errors.New("invalid decision")
)

// State is the lifecycle state of an approval record.
type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
	StateExpired  State = "expired"
)

// Terminal reports whether no transition may leave s.
func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected || s == StateExpired
}

// Lane is the review path a pending record was routed to. Both lanes
// require an explicit human decision; expedited only shortens the deadline.
type Lane string

const (
	LaneFull      Lane = "full"
	LaneExpedited Lane = "expedited"
)

// Outcome is a human decision.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// ParseOutcome accepts approve/approved and reject/rejected.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approve", "approved":
		return OutcomeApprove, nil
	case "reject", "rejected", "deny", "denied":
		return OutcomeReject, nil
	default:
		return "", fmt.Errorf("%w: unknown outcome %q", ErrInvalidDecision, s)
	}
}

// WithdrawnRationale is recorded when the originating agent withdraws.
const WithdrawnRationale = "withdrawn"

// Record tracks the approval gate for one ActionRequest.
type Record struct {
	ID        string              `json:"id"`
	Action    model.ActionRequest `json:"action"`
	State     State               `json:"state"`
	Lane      Lane                `json:"lane"`
	CreatedAt time.Time           `json:"created_at"`
	Deadline  time.Time           `json:"deadline"`
	// Covers lists the sub-action ids a batch approval must enumerate.
	Covers    []string   `json:"covers,omitempty"`
	DecidedBy string     `json:"decided_by,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	Rationale string     `json:"rationale,omitempty"`
	// ApprovedCovers is the enumeration the approver signed off on.
	ApprovedCovers []string `json:"approved_covers,omitempty"`
	Withdrawn      bool     `json:"withdrawn,omitempty"`
}

// Clone returns a copy sharing no mutable state with r.
func (r Record) Clone() Record {
	c := r
	c.Action = r.Action.Clone()
	c.Covers = slices.Clone(r.Covers)
	c.ApprovedCovers = slices.Clone(r.ApprovedCovers)
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	return c
}

// Decision is a human principal's verdict on a pending record.
// Principal must come from an authenticated channel, never from the
// action's own payload.
type Decision struct {
	Principal string
	Outcome   Outcome
	Rationale string
	// Covers must list every sub-action id when approving a batch.
	Covers []string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	State     State
	Principal string
}

func (f Filter) match(r Record) bool {
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.Principal != "" && !samePrincipal(f.Principal, r.Action.Principal) {
		return false
	}
	return true
}

func samePrincipal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// sameSet reports whether a and b hold the same ids with no duplicates.
func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, id := range a {
		if seen[id] {
			return false
		}
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			return false
		}
		delete(seen, id)
	}
	return len(seen) == 0
}
