package gateway

import (
	"sync"
	"time"

	"github.com/ppiankov/chaingate/internal/approval"
	"github.com/ppiankov/chaingate/internal/model"
)

// Status is the outcome class reported to the agent runtime.
type Status string

const (
	StatusExecuted        Status = "executed"
	StatusPendingApproval Status = "pending_approval"
	StatusRejected        Status = "rejected"
	StatusFailed          Status = "failed"
)

// Reason is a machine-readable code explaining a non-executed result.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonSelfApproval      Reason = "self_approval_denied"
	ReasonAlreadyTerminal   Reason = "already_terminal"
	ReasonExpired           Reason = "expired"
	ReasonRejected          Reason = "rejected"
	ReasonWithdrawn         Reason = "withdrawn"
	ReasonExecutionError    Reason = "execution_error"
	ReasonInvalidRequest    Reason = "invalid_request"
	ReasonDuplicateRequest  Reason = "duplicate_request"
	ReasonAuditUnavailable  Reason = "audit_unavailable"
	ReasonAlreadyDispatched Reason = "already_dispatched"
	ReasonNotFound          Reason = "not_found"
	ReasonClaimUnavailable  Reason = "claim_unavailable"
)

// Result is the gateway's answer for one action. Negative outcomes always
// carry a Reason; they are never reported as bare errors.
type Result struct {
	Status     Status            `json:"status"`
	ActionID   string            `json:"action_id,omitempty"`
	ApprovalID string            `json:"approval_id,omitempty"`
	Tier       model.RiskTier    `json:"tier"`
	Lane       approval.Lane     `json:"lane,omitempty"`
	Deadline   time.Time         `json:"deadline,omitzero"`
	Reason     Reason            `json:"reason,omitempty"`
	Detail     string            `json:"detail,omitempty"`
	Output     *Output           `json:"output,omitempty"`
	Outputs    map[string]Output `json:"outputs,omitempty"`
}

// final reports whether the result will not change on a later Resume.
func (r Result) final() bool {
	return r.Status != StatusPendingApproval &&
		r.Reason != ReasonAuditUnavailable &&
		r.Reason != ReasonClaimUnavailable
}

// reasonFor maps an approval engine error to a reason code.
func reasonFor(err error) Reason {
	switch approval.ViolationCode(err) {
	case "self_approval_denied":
		return ReasonSelfApproval
	case "expired":
		return ReasonExpired
	case "already_terminal":
		return ReasonAlreadyTerminal
	case "duplicate_request":
		return ReasonDuplicateRequest
	case "not_found":
		return ReasonNotFound
	default:
		return ReasonInvalidRequest
	}
}

// settledResults bounds how many final results a gateway remembers. A poll
// for an older record is answered from the record and the claim store.
const settledResults = 1024

// resultCache keeps the most recent final results, evicting oldest first.
type resultCache struct {
	mu    sync.Mutex
	max   int
	m     map[string]Result
	order []string
}

func newResultCache(max int) *resultCache {
	return &resultCache{max: max, m: make(map[string]Result, max)}
}

func (c *resultCache) get(id string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.m[id]
	return r, ok
}

func (c *resultCache) put(id string, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.m[id]; !ok {
		c.order = append(c.order, id)
	}
	c.m[id] = r
	for len(c.order) > c.max {
		delete(c.m, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *resultCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
