package audit

import (
	"context"
	"sync"
	"time"

	"github.com/ppiankov/chaingate/internal/model"
)

// Subject types.
const (
	SubjectAction   = "action"
	SubjectApproval = "approval"
	SubjectTrust    = "trust_entity"
)

// Event kinds.
const (
	KindActionCreated    = "action.created"
	KindApprovalCreated  = "approval.created"
	KindApprovalApproved = "approval.approved"
	KindApprovalRejected = "approval.rejected"
	KindApprovalExpired  = "approval.expired"
	KindPolicyViolation  = "approval.violation"
	KindSignalRecorded   = "trust.signal_recorded"
	KindScoreRecomputed  = "trust.score_recomputed"
	KindTrustRollback    = "trust.rollback"
	KindDispatched       = "gateway.dispatched"
	KindExecutionFailed  = "gateway.execution_failed"
	KindDiscarded        = "gateway.discarded"
	KindDispatchWithheld = "gateway.dispatch_withheld"
	KindReadOnlyExecuted = "gateway.executed"
)

// Event is one line in the hash-chained JSONL audit log.
// Payload is a string map so json.Marshal output is deterministic
// (encoding/json sorts map keys) and hashes are reproducible.
type Event struct {
	EventID     string            `json:"event_id"`
	Timestamp   string            `json:"ts"`
	SubjectType string            `json:"subject_type"`
	SubjectID   string            `json:"subject_id"`
	Kind        string            `json:"event_kind"`
	ActorID     string            `json:"actor_id"`
	Payload     map[string]string `json:"payload,omitempty"`
	PrevHash    string            `json:"prev_hash"`
}

// Emitter accepts events without blocking the caller's business transition.
type Emitter interface {
	Emit(Event)
}

// Store is an append-only audit destination. There is no update or delete.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// MemoryStore keeps events in memory. Used in tests and dry runs.
type MemoryStore struct {
	mu     sync.Mutex
	events []Event
	// Fail, when set, is returned from Append instead of storing.
	Fail error
}

// Append stores the event unless Fail is set.
func (m *MemoryStore) Append(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	m.events = append(m.events, event)
	return nil
}

// SetFail swaps the injected failure.
func (m *MemoryStore) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Fail = err
}

// Events returns a copy of everything stored so far.
func (m *MemoryStore) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Kinds returns the event kinds recorded for a subject, in append order.
func (m *MemoryStore) Kinds(subjectID string) []string {
	var kinds []string
	for _, e := range m.Events() {
		if e.SubjectID == subjectID {
			kinds = append(kinds, e.Kind)
		}
	}
	return kinds
}

// Discard drops every event. For callers that deliberately run unaudited,
// such as local dry-run classification.
type Discard struct{}

// Emit drops the event.
func (Discard) Emit(Event) {}

// Recorder is a synchronous Emitter over a MemoryStore. Components under
// test can assert on emitted events without flushing a Sink.
type Recorder struct {
	MemoryStore
}

// Emit stores the event immediately, filling in id and timestamp.
func (r *Recorder) Emit(event Event) {
	if event.EventID == "" {
		event.EventID = model.NewEventID()
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	_ = r.Append(context.Background(), event)
}
