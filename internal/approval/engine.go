package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/chaingate/internal/alert"
	"github.com/ppiankov/chaingate/internal/audit"
	"github.com/ppiankov/chaingate/internal/model"
	"github.com/ppiankov/chaingate/internal/policy"
)

// SweeperActor is the actor id recorded on time-based expiry.
const SweeperActor = "system:sweeper"

// Listener is notified after every terminal transition. Calls are made
// synchronously after the store has committed, outside any store lock.
type Listener interface {
	OnDecision(ctx context.Context, r Record)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, r Record)

// OnDecision calls f.
func (f ListenerFunc) OnDecision(ctx context.Context, r Record) { f(ctx, r) }

// Engine owns approval records and every transition on them.
type Engine struct {
	store   Store
	cfg     atomic.Pointer[policy.ApprovalConfig]
	emitter audit.Emitter
	alerts  *alert.Dispatcher
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithAlerts routes policy violations to a webhook dispatcher.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(e *Engine) { e.alerts = d }
}

// NewEngine returns an engine over store. A nil emitter discards events.
func NewEngine(store Store, cfg policy.ApprovalConfig, emitter audit.Emitter, opts ...Option) *Engine {
	if emitter == nil {
		emitter = audit.Discard{}
	}
	e := &Engine{
		store:   store,
		emitter: emitter,
		logger:  slog.Default(),
		now:     time.Now,
	}
	e.cfg.Store(&cfg)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetConfig swaps deadline defaults. Existing records keep their deadlines.
func (e *Engine) SetConfig(cfg policy.ApprovalConfig) {
	e.cfg.Store(&cfg)
}

// Subscribe registers l for terminal transitions.
func (e *Engine) Subscribe(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// CreatePending opens a pending record for action. A zero deadline uses
// the lane's configured default. Batch records enumerate every sub-action.
func (e *Engine) CreatePending(ctx context.Context, action model.ActionRequest, lane Lane, deadline time.Time) (Record, error) {
	if action.ID == "" || strings.TrimSpace(action.Principal) == "" {
		return Record{}, fmt.Errorf("%w: action id and principal are required", ErrInvalidDecision)
	}
	if lane != LaneExpedited {
		lane = LaneFull
	}
	now := e.now().UTC()
	if deadline.IsZero() {
		cfg := e.cfg.Load()
		if lane == LaneExpedited {
			deadline = now.Add(cfg.ExpeditedDeadline)
		} else {
			deadline = now.Add(cfg.DefaultDeadline)
		}
	}

	r := Record{
		ID:        model.ApprovalIDFor(action.ID),
		Action:    action.Clone(),
		State:     StatePending,
		Lane:      lane,
		CreatedAt: now,
		Deadline:  deadline.UTC(),
	}
	if action.IsBatch() {
		r.Covers = action.SubActionIDs()
	}

	if err := e.store.Create(ctx, r); err != nil {
		if errors.Is(err, ErrDuplicateRequest) {
			e.violation(r, action.Principal, err)
		}
		return Record{}, err
	}

	e.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectApproval,
		SubjectID:   r.ID,
		Kind:        audit.KindApprovalCreated,
		ActorID:     action.Principal,
		Payload: map[string]string{
			"action_id": action.ID,
			"kind":      string(action.Kind),
			"target":    action.Target,
			"tier":      action.Tier.String(),
			"lane":      string(lane),
			"deadline":  r.Deadline.Format(time.RFC3339Nano),
			"covers":    strings.Join(r.Covers, ","),
		},
	})
	return r, nil
}

// Decide applies a human decision. Checks run in order: self-approval,
// terminal state, deadline, batch coverage. A decision past the deadline
// expires the record and fails with ErrExpired.
func (e *Engine) Decide(ctx context.Context, id string, d Decision) (Record, error) {
	principal := strings.TrimSpace(d.Principal)
	if principal == "" {
		return Record{}, fmt.Errorf("%w: deciding principal is required", ErrInvalidDecision)
	}
	if d.Outcome != OutcomeApprove && d.Outcome != OutcomeReject {
		return Record{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidDecision, d.Outcome)
	}

	now := e.now().UTC()
	var committed bool
	r, err := e.store.Transition(ctx, id, func(r *Record) (bool, error) {
		if samePrincipal(principal, r.Action.Principal) {
			return false, fmt.Errorf("%w: %s cannot decide its own request", ErrSelfApproval, principal)
		}
		if err := terminalError(r.State); err != nil {
			return false, err
		}
		if now.After(r.Deadline) {
			expire(r, now)
			committed = true
			return true, fmt.Errorf("%w: deadline %s passed", ErrExpired, r.Deadline.Format(time.RFC3339))
		}
		if d.Outcome == OutcomeApprove && len(r.Covers) > 0 && !sameSet(d.Covers, r.Covers) {
			return false, fmt.Errorf("%w: record enumerates %v, approval lists %v", ErrCoverageMismatch, r.Covers, d.Covers)
		}

		decided := now
		r.DecidedBy = principal
		r.DecidedAt = &decided
		r.Rationale = d.Rationale
		if d.Outcome == OutcomeApprove {
			r.State = StateApproved
			r.ApprovedCovers = append([]string(nil), r.Covers...)
		} else {
			r.State = StateRejected
		}
		committed = true
		return true, nil
	})
	if err != nil && !isViolation(err) {
		return Record{}, err
	}

	if committed {
		e.emitTransition(r, principal)
	}
	if err != nil {
		e.violation(r, principal, err)
	}
	if committed {
		e.notify(ctx, r)
	}
	return r, err
}

// Withdraw lets the originating agent cancel its own pending request.
// The record becomes rejected with rationale "withdrawn"; nothing is deleted.
func (e *Engine) Withdraw(ctx context.Context, id, principal string) (Record, error) {
	principal = strings.TrimSpace(principal)
	now := e.now().UTC()
	var committed bool
	r, err := e.store.Transition(ctx, id, func(r *Record) (bool, error) {
		if principal == "" || !samePrincipal(principal, r.Action.Principal) {
			return false, fmt.Errorf("%w: %q did not submit %s", ErrNotOriginator, principal, r.ID)
		}
		if err := terminalError(r.State); err != nil {
			return false, err
		}
		if now.After(r.Deadline) {
			expire(r, now)
			committed = true
			return true, fmt.Errorf("%w: deadline %s passed", ErrExpired, r.Deadline.Format(time.RFC3339))
		}
		decided := now
		r.State = StateRejected
		r.DecidedAt = &decided
		r.Rationale = WithdrawnRationale
		r.Withdrawn = true
		committed = true
		return true, nil
	})
	if err != nil && !isViolation(err) {
		return Record{}, err
	}

	if committed {
		e.emitTransition(r, principal)
	}
	if err != nil {
		e.violation(r, principal, err)
	}
	if committed {
		e.notify(ctx, r)
	}
	return r, err
}

// SweepExpired expires every pending record whose deadline is before now
// and returns the records this call transitioned. Concurrent or repeated
// sweeps never transition a record twice.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time) ([]Record, error) {
	now = now.UTC()
	pending, err := e.store.List(ctx, Filter{State: StatePending})
	if err != nil {
		return nil, err
	}

	var expired []Record
	for _, p := range pending {
		if !now.After(p.Deadline) {
			continue
		}
		var changed bool
		r, err := e.store.Transition(ctx, p.ID, func(r *Record) (bool, error) {
			if r.State != StatePending || !now.After(r.Deadline) {
				return false, nil
			}
			expire(r, now)
			changed = true
			return true, nil
		})
		if err != nil {
			e.logger.Error("sweep transition failed", "approval_id", p.ID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		e.emitTransition(r, SweeperActor)
		e.notify(ctx, r)
		expired = append(expired, r)
	}
	return expired, nil
}

// Get returns a record. Reading never transitions state.
func (e *Engine) Get(ctx context.Context, id string) (Record, error) {
	return e.store.Get(ctx, id)
}

// GetForAction returns the record gating an action id.
func (e *Engine) GetForAction(ctx context.Context, actionID string) (Record, error) {
	return e.store.Get(ctx, model.ApprovalIDFor(actionID))
}

// List returns records matching f.
func (e *Engine) List(ctx context.Context, f Filter) ([]Record, error) {
	return e.store.List(ctx, f)
}

func terminalError(s State) error {
	switch s {
	case StatePending:
		return nil
	case StateExpired:
		return fmt.Errorf("%w: %w", ErrExpired, ErrAlreadyTerminal)
	default:
		return fmt.Errorf("%w: state is %s", ErrAlreadyTerminal, s)
	}
}

func expire(r *Record, now time.Time) {
	decided := now
	r.State = StateExpired
	r.DecidedAt = &decided
	r.Rationale = "deadline passed"
}

func (e *Engine) emitTransition(r Record, actor string) {
	kind := audit.KindApprovalRejected
	switch r.State {
	case StateApproved:
		kind = audit.KindApprovalApproved
	case StateExpired:
		kind = audit.KindApprovalExpired
	}
	payload := map[string]string{
		"action_id": r.Action.ID,
		"state":     string(r.State),
		"rationale": r.Rationale,
		"lane":      string(r.Lane),
	}
	if r.DecidedAt != nil {
		payload["decided_at"] = r.DecidedAt.Format(time.RFC3339Nano)
	}
	if len(r.ApprovedCovers) > 0 {
		payload["covers"] = strings.Join(r.ApprovedCovers, ",")
	}
	if r.Withdrawn {
		payload["withdrawn"] = "true"
	}
	e.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectApproval,
		SubjectID:   r.ID,
		Kind:        kind,
		ActorID:     actor,
		Payload:     payload,
	})
}

// violation records a policy violation as an audit event, a log line, and
// a security alert.
func (e *Engine) violation(r Record, actor string, err error) {
	code := ViolationCode(err)
	severity := alert.SeverityWarning
	if errors.Is(err, ErrSelfApproval) || errors.Is(err, ErrNotOriginator) {
		severity = alert.SeverityCritical
	}

	e.logger.Warn("approval policy violation",
		"approval_id", r.ID,
		"action_id", r.Action.ID,
		"actor", actor,
		"code", code,
		"error", err,
	)
	e.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectApproval,
		SubjectID:   r.ID,
		Kind:        audit.KindPolicyViolation,
		ActorID:     actor,
		Payload: map[string]string{
			"code":   code,
			"reason": err.Error(),
			"state":  string(r.State),
		},
	})
	e.alerts.Dispatch(alert.AlertEvent{
		Timestamp:   e.now().UTC().Format(audit.TimestampFormat),
		Type:        alert.TypePolicyViolation,
		Severity:    severity,
		SubjectType: audit.SubjectApproval,
		SubjectID:   r.ID,
		Actor:       actor,
		Reason:      err.Error(),
		Tier:        r.Action.Tier.String(),
	})
}

// isViolation reports whether err is a policy violation rather than an
// input or storage failure.
func isViolation(err error) bool {
	for _, target := range []error{
		ErrSelfApproval, ErrAlreadyTerminal, ErrExpired,
		ErrDuplicateRequest, ErrCoverageMismatch, ErrNotOriginator,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ViolationCode maps an engine error to its machine-readable code.
func ViolationCode(err error) string {
	switch {
	case errors.Is(err, ErrSelfApproval):
		return "self_approval_denied"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyTerminal):
		return "already_terminal"
	case errors.Is(err, ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, ErrCoverageMismatch):
		return "coverage_mismatch"
	case errors.Is(err, ErrNotOriginator):
		return "not_originator"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "invalid_request"
	}
}

func (e *Engine) notify(ctx context.Context, r Record) {
	e.mu.RLock()
	ls := append([]Listener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, l := range ls {
		l.OnDecision(ctx, r.Clone())
	}
}
