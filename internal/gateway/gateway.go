package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ppiankov/chaingate/internal/alert"
	"github.com/ppiankov/chaingate/internal/approval"
	"github.com/ppiankov/chaingate/internal/audit"
	"github.com/ppiankov/chaingate/internal/model"
	"github.com/ppiankov/chaingate/internal/policy"
	"github.com/ppiankov/chaingate/internal/redact"
	"github.com/ppiankov/chaingate/internal/trust"
)

// Proposal is what an agent asks for. It carries no identity or authority
// fields: the principal is supplied separately by the transport.
type Proposal struct {
	Kind       string            `json:"kind"`
	Target     string            `json:"target"`
	Params     map[string]any    `json:"params,omitempty"`
	SubActions []model.SubAction `json:"sub_actions,omitempty"`
}

// degrader is implemented by audit sinks that can report lost events.
type degrader interface {
	Degraded() bool
}

// Gateway mediates every effectful action an agent proposes.
type Gateway struct {
	policy   atomic.Pointer[policy.Config]
	engine   *approval.Engine
	ledger   *trust.Ledger
	executor Executor
	claims   ClaimStore
	emitter  audit.Emitter
	alerts   *alert.Dispatcher
	logger   *slog.Logger
	now      func() time.Time

	dispatches sync.Map // approval id -> *dispatch, in flight only
	settled    *resultCache
	history    *kindHistory
}

type dispatch struct {
	mu     sync.Mutex
	done   bool
	result Result
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClaims sets the dispatch claim store. Defaults to in-memory.
func WithClaims(c ClaimStore) Option {
	return func(g *Gateway) { g.claims = c }
}

// WithLedger enables the expedited lane for trusted principals.
func WithLedger(l *trust.Ledger) Option {
	return func(g *Gateway) { g.ledger = l }
}

// WithAlerts routes execution failures to a webhook dispatcher.
func WithAlerts(d *alert.Dispatcher) Option {
	return func(g *Gateway) { g.alerts = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New builds a gateway and subscribes it to the engine's decisions.
func New(cfg *policy.Config, engine *approval.Engine, executor Executor, emitter audit.Emitter, opts ...Option) *Gateway {
	if emitter == nil {
		emitter = audit.Discard{}
	}
	g := &Gateway{
		engine:   engine,
		executor: executor,
		claims:   &MemoryClaims{},
		emitter:  emitter,
		logger:   slog.Default(),
		now:      time.Now,
		settled:  newResultCache(settledResults),
		history:  newKindHistory(),
	}
	g.policy.Store(cfg)
	for _, opt := range opts {
		opt(g)
	}
	engine.Subscribe(g)
	return g
}

// SetPolicy swaps the active policy. In-flight requests keep the tier
// they were classified with.
func (g *Gateway) SetPolicy(cfg *policy.Config) {
	g.policy.Store(cfg)
}

// Policy returns the active policy.
func (g *Gateway) Policy() *policy.Config {
	return g.policy.Load()
}

// Submit classifies and routes a proposal from principal. Read-only
// actions execute immediately; everything else waits for approval.
func (g *Gateway) Submit(ctx context.Context, principal string, p Proposal) (Result, error) {
	principal = strings.TrimSpace(principal)
	if principal == "" {
		return rejected(ReasonInvalidRequest, "missing agent principal"), nil
	}
	req, err := g.newRequest(principal, p)
	if err != nil {
		return rejected(ReasonInvalidRequest, err.Error()), nil
	}

	share, judged := g.history.observe(principal, req.Kind)
	rare := anomalous(share, judged)
	payload := actionPayload(req, g.policy.Load().Audit.RedactKeys)
	if rare {
		payload["anomaly"] = "rare_kind"
		g.logger.Warn("rare action kind for principal",
			"action_id", req.ID,
			"principal", principal,
			"kind", req.Kind,
			"share", share,
			"threshold", AnomalyThreshold,
		)
	}
	g.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectAction,
		SubjectID:   req.ID,
		Kind:        audit.KindActionCreated,
		ActorID:     principal,
		Payload:     payload,
	})

	if !req.Tier.StateChanging() {
		return g.executeReadOnly(ctx, req), nil
	}

	lane := approval.LaneFull
	if !rare {
		lane = g.laneFor(ctx, req)
	}
	rec, err := g.engine.CreatePending(ctx, req, lane, time.Time{})
	if err != nil {
		if errors.Is(err, approval.ErrDuplicateRequest) {
			r := rejected(ReasonDuplicateRequest, err.Error())
			r.ActionID = req.ID
			return r, nil
		}
		return Result{}, fmt.Errorf("create pending approval for %s: %w", req.ID, err)
	}

	g.logger.Info("action pending approval",
		"action_id", req.ID,
		"approval_id", rec.ID,
		"principal", principal,
		"kind", req.Kind,
		"tier", req.Tier.String(),
		"lane", lane,
	)
	return Result{
		Status:     StatusPendingApproval,
		ActionID:   req.ID,
		ApprovalID: rec.ID,
		Tier:       req.Tier,
		Lane:       lane,
		Deadline:   rec.Deadline,
	}, nil
}

func (g *Gateway) newRequest(principal string, p Proposal) (model.ActionRequest, error) {
	req := model.ActionRequest{
		ID:        model.NewActionID(),
		Kind:      model.ActionKind(strings.TrimSpace(p.Kind)),
		Target:    p.Target,
		Params:    p.Params,
		Principal: principal,
		CreatedAt: g.now().UTC(),
	}
	if len(p.SubActions) > 0 {
		seen := make(map[string]bool, len(p.SubActions))
		for i, sub := range p.SubActions {
			sub.ID = strings.TrimSpace(sub.ID)
			if sub.ID == "" {
				sub.ID = "s" + strconv.Itoa(i+1)
			}
			if seen[sub.ID] {
				return model.ActionRequest{}, fmt.Errorf("duplicate sub-action id %q", sub.ID)
			}
			seen[sub.ID] = true
			if strings.TrimSpace(string(sub.Kind)) == "" {
				return model.ActionRequest{}, fmt.Errorf("sub-action %s has no kind", sub.ID)
			}
			req.SubActions = append(req.SubActions, sub)
		}
		if req.Kind == "" {
			req.Kind = "batch"
		}
	} else if req.Kind == "" {
		return model.ActionRequest{}, errors.New("action kind is required")
	}
	req = req.Clone()
	req.Tier = g.policy.Load().ClassifyRequest(req)
	return req, nil
}

// laneFor picks the review lane. High tier always gets full review; trust
// can only shorten the deadline for low tier, never skip approval. Submit
// skips it for kinds that are rare in the principal's history.
func (g *Gateway) laneFor(ctx context.Context, req model.ActionRequest) approval.Lane {
	if req.Tier != model.TierStateChangingLow || g.ledger == nil {
		return approval.LaneFull
	}
	level, score, err := g.ledger.Level(ctx, req.Principal, g.now())
	if err != nil {
		g.logger.Warn("trust lookup failed, using full review", "principal", req.Principal, "error", err)
		return approval.LaneFull
	}
	if level == trust.LevelSupervised {
		g.logger.Debug("expedited lane", "principal", req.Principal, "score", score.Value)
		return approval.LaneExpedited
	}
	return approval.LaneFull
}

// OnDecision resumes the action behind a terminal approval record.
func (g *Gateway) OnDecision(ctx context.Context, rec approval.Record) {
	res := g.resume(context.WithoutCancel(ctx), rec)
	g.logger.Info("approval resolved",
		"approval_id", rec.ID,
		"action_id", rec.Action.ID,
		"state", rec.State,
		"status", res.Status,
		"reason", res.Reason,
	)
}

// Status reports the result for an action or approval id owned by
// principal. An approved record that has not been dispatched yet is
// dispatched now, so polling resumes the gateway as well as notification.
func (g *Gateway) Status(ctx context.Context, principal, id string) (Result, error) {
	rec, err := g.lookup(ctx, id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return rejected(ReasonNotFound, "no approval record for "+id), nil
		}
		return Result{}, err
	}
	if principal != "" && !strings.EqualFold(strings.TrimSpace(principal), strings.TrimSpace(rec.Action.Principal)) {
		return rejected(ReasonNotFound, "no approval record for "+id), nil
	}
	return g.resume(ctx, rec), nil
}

// Resume settles an approval record by id without an ownership check.
// Used by operators and the startup recovery pass.
func (g *Gateway) Resume(ctx context.Context, approvalID string) (Result, error) {
	rec, err := g.engine.Get(ctx, approvalID)
	if err != nil {
		return Result{}, err
	}
	return g.resume(ctx, rec), nil
}

// ResumeDecided dispatches approved records that were never dispatched,
// for example after a restart or while audit was degraded.
func (g *Gateway) ResumeDecided(ctx context.Context) (int, error) {
	approved, err := g.engine.List(ctx, approval.Filter{State: approval.StateApproved})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range approved {
		res := g.resume(ctx, rec)
		if res.Status == StatusExecuted {
			n++
		}
	}
	return n, nil
}

// Withdraw cancels principal's pending action.
func (g *Gateway) Withdraw(ctx context.Context, principal, id string) (Result, error) {
	rec, err := g.lookup(ctx, id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return rejected(ReasonNotFound, "no approval record for "+id), nil
		}
		return Result{}, err
	}
	rec, err = g.engine.Withdraw(ctx, rec.ID, principal)
	if err != nil {
		if errors.Is(err, approval.ErrNotOriginator) {
			return rejected(ReasonNotFound, "no approval record for "+id), nil
		}
		if reasonFor(err) == ReasonInvalidRequest {
			return Result{}, err
		}
		r := rejected(reasonFor(err), err.Error())
		r.ActionID, r.ApprovalID, r.Tier = rec.Action.ID, rec.ID, rec.Action.Tier
		return r, nil
	}
	return g.resume(ctx, rec), nil
}

func (g *Gateway) lookup(ctx context.Context, id string) (approval.Record, error) {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "act-") {
		return g.engine.GetForAction(ctx, id)
	}
	return g.engine.Get(ctx, id)
}

// resume maps a record to a result, dispatching approved records at most
// once. Only the first settlement of a record emits gateway events.
func (g *Gateway) resume(ctx context.Context, rec approval.Record) Result {
	base := Result{
		ActionID:   rec.Action.ID,
		ApprovalID: rec.ID,
		Tier:       rec.Action.Tier,
		Lane:       rec.Lane,
		Deadline:   rec.Deadline,
	}
	if rec.State == approval.StatePending {
		base.Status = StatusPendingApproval
		return base
	}

	if res, ok := g.settled.get(rec.ID); ok {
		return res
	}
	v, _ := g.dispatches.LoadOrStore(rec.ID, &dispatch{})
	d := v.(*dispatch)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return d.result
	}
	// A caller that raced the previous owner's cleanup lands here with a
	// fresh entry; the settled cache already has the answer.
	if res, ok := g.settled.get(rec.ID); ok {
		g.dispatches.CompareAndDelete(rec.ID, d)
		return res
	}

	var res Result
	switch rec.State {
	case approval.StateApproved:
		res = g.dispatchApproved(ctx, rec, base)
	default:
		res = g.discard(ctx, rec, base)
	}
	if res.final() {
		d.done = true
		d.result = res
		g.settled.put(rec.ID, res)
		g.dispatches.CompareAndDelete(rec.ID, d)
	}
	return res
}

func (g *Gateway) discard(ctx context.Context, rec approval.Record, res Result) Result {
	res.Status = StatusRejected
	switch {
	case rec.State == approval.StateExpired:
		res.Reason = ReasonExpired
	case rec.Withdrawn:
		res.Reason = ReasonWithdrawn
	default:
		res.Reason = ReasonRejected
	}
	res.Detail = rec.Rationale

	// Claimed so a record evicted from the settled cache is not discarded
	// twice in the audit log.
	claimed, err := g.claims.Claim(ctx, rec.ID+".discard")
	if err != nil {
		g.logger.Warn("discard claim failed", "approval_id", rec.ID, "error", err)
	}
	if err == nil && !claimed {
		return res
	}
	g.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectAction,
		SubjectID:   rec.Action.ID,
		Kind:        audit.KindDiscarded,
		ActorID:     rec.DecidedBy,
		Payload: map[string]string{
			"approval_id": rec.ID,
			"reason":      string(res.Reason),
		},
	})
	return res
}

func (g *Gateway) dispatchApproved(ctx context.Context, rec approval.Record, res Result) Result {
	if d, ok := g.emitter.(degrader); ok && d.Degraded() {
		g.logger.Error("dispatch withheld: audit sink degraded", "approval_id", rec.ID, "action_id", rec.Action.ID)
		g.emitter.Emit(audit.Event{
			SubjectType: audit.SubjectAction,
			SubjectID:   rec.Action.ID,
			Kind:        audit.KindDispatchWithheld,
			ActorID:     rec.DecidedBy,
			Payload:     map[string]string{"approval_id": rec.ID},
		})
		res.Status = StatusFailed
		res.Reason = ReasonAuditUnavailable
		res.Detail = "approved; dispatch withheld until the audit sink recovers"
		return res
	}

	claimed, err := g.claims.Claim(ctx, rec.ID)
	if err != nil {
		g.logger.Error("dispatch claim failed", "approval_id", rec.ID, "error", err)
		res.Status = StatusFailed
		res.Reason = ReasonClaimUnavailable
		res.Detail = "approved; dispatch claim failed: " + err.Error()
		return res
	}
	if !claimed {
		res.Status = StatusFailed
		res.Reason = ReasonAlreadyDispatched
		res.Detail = "approval was already dispatched"
		return res
	}

	if !rec.Action.IsBatch() {
		out, err := g.execute(ctx, rec.Action.ID, "", rec.Action.Kind, rec.Action.Target, rec.Action.Params, 0)
		return g.settle(rec, res, &out, nil, err)
	}

	// Only sub-actions the approver enumerated are dispatched.
	approved := make(map[string]bool, len(rec.ApprovedCovers))
	for _, id := range rec.ApprovedCovers {
		approved[id] = true
	}
	outputs := make(map[string]Output)
	for _, sub := range rec.Action.SubActions {
		if !approved[sub.ID] {
			continue
		}
		out, err := g.execute(ctx, rec.Action.ID, sub.ID, sub.Kind, sub.Target, sub.Params, 0)
		if err != nil {
			return g.settle(rec, res, nil, outputs, err)
		}
		outputs[sub.ID] = out
	}
	return g.settle(rec, res, nil, outputs, nil)
}

func (g *Gateway) settle(rec approval.Record, res Result, out *Output, outputs map[string]Output, err error) Result {
	payload := map[string]string{"approval_id": rec.ID}
	if len(outputs) > 0 {
		payload["sub_actions"] = joinKeys(outputs)
	}
	if err != nil {
		payload["error"] = err.Error()
		g.emitter.Emit(audit.Event{
			SubjectType: audit.SubjectAction,
			SubjectID:   rec.Action.ID,
			Kind:        audit.KindExecutionFailed,
			ActorID:     rec.DecidedBy,
			Payload:     payload,
		})
		g.alerts.Dispatch(alert.AlertEvent{
			Timestamp:   g.now().UTC().Format(audit.TimestampFormat),
			Type:        alert.TypeExecutionFailure,
			Severity:    alert.SeverityError,
			SubjectType: audit.SubjectAction,
			SubjectID:   rec.Action.ID,
			Actor:       rec.Action.Principal,
			Reason:      err.Error(),
			Tier:        rec.Action.Tier.String(),
		})
		g.logger.Error("approved action failed", "approval_id", rec.ID, "action_id", rec.Action.ID, "error", err)
		res.Status = StatusFailed
		res.Reason = ReasonExecutionError
		res.Detail = err.Error()
		if len(outputs) > 0 {
			res.Outputs = outputs
		}
		return res
	}

	g.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectAction,
		SubjectID:   rec.Action.ID,
		Kind:        audit.KindDispatched,
		ActorID:     rec.DecidedBy,
		Payload:     payload,
	})
	res.Status = StatusExecuted
	res.Output = out
	if len(outputs) > 0 {
		res.Outputs = outputs
	}
	return res
}

func (g *Gateway) executeReadOnly(ctx context.Context, req model.ActionRequest) Result {
	res := Result{ActionID: req.ID, Tier: req.Tier}
	retries := g.policy.Load().Gateway.ReadOnlyRetries

	var (
		out     Output
		outputs map[string]Output
		err     error
	)
	if req.IsBatch() {
		outputs = make(map[string]Output)
		for _, sub := range req.SubActions {
			var o Output
			o, err = g.execute(ctx, req.ID, sub.ID, sub.Kind, sub.Target, sub.Params, retries)
			if err != nil {
				break
			}
			outputs[sub.ID] = o
		}
	} else {
		out, err = g.execute(ctx, req.ID, "", req.Kind, req.Target, req.Params, retries)
	}

	kind := audit.KindReadOnlyExecuted
	payload := map[string]string{"tier": req.Tier.String()}
	if err != nil {
		kind = audit.KindExecutionFailed
		payload["error"] = err.Error()
	}
	g.emitter.Emit(audit.Event{
		SubjectType: audit.SubjectAction,
		SubjectID:   req.ID,
		Kind:        kind,
		ActorID:     req.Principal,
		Payload:     payload,
	})

	if err != nil {
		res.Status = StatusFailed
		res.Reason = ReasonExecutionError
		res.Detail = err.Error()
		return res
	}
	res.Status = StatusExecuted
	if req.IsBatch() {
		res.Outputs = outputs
	} else {
		res.Output = &out
	}
	return res
}

// execute runs the executor, retrying transient failures up to retries
// times. Callers pass zero retries for state-changing actions.
func (g *Gateway) execute(ctx context.Context, actionID, subID string, kind model.ActionKind, target string, params map[string]any, retries int) (Output, error) {
	cfg := g.policy.Load().Gateway
	var err error
	attempts := 0
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Output{}, &ExecutionError{ActionID: actionID, SubActionID: subID, Attempts: attempts, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * cfg.RetryBackoff):
			}
		}
		attempts++
		execCtx, cancel := ctx, context.CancelFunc(func() {})
		if cfg.ExecuteTimeout > 0 {
			execCtx, cancel = context.WithTimeout(ctx, cfg.ExecuteTimeout)
		}
		var out Output
		out, err = g.executor.Execute(execCtx, kind, target, params)
		cancel()
		if err == nil {
			return out, nil
		}
		if !IsTransient(err) {
			break
		}
		g.logger.Warn("transient executor failure", "action_id", actionID, "attempt", attempts, "error", err)
	}
	return Output{}, &ExecutionError{ActionID: actionID, SubActionID: subID, Attempts: attempts, Err: err}
}

func rejected(reason Reason, detail string) Result {
	return Result{Status: StatusRejected, Tier: model.TierStateChangingHigh, Reason: reason, Detail: detail}
}

// actionPayload renders req for the audit log with sensitive params masked.
func actionPayload(req model.ActionRequest, redactKeys []string) map[string]string {
	payload := map[string]string{
		"kind":   string(req.Kind),
		"target": redact.String(req.Target),
		"tier":   req.Tier.String(),
	}
	if len(req.Params) > 0 {
		if data, err := json.Marshal(redact.Params(req.Params, redactKeys)); err == nil {
			payload["params"] = string(data)
		}
	}
	if req.IsBatch() {
		payload["sub_actions"] = strings.Join(req.SubActionIDs(), ",")
	}
	return payload
}

func joinKeys(m map[string]Output) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}
