package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/chaingate/internal/api"
	"github.com/ppiankov/chaingate/internal/approval"
	"github.com/ppiankov/chaingate/internal/gateway"
	"github.com/ppiankov/chaingate/internal/policy"
	"github.com/ppiankov/chaingate/internal/trust"
)

// Config holds gRPC server configuration.
type Config struct {
	Addr       string
	PolicyPath string
}

// Server implements the gateway gRPC service on top of the in-process
// gateway, approval engine, and trust ledger.
type Server struct {
	gateway *gateway.Gateway
	engine  *approval.Engine
	ledger  *trust.Ledger
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu         sync.RWMutex
	policyHash string

	grpcServer *grpc.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// WithPolicyHash records the hash of the policy the gateway started with.
func WithPolicyHash(hash string) Option {
	return func(s *Server) { s.policyHash = hash }
}

// New creates a gRPC server over an already wired gateway. ledger may be
// nil, in which case trust RPCs fail with FailedPrecondition.
func New(cfg Config, gw *gateway.Gateway, engine *approval.Engine, ledger *trust.Ledger, opts ...Option) *Server {
	s := &Server{
		gateway: gw,
		engine:  engine,
		ledger:  ledger,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	api.RegisterGatewayServer(s.grpcServer, s)
	return s
}

// Serve starts the gRPC server on the configured address. Blocks until stopped.
func (s *Server) Serve() error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOn(lis)
}

// ServeOn starts the gRPC server on the given listener.
func (s *Server) ServeOn(lis net.Listener) error {
	s.logger.Info("gateway listening", "addr", lis.Addr().String(), "policy_hash", s.PolicyHash())
	return s.grpcServer.Serve(lis)
}

// GracefulStop gracefully shuts down the gRPC server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// PolicyHash returns the hash of the active policy file.
func (s *Server) PolicyHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policyHash
}

// ReloadPolicy re-reads the policy file and swaps it into every component.
// An invalid file leaves the running policy untouched.
func (s *Server) ReloadPolicy() error {
	cfg, hash, err := policy.LoadConfigWithHash(s.cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to reload policy config: %w", err)
	}

	s.gateway.SetPolicy(cfg)
	s.engine.SetConfig(cfg.Approval)
	if s.ledger != nil {
		s.ledger.SetConfig(cfg.Trust)
	}

	s.mu.Lock()
	prev := s.policyHash
	s.policyHash = hash
	s.mu.Unlock()

	s.logger.Info("policy reloaded", "path", s.cfg.PolicyPath, "previous_hash", prev, "policy_hash", hash)
	return nil
}

// Submit implements the Submit RPC.
func (s *Server) Submit(ctx context.Context, req api.SubmitRequest) (api.Result, error) {
	agent, err := requireMetadata(ctx, api.MetadataAgent)
	if err != nil {
		return api.Result{}, err
	}
	res, err := s.gateway.Submit(ctx, agent, req)
	if err != nil {
		return api.Result{}, statusFor(err)
	}
	return res, nil
}

// Status implements the Status RPC.
func (s *Server) Status(ctx context.Context, req api.IDRequest) (api.Result, error) {
	agent, err := requireMetadata(ctx, api.MetadataAgent)
	if err != nil {
		return api.Result{}, err
	}
	res, err := s.gateway.Status(ctx, agent, req.ID)
	if err != nil {
		return api.Result{}, statusFor(err)
	}
	return res, nil
}

// Withdraw implements the Withdraw RPC.
func (s *Server) Withdraw(ctx context.Context, req api.IDRequest) (api.Result, error) {
	agent, err := requireMetadata(ctx, api.MetadataAgent)
	if err != nil {
		return api.Result{}, err
	}
	res, err := s.gateway.Withdraw(ctx, agent, req.ID)
	if err != nil {
		return api.Result{}, statusFor(err)
	}
	return res, nil
}

// Decide implements the Decide RPC. The reviewer is the authenticated
// principal; nothing in the request body can name one.
func (s *Server) Decide(ctx context.Context, req api.DecideRequest) (api.DecideResponse, error) {
	principal, err := requireMetadata(ctx, api.MetadataPrincipal)
	if err != nil {
		return api.DecideResponse{}, err
	}
	outcome, err := approval.ParseOutcome(req.Outcome)
	if err != nil {
		return api.DecideResponse{}, statusFor(err)
	}
	rec, err := s.engine.Decide(ctx, req.ID, approval.Decision{
		Principal: principal,
		Outcome:   outcome,
		Rationale: req.Rationale,
		Covers:    req.Covers,
	})
	if err != nil {
		return api.DecideResponse{}, statusFor(err)
	}
	res, err := s.gateway.Resume(ctx, rec.ID)
	if err != nil {
		return api.DecideResponse{}, statusFor(err)
	}
	return api.DecideResponse{Record: rec, Result: res}, nil
}

// ListPending implements the ListPending RPC. State "all" lists every record.
func (s *Server) ListPending(ctx context.Context, req api.ListRequest) (api.ListResponse, error) {
	if _, err := requireMetadata(ctx, api.MetadataPrincipal); err != nil {
		return api.ListResponse{}, err
	}
	f := approval.Filter{State: approval.State(strings.ToLower(strings.TrimSpace(req.State))), Principal: req.Principal}
	switch f.State {
	case "":
		f.State = approval.StatePending
	case "all":
		f.State = ""
	case approval.StatePending, approval.StateApproved, approval.StateRejected, approval.StateExpired:
	default:
		return api.ListResponse{}, api.Error(codes.InvalidArgument, "invalid_request", fmt.Errorf("unknown state %q", req.State))
	}
	recs, err := s.engine.List(ctx, f)
	if err != nil {
		return api.ListResponse{}, statusFor(err)
	}
	return api.ListResponse{Approvals: recs}, nil
}

// Sweep implements the Sweep RPC.
func (s *Server) Sweep(ctx context.Context, _ api.Empty) (api.ListResponse, error) {
	if _, err := requireMetadata(ctx, api.MetadataPrincipal); err != nil {
		return api.ListResponse{}, err
	}
	expired, err := s.engine.SweepExpired(ctx, s.now())
	if err != nil {
		return api.ListResponse{}, statusFor(err)
	}
	return api.ListResponse{Approvals: expired}, nil
}

// TrustScore implements the TrustScore RPC.
func (s *Server) TrustScore(ctx context.Context, req api.TrustScoreRequest) (api.TrustScoreResponse, error) {
	if fromMetadata(ctx, api.MetadataPrincipal) == "" && fromMetadata(ctx, api.MetadataAgent) == "" {
		return api.TrustScoreResponse{}, unauthenticated(api.MetadataPrincipal)
	}
	if s.ledger == nil {
		return api.TrustScoreResponse{}, errNoLedger
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = s.now()
	}
	level, score, err := s.ledger.Level(ctx, req.EntityID, asOf)
	if err != nil {
		return api.TrustScoreResponse{}, statusFor(err)
	}
	return api.TrustScoreResponse{Score: score, Level: level}, nil
}

// RecordSignal implements the RecordSignal RPC. The calling principal is
// the signal source and may not endorse itself.
func (s *Server) RecordSignal(ctx context.Context, req api.RecordSignalRequest) (api.EntryResponse, error) {
	principal, err := requireMetadata(ctx, api.MetadataPrincipal)
	if err != nil {
		return api.EntryResponse{}, err
	}
	if s.ledger == nil {
		return api.EntryResponse{}, errNoLedger
	}
	if strings.EqualFold(strings.TrimSpace(req.EntityID), principal) {
		return api.EntryResponse{}, api.Error(codes.PermissionDenied, "self_endorsement",
			fmt.Errorf("principal %s cannot record signals about itself", principal))
	}
	observed := req.ObservedAt
	if observed.IsZero() {
		observed = s.now()
	}
	entry, err := s.ledger.RecordSignal(ctx, req.EntityID, principal, req.Magnitude, observed)
	if err != nil {
		return api.EntryResponse{}, statusFor(err)
	}
	return api.EntryResponse{Entry: entry}, nil
}

// Rollback implements the Rollback RPC.
func (s *Server) Rollback(ctx context.Context, req api.RollbackRequest) (api.EntryResponse, error) {
	principal, err := requireMetadata(ctx, api.MetadataPrincipal)
	if err != nil {
		return api.EntryResponse{}, err
	}
	if s.ledger == nil {
		return api.EntryResponse{}, errNoLedger
	}
	if req.To.IsZero() {
		return api.EntryResponse{}, api.Error(codes.InvalidArgument, "invalid_request", errors.New("rollback target time is required"))
	}
	entry, err := s.ledger.Rollback(ctx, req.EntityID, req.To, principal)
	if err != nil {
		return api.EntryResponse{}, statusFor(err)
	}
	return api.EntryResponse{Entry: entry}, nil
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := s.now()
	resp, err := handler(ctx, req)
	attrs := []any{
		"method", info.FullMethod,
		"agent", fromMetadata(ctx, api.MetadataAgent),
		"principal", fromMetadata(ctx, api.MetadataPrincipal),
		"code", status.Code(err).String(),
		"duration", s.now().Sub(start),
	}
	if err != nil {
		s.logger.Warn("rpc failed", append(attrs, "error", err)...)
	} else {
		s.logger.Debug("rpc", attrs...)
	}
	return resp, err
}

var errNoLedger = status.Error(codes.FailedPrecondition, "trust ledger not configured")

func fromMetadata(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

func requireMetadata(ctx context.Context, key string) (string, error) {
	v := fromMetadata(ctx, key)
	if v == "" {
		return "", unauthenticated(key)
	}
	return v, nil
}

func unauthenticated(key string) error {
	return api.Error(codes.Unauthenticated, "unauthenticated", fmt.Errorf("missing %s metadata", key))
}

// statusFor maps a domain error to a gRPC status with a reason code.
func statusFor(err error) error {
	if _, ok := status.FromError(err); ok && status.Code(err) != codes.Unknown {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, trust.ErrInvalidSignal):
		return api.Error(codes.InvalidArgument, "invalid_request", err)
	case policy.IsConfigurationError(err):
		return api.Error(codes.FailedPrecondition, "configuration_error", err)
	}

	reason := approval.ViolationCode(err)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		return api.Error(codes.NotFound, reason, err)
	case errors.Is(err, approval.ErrSelfApproval), errors.Is(err, approval.ErrNotOriginator):
		return api.Error(codes.PermissionDenied, reason, err)
	case errors.Is(err, approval.ErrExpired), errors.Is(err, approval.ErrAlreadyTerminal):
		return api.Error(codes.FailedPrecondition, reason, err)
	case errors.Is(err, approval.ErrDuplicateRequest):
		return api.Error(codes.AlreadyExists, reason, err)
	case errors.Is(err, approval.ErrCoverageMismatch), errors.Is(err, approval.ErrInvalidDecision):
		return api.Error(codes.InvalidArgument, reason, err)
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
