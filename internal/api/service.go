package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GatewayServer is the server API for the gateway service.
type GatewayServer interface {
	Submit(context.Context, SubmitRequest) (Result, error)
	Status(context.Context, IDRequest) (Result, error)
	Withdraw(context.Context, IDRequest) (Result, error)
	Decide(context.Context, DecideRequest) (DecideResponse, error)
	ListPending(context.Context, ListRequest) (ListResponse, error)
	Sweep(context.Context, Empty) (ListResponse, error)
	TrustScore(context.Context, TrustScoreRequest) (TrustScoreResponse, error)
	RecordSignal(context.Context, RecordSignalRequest) (EntryResponse, error)
	Rollback(context.Context, RollbackRequest) (EntryResponse, error)
}

// RegisterGatewayServer registers srv on s.
func RegisterGatewayServer(s grpc.ServiceRegistrar, srv GatewayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// ServiceDesc describes the gateway service for grpc.Server.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodSubmit, GatewayServer.Submit),
		unary(MethodStatus, GatewayServer.Status),
		unary(MethodWithdraw, GatewayServer.Withdraw),
		unary(MethodDecide, GatewayServer.Decide),
		unary(MethodListPending, GatewayServer.ListPending),
		unary(MethodSweep, GatewayServer.Sweep),
		unary(MethodTrustScore, GatewayServer.TrustScore),
		unary(MethodRecordSignal, GatewayServer.RecordSignal),
		unary(MethodRollback, GatewayServer.Rollback),
	},
	Metadata: "chaingate/v1/gateway.proto",
}

func unary[Req, Resp any](name string, call func(GatewayServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, req any) (any, error) {
				var r Req
				if err := Decode(req.(*structpb.Struct), &r); err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				resp, err := call(srv.(GatewayServer), ctx, r)
				if err != nil {
					return nil, err
				}
				out, err := Encode(resp)
				if err != nil {
					return nil, status.Error(codes.Internal, err.Error())
				}
				return out, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GatewayClient is the client API for the gateway service.
type GatewayClient struct {
	cc grpc.ClientConnInterface
}

// NewGatewayClient wraps a connection.
func NewGatewayClient(cc grpc.ClientConnInterface) *GatewayClient {
	return &GatewayClient{cc: cc}
}

// Submit proposes an action.
func (c *GatewayClient) Submit(ctx context.Context, in SubmitRequest, opts ...grpc.CallOption) (Result, error) {
	return invoke[Result](ctx, c.cc, MethodSubmit, in, opts)
}

// Status reports the result for an action or approval id.
func (c *GatewayClient) Status(ctx context.Context, in IDRequest, opts ...grpc.CallOption) (Result, error) {
	return invoke[Result](ctx, c.cc, MethodStatus, in, opts)
}

// Withdraw cancels a pending action.
func (c *GatewayClient) Withdraw(ctx context.Context, in IDRequest, opts ...grpc.CallOption) (Result, error) {
	return invoke[Result](ctx, c.cc, MethodWithdraw, in, opts)
}

// Decide approves or rejects a pending record.
func (c *GatewayClient) Decide(ctx context.Context, in DecideRequest, opts ...grpc.CallOption) (DecideResponse, error) {
	return invoke[DecideResponse](ctx, c.cc, MethodDecide, in, opts)
}

// ListPending lists approval records.
func (c *GatewayClient) ListPending(ctx context.Context, in ListRequest, opts ...grpc.CallOption) (ListResponse, error) {
	return invoke[ListResponse](ctx, c.cc, MethodListPending, in, opts)
}

// Sweep expires overdue records now.
func (c *GatewayClient) Sweep(ctx context.Context, opts ...grpc.CallOption) (ListResponse, error) {
	return invoke[ListResponse](ctx, c.cc, MethodSweep, Empty{}, opts)
}

// TrustScore reads an entity's score.
func (c *GatewayClient) TrustScore(ctx context.Context, in TrustScoreRequest, opts ...grpc.CallOption) (TrustScoreResponse, error) {
	return invoke[TrustScoreResponse](ctx, c.cc, MethodTrustScore, in, opts)
}

// RecordSignal appends a trust signal from the calling principal.
func (c *GatewayClient) RecordSignal(ctx context.Context, in RecordSignalRequest, opts ...grpc.CallOption) (EntryResponse, error) {
	return invoke[EntryResponse](ctx, c.cc, MethodRecordSignal, in, opts)
}

// Rollback appends a rollback marker.
func (c *GatewayClient) Rollback(ctx context.Context, in RollbackRequest, opts ...grpc.CallOption) (EntryResponse, error) {
	return invoke[EntryResponse](ctx, c.cc, MethodRollback, in, opts)
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (Resp, error) {
	var resp Resp
	req, err := Encode(in)
	if err != nil {
		return resp, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return resp, err
	}
	err = Decode(out, &resp)
	return resp, err
}
