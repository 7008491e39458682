package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/structpb"

	"mylucky.org/internal/clock"
	"mylucky.org/internal/custody"
	"mylucky.org/internal/deploy"
	"mylucky.org/internal/obs"
	"mylucky.org/internal/timelock"
	"mylucky.org/internal/vesting"
)

// ReleaseServiceName is the fully qualified gRPC service name. Messages are
// google.protobuf.Struct: requests carry {"id": "<component address>"}.
const ReleaseServiceName = "mylucky.v1.ReleaseService"

// ReleaseServiceServer is the server API for mylucky.v1.ReleaseService.
type ReleaseServiceServer interface {
	GetSchedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseSchedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReleaseLock(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type releaseCall func(ReleaseServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call releaseCall) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ReleaseServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ReleaseServiceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ReleaseServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ReleaseServiceDesc describes mylucky.v1.ReleaseService for grpc.Server.
var ReleaseServiceDesc = grpc.ServiceDesc{
	ServiceName: ReleaseServiceName,
	HandlerType: (*ReleaseServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetSchedule", Handler: unaryHandler("GetSchedule", ReleaseServiceServer.GetSchedule)},
		{MethodName: "ReleaseSchedule", Handler: unaryHandler("ReleaseSchedule", ReleaseServiceServer.ReleaseSchedule)},
		{MethodName: "GetLock", Handler: unaryHandler("GetLock", ReleaseServiceServer.GetLock)},
		{MethodName: "ReleaseLock", Handler: unaryHandler("ReleaseLock", ReleaseServiceServer.ReleaseLock)},
	},
	Metadata: "mylucky/v1/release.proto",
}

// ReleaseServiceClient calls mylucky.v1.ReleaseService.
type ReleaseServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewReleaseServiceClient(cc grpc.ClientConnInterface) *ReleaseServiceClient {
	return &ReleaseServiceClient{cc: cc}
}

func (c *ReleaseServiceClient) invoke(ctx context.Context, method, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ReleaseServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ReleaseServiceClient) GetSchedule(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetSchedule", id, opts...)
}

func (c *ReleaseServiceClient) ReleaseSchedule(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ReleaseSchedule", id, opts...)
}

func (c *ReleaseServiceClient) GetLock(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetLock", id, opts...)
}

func (c *ReleaseServiceClient) ReleaseLock(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ReleaseLock", id, opts...)
}

// GRPCServer implements ReleaseService over a deployment and keeps the
// standard health service in step with readiness.
type GRPCServer struct {
	deployment *deploy.Deployment
	readiness  readinessChecker
	health     *health.Server
	clock      clock.Clock
}

var _ ReleaseServiceServer = (*GRPCServer)(nil)

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(r readinessChecker, d *deploy.Deployment) *GRPCServer {
	return &GRPCServer{
		deployment: d,
		readiness:  r,
		health:     health.NewServer(),
		clock:      clock.System{},
	}
}

// Register adds ReleaseService and grpc.health.v1.Health to server.
func (s *GRPCServer) Register(server *grpc.Server) {
	server.RegisterService(&ReleaseServiceDesc, s)
	healthpb.RegisterHealthServer(server, s.health)
	s.RefreshHealth(context.Background())
}

// RefreshHealth runs the readiness check and publishes the result.
func (s *GRPCServer) RefreshHealth(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.readiness.Check(ctx); err != nil || s.deployment == nil {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(st == healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ReleaseServiceName, st)
}

// Shutdown marks every service as not serving.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }

func (s *GRPCServer) GetSchedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sched, err := s.schedule(req)
	if err != nil {
		return nil, err
	}
	st, err := sched.Status(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	return toStruct(newScheduleView(st))
}

func (s *GRPCServer) ReleaseSchedule(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sched, err := s.schedule(req)
	if err != nil {
		return nil, err
	}
	amount, err := sched.Release(ctx)
	return s.releaseResult(sched.Address(), amount.String(), err)
}

func (s *GRPCServer) GetLock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	lk, err := s.lock(req)
	if err != nil {
		return nil, err
	}
	st, err := lk.Status(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "status: %v", err)
	}
	return toStruct(newLockView(st))
}

func (s *GRPCServer) ReleaseLock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	lk, err := s.lock(req)
	if err != nil {
		return nil, err
	}
	amount, err := lk.Release(ctx)
	return s.releaseResult(lk.Address(), amount.String(), err)
}

func (s *GRPCServer) schedule(req *structpb.Struct) (*vesting.Schedule, error) {
	id, err := s.componentID(req)
	if err != nil {
		return nil, err
	}
	sched, ok := s.deployment.Schedule(id)
	if !ok {
		return nil, status.Error(codes.NotFound, "schedule not found")
	}
	return sched, nil
}

func (s *GRPCServer) lock(req *structpb.Struct) (*timelock.TimeLock, error) {
	id, err := s.componentID(req)
	if err != nil {
		return nil, err
	}
	lk, ok := s.deployment.Lock(id)
	if !ok {
		return nil, status.Error(codes.NotFound, "lock not found")
	}
	return lk, nil
}

func (s *GRPCServer) componentID(req *structpb.Struct) (common.Address, error) {
	if s.deployment == nil {
		return common.Address{}, status.Error(codes.Unavailable, "no deployment loaded")
	}
	raw := req.GetFields()["id"].GetStringValue()
	if !common.IsHexAddress(raw) {
		return common.Address{}, status.Error(codes.InvalidArgument, "id must be a hex address")
	}
	return common.HexToAddress(raw), nil
}

func (s *GRPCServer) releaseResult(component common.Address, amount string, err error) (*structpb.Struct, error) {
	if err == nil {
		return toStruct(releaseResponse{Component: component.Hex(), Amount: amount})
	}
	if custody.IsNoOp(err) {
		return toStruct(releaseResponse{Component: component.Hex(), Amount: "0", NoOp: true, Reason: err.Error()})
	}
	return nil, s.statusFromError(err)
}

// statusFromError mirrors the HTTP mapping: policy failures carry RetryInfo.
func (s *GRPCServer) statusFromError(err error) error {
	switch custody.KindOf(err) {
	case custody.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	case custody.KindPolicy:
		st := status.New(codes.FailedPrecondition, err.Error())
		if at, ok := custody.RetryAt(err); ok {
			delay := time.Duration(retryAfterSeconds(at, s.clock.Now())) * time.Second
			if withInfo, derr := st.WithDetails(&errdetails.RetryInfo{RetryDelay: durationpb.New(delay)}); derr == nil {
				st = withInfo
			}
		}
		return st.Err()
	case custody.KindTransfer:
		return status.Error(codes.Aborted, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// toStruct converts a JSON-tagged view into a Struct message.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return out, nil
}
