package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joseph-ayodele/medsummary/constants"
	"github.com/joseph-ayodele/medsummary/internal/common"
	"github.com/joseph-ayodele/medsummary/internal/pipeline"
)

const VisitServiceName = "medsummary.v1.VisitService"

// VisitServiceServer is the gRPC surface of the controller. Messages are
// google.protobuf.Struct carrying the same JSON shapes as the HTTP API.
type VisitServiceServer interface {
	Advance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func unaryHandler(method string, call func(VisitServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + VisitServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(VisitServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(VisitServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

var VisitServiceDesc = grpc.ServiceDesc{
	ServiceName: VisitServiceName,
	HandlerType: (*VisitServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Advance", Handler: unaryHandler("Advance", VisitServiceServer.Advance)},
		{MethodName: "GetStatus", Handler: unaryHandler("GetStatus", VisitServiceServer.GetStatus)},
		{MethodName: "GetResult", Handler: unaryHandler("GetResult", VisitServiceServer.GetResult)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "medsummary/v1/visit.proto",
}

// VisitService serves VisitServiceDesc from a Controller.
type VisitService struct {
	ctrl   *pipeline.Controller
	logger *slog.Logger
}

func NewVisitService(ctrl *pipeline.Controller, logger *slog.Logger) *VisitService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VisitService{ctrl: ctrl, logger: logger}
}

func visitIDArg(req *structpb.Struct) (string, error) {
	id := req.GetFields()["visit_id"].GetStringValue()
	v := common.NewValidator().Field("visit_id", id, common.Required, common.VisitID)
	if err := common.ValidateAndReturnError(v); err != nil {
		return "", err
	}
	return id, nil
}

// Advance expects {visit_id, stage, timeout_ms?}.
func (s *VisitService) Advance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := visitIDArg(req)
	if err != nil {
		return nil, err
	}
	raw := req.GetFields()["stage"].GetStringValue()
	stage, ok := constants.ParseStage(raw)
	if !ok {
		return nil, common.InvalidArgumentErrorf("stage must be one of OCR, CLEAN, SUMMARIZE, got %q", raw)
	}
	if d := advanceWait(req.GetFields()["timeout_ms"].GetNumberValue(), DefaultMaxAdvanceWait); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	v, err := s.ctrl.Advance(ctx, id, stage)
	if err != nil {
		return nil, s.toStatus(err, id)
	}
	return toStruct(pipeline.Project(v))
}

// advanceWait turns a timeout_ms value into a duration no longer than limit.
// Zero means the caller asked for nothing.
func advanceWait(ms float64, limit time.Duration) time.Duration {
	switch {
	case math.IsNaN(ms) || ms <= 0:
		return 0
	case ms >= float64(limit.Milliseconds()):
		return limit
	}
	return time.Duration(ms * float64(time.Millisecond))
}

// GetStatus expects {visit_id}.
func (s *VisitService) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := visitIDArg(req)
	if err != nil {
		return nil, err
	}
	st, err := s.ctrl.Status(ctx, id)
	if err != nil {
		return nil, s.toStatus(err, id)
	}
	return toStruct(st)
}

// GetResult expects {visit_id}.
func (s *VisitService) GetResult(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := visitIDArg(req)
	if err != nil {
		return nil, err
	}
	view, err := s.ctrl.Result(ctx, id)
	if err != nil {
		return nil, s.toStatus(err, id)
	}
	return toStruct(view)
}

func (s *VisitService) toStatus(err error, visitID string) error {
	code := codes.Internal
	var se *pipeline.StageError
	switch {
	case errors.As(err, &se):
		code = codes.Aborted
	case errors.Is(err, pipeline.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, pipeline.ErrStageOutOfOrder):
		code = codes.FailedPrecondition
	case errors.Is(err, pipeline.ErrInvalidStage), errors.Is(err, common.ErrInvalidInput):
		code = codes.InvalidArgument
	case errors.Is(err, pipeline.ErrBusy):
		code = codes.Unavailable
	case errors.Is(err, pipeline.ErrTimeout):
		code = codes.DeadlineExceeded
	}
	if code == codes.Internal {
		s.logger.Error("grpc.visit.failed", "visit_id", visitID, "error", err)
		return common.InternalErrorf("internal error")
	}
	s.logger.Info("grpc.visit.rejected", "visit_id", visitID, "code", code.String(), "error", err)
	return status.Error(code, err.Error())
}

// toStruct renders v through its JSON tags so both transports agree on field names.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	return out, nil
}

// loggingInterceptor logs every unary call with its code and latency.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Info("grpc.request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return resp, err
	}
}

// NewGRPCServer registers health, reflection and the visit service.
// The returned health server starts SERVING; flip it on shutdown.
func NewGRPCServer(ctrl *pipeline.Controller, logger *slog.Logger) (*grpc.Server, *health.Server) {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger)))

	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(VisitServiceName, healthpb.HealthCheckResponse_SERVING)

	reflection.Register(gs)
	gs.RegisterService(&VisitServiceDesc, NewVisitService(ctrl, logger))
	return gs, hs
}

// VisitServiceClient calls VisitServiceDesc over a client connection.
type VisitServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewVisitServiceClient(cc grpc.ClientConnInterface) *VisitServiceClient {
	return &VisitServiceClient{cc: cc}
}

func (c *VisitServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+VisitServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *VisitServiceClient) Advance(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Advance", in, opts...)
}

func (c *VisitServiceClient) GetStatus(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetStatus", in, opts...)
}

func (c *VisitServiceClient) GetResult(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetResult", in, opts...)
}
