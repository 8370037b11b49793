package rpc

import (
	"GradCamServer/logger"
	"GradCamServer/monitor"
	"GradCamServer/pipeline"
	"context"
	"encoding/json"
	"fmt"
	"net"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName       = "gradcam.PredictService"
	PredictFullMethod = "/gradcam.PredictService/Predict"

	// metadata keys read by Predict
	RequestIDKey   = "x-request-id"
	GroundTruthKey = "ground-truth"
)

// PredictServiceServer takes the raw image bytes and answers with the same
// JSON object the HTTP transport returns, as a protobuf Struct.
type PredictServiceServer interface {
	Predict(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
}

func _PredictService_Predict_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PredictServiceServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: PredictFullMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PredictServiceServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var PredictService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PredictServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Predict",
			Handler:    _PredictService_Predict_Handler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gradcam.proto",
}

type PredictServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPredictServiceClient(cc grpc.ClientConnInterface) *PredictServiceClient {
	return &PredictServiceClient{cc: cc}
}

func (c *PredictServiceClient) Predict(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PredictFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

type Server struct {
	dispatcher *pipeline.Dispatcher
}

func NewServer(d *pipeline.Dispatcher) *Server {
	return &Server{dispatcher: d}
}

func (s *Server) Predict(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	id, groundTruth := fromMetadata(ctx)
	payload, err := s.dispatcher.Submit(ctx, pipeline.Request{
		ID:          id,
		Image:       req.GetValue(),
		GroundTruth: groundTruth,
	})
	if err != nil {
		pe := pipeline.AsError(err)
		logger.Log().Warn("prediction failed",
			zap.String("request_id", id),
			zap.String("kind", pe.Kind.String()),
			zap.Error(err))
		monitor.RequestsTotal.WithLabelValues("grpc", pe.Kind.String()).Inc()
		return nil, status.Error(pe.Kind.Code(), pe.Message())
	}
	out, err := toStruct(payload)
	if err != nil {
		logger.Log().Error("encoding prediction failed", zap.String("request_id", id), zap.Error(err))
		monitor.RequestsTotal.WithLabelValues("grpc", pipeline.KindInternal.String()).Inc()
		return nil, status.Error(pipeline.KindInternal.Code(), pipeline.KindInternal.Message())
	}
	monitor.RequestsTotal.WithLabelValues("grpc", "ok").Inc()
	return out, nil
}

func fromMetadata(ctx context.Context) (id, groundTruth string) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDKey); len(v) > 0 {
			id = v[0]
		}
		if v := md.Get(GroundTruthKey); len(v) > 0 {
			groundTruth = v[0]
		}
	}
	if id == "" {
		id = uuid.New().String()
	}
	return id, groundTruth
}

// toStruct goes through JSON so the field names match the HTTP body.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// Register installs the predict and health services on s. The health status
// of ServiceName follows model readiness; the empty service is always SERVING.
func Register(s *grpc.Server, d *pipeline.Dispatcher) *health.Server {
	s.RegisterService(&PredictService_ServiceDesc, NewServer(d))
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if d.Pipeline().Ready() {
		hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	} else {
		hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	healthpb.RegisterHealthServer(s, hs)
	return hs
}

// StartGRPCServer listens on port and serves in the background.
func StartGRPCServer(port int, maxMsgMB int, d *pipeline.Dispatcher) (*grpc.Server, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if maxMsgMB <= 0 {
		maxMsgMB = 10
	}
	s := grpc.NewServer(grpc.MaxRecvMsgSize(maxMsgMB << 20))
	Register(s, d)
	reflection.Register(s)
	go func() {
		logger.Log().Info("gRPC server listening", zap.String("addr", addr))
		if err := s.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
