package server

import (
	"PrivateMarkets/internal/ingestion"
	"PrivateMarkets/internal/observability"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const (
	CallbackServiceName = "privatemarkets.compute.v1.CallbackService"
	DeliverMethod       = "/" + CallbackServiceName + "/Deliver"
)

// jsonCodec lets the callback service exchange plain JSON messages.
// Clients select it with grpc.CallContentSubtype("json").
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// DeliverResponse acknowledges a consumed callback.
type DeliverResponse struct {
	Accepted bool   `json:"accepted"`
	Handle   string `json:"handle"`
}

// CallbackServer is the callback RPC surface.
type CallbackServer interface {
	Deliver(ctx context.Context, req *ingestion.CallbackJSON) (*DeliverResponse, error)
}

var callbackServiceDesc = grpc.ServiceDesc{
	ServiceName: CallbackServiceName,
	HandlerType: (*CallbackServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "privatemarkets/compute/v1/callback.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ingestion.CallbackJSON)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CallbackServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DeliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CallbackServer).Deliver(ctx, req.(*ingestion.CallbackJSON))
	}
	return interceptor(ctx, in, info, handler)
}

type callbackService struct {
	deliverer ingestion.CallbackDeliverer
	logger    zerolog.Logger
}

func (s *callbackService) Deliver(ctx context.Context, req *ingestion.CallbackJSON) (*DeliverResponse, error) {
	cb, err := req.Callback()
	if err != nil {
		return nil, grpcError(err)
	}
	if err := s.deliverer.DeliverCallback(ctx, cb); err != nil {
		s.logger.Debug().Err(err).Str("handle", req.Handle).Msg("callback rejected")
		return nil, grpcError(err)
	}
	return &DeliverResponse{Accepted: true, Handle: cb.Handle.String()}, nil
}

// GRPCServer serves the callback service, health and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

func NewGRPCServer(addr string, deliverer ingestion.CallbackDeliverer, metrics *observability.Metrics, logger zerolog.Logger) *GRPCServer {
	logger = logger.With().Str("component", "grpc").Logger()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(metrics)))

	grpcServer.RegisterService(&callbackServiceDesc, &callbackService{deliverer: deliverer, logger: logger})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(CallbackServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{grpcServer: grpcServer, health: healthServer, addr: addr, logger: logger}
}

// SetServing flips the health status reported to gRPC clients.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(CallbackServiceName, st)
}

// Serve serves on lis until ctx is cancelled (blocking).
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// Start listens on the configured address and serves (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

func metricsInterceptor(metrics *observability.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		metrics.Request(info.FullMethod, status.Code(err).String(), started)
		return resp, err
	}
}

// DeliverCallback calls the callback service over conn. Used by cluster
// adapters and tests.
func DeliverCallback(ctx context.Context, conn grpc.ClientConnInterface, req *ingestion.CallbackJSON) (*DeliverResponse, error) {
	out := new(DeliverResponse)
	if err := conn.Invoke(ctx, DeliverMethod, req, out, grpc.CallContentSubtype("json")); err != nil {
		return nil, err
	}
	return out, nil
}
