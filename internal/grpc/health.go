// Package grpc exposes the service's gRPC surface: the standard health service used by
// orchestration probes.
package grpc

import (
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"messaging-service/internal/observability"
)

// ServiceName is the health entry that tracks the messaging service itself.
const ServiceName = "messaging.MessagingService"

// HealthServer serves grpc.health.v1 with tracing and metrics interceptors installed.
type HealthServer struct {
	server *gogrpc.Server
	health *health.Server
}

func NewHealthServer() *HealthServer {
	server := gogrpc.NewServer(
		gogrpc.StatsHandler(otelgrpc.NewServerHandler()),
		gogrpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(server, hs)
	s := &HealthServer{server: server, health: hs}
	s.SetServing(false)
	return s
}

// SetServing flips both the overall and the service-specific status.
func (s *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until the listener fails or Stop is called.
func (s *HealthServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop marks the service as not serving and drains in-flight calls.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
