// Package grpchealth exposes the process's readiness checks over the
// standard gRPC health-checking protocol, as a secondary liveness
// surface alongside the HTTP /health verb: a grpc/health.Server fed by
// a ticker that polls the same health.ReadinessCheck set the HTTP
// handler uses.
package grpchealth

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	healthsrv "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/lfusys/recorder-uploads/health"
	"github.com/lfusys/recorder-uploads/logging"
)

// Server wraps a grpc.Server carrying only the health service, plus
// the poll loop that keeps its serving status in sync with checks.
type Server struct {
	grpcServer   *grpc.Server
	healthServer *healthsrv.Server
	logger       logging.Logger
}

// New builds a Server that polls checks every pollInterval and reports
// NOT_SERVING the moment any check fails, starting pessimistic until
// the first successful poll.
func New(checks []health.ReadinessCheck, pollInterval time.Duration, logger logging.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer := healthsrv.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{grpcServer: grpcServer, healthServer: healthServer, logger: logger}
	go s.pollLoop(checks, pollInterval)
	return s
}

func (s *Server) pollLoop(checks []health.ReadinessCheck, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		status := healthpb.HealthCheckResponse_SERVING
		cctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		if err := health.Aggregate(cctx, checks); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			s.logger.Warn("grpc health check failing", "error", err)
		}
		cancel()
		s.healthServer.SetServingStatus("", status)
	}
}

// Serve blocks accepting connections on addr until the listener errs
// or the server is stopped.
func (s *Server) Serve(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.grpcServer.Serve(l)
}

// GracefulStop drains in-flight RPCs before returning.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}
