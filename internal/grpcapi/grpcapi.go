// Package grpcapi exposes the dispatcher's readiness over gRPC health
// checking, on a keepalive-tuned grpc.Server.
package grpcapi

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/renderforge/dispatcher/internal/render"
)

const serviceName = "renderforge.dispatcher"

// Server wraps a grpc.Server serving only the standard health service,
// its status driven by the dispatcher's own state.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New builds the server and registers health with an initial NOT_SERVING
// status; call Watch to start following a Dispatcher.
func New() *Server {
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              2 * time.Minute,
			Timeout:           20 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{grpc: srv, health: hs}
}

// Watch polls d's state every interval and reflects it onto the health
// service until ctx is cancelled. StateOnline and StateRendering are
// SERVING; everything else is NOT_SERVING.
func (s *Server) Watch(ctx context.Context, d *render.Dispatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			status := healthpb.HealthCheckResponse_NOT_SERVING
			switch d.State() {
			case render.StateOnline, render.StateRendering:
				status = healthpb.HealthCheckResponse_SERVING
			}
			s.health.SetServingStatus(serviceName, status)
		}
	}
}

// Serve blocks accepting gRPC connections on lis until the server is
// stopped.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// GracefulStop stops accepting new RPCs and waits for in-flight ones to
// finish.
func (s *Server) GracefulStop() {
	s.grpc.GracefulStop()
}
