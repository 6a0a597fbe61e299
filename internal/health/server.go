// Package health serves the grpc.health.v1 protocol for orchestrators.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// UpstreamService reports GaiaNet node reachability. The empty service name
// reports the gateway process itself and is always SERVING while it runs.
const UpstreamService = "gaianet.upstream"

// Probe checks the upstream node.
type Probe interface {
	Configured() bool
	Ping(ctx context.Context) error
}

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	probe  Probe
}

func NewServer(probe Probe) *Server {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(UpstreamService, healthpb.HealthCheckResponse_UNKNOWN)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, probe: probe}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Update probes the upstream once and publishes the result.
func (s *Server) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	switch {
	case s.probe == nil || !s.probe.Configured():
		status = healthpb.HealthCheckResponse_NOT_SERVING
	default:
		if err := s.probe.Ping(ctx); err != nil {
			slog.Debug("upstream probe failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus(UpstreamService, status)
	return status
}

// Run calls Update every interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		s.Update(pctx)
		cancel()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
