// Package health exposes the standard gRPC health service so orchestrators
// can probe the bridge without speaking HTTP.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// Service is the name probed for event stream connectivity. The empty name
// reports overall process health.
const Service = "tgcode.events"

// Server wraps a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	logger *slog.Logger
}

// NewServer creates a server. The event service starts NOT_SERVING until the
// stream first connects.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{grpc: gs, health: hs, logger: logger}
}

// SetEventStreamConnected implements events.StatusReporter.
func (s *Server) SetEventStreamConnected(connected bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if connected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(Service, status)
}

// Serve accepts connections on lis until ctx is cancelled, then drains
// in-flight RPCs and returns.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Multi fans a connectivity change out to several reporters.
type Multi []interface{ SetEventStreamConnected(bool) }

// SetEventStreamConnected implements events.StatusReporter.
func (m Multi) SetEventStreamConnected(connected bool) {
	for _, r := range m {
		r.SetEventStreamConnected(connected)
	}
}
