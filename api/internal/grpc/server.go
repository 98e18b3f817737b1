// Package agentgrpc exposes the agent's gRPC surface to the local platform
// daemon. Today that is the standard health service.
package agentgrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type Server struct {
	socket string
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

// New builds a server for the unix socket at path. Health starts as NOT_SERVING
// until the first monitor pass.
func New(path string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{socket: path, grpc: gs, health: hs, logger: logger}
}

// Health is the status sink for the site monitor.
func (s *Server) Health() *health.Server { return s.health }

// Serve listens until ctx is done, then stops gracefully and removes the socket.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socket), 0o750); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// A socket left by a crashed agent would make Listen fail.
	if err := os.Remove(s.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	lis, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socket, err)
	}
	if err := os.Chmod(s.socket, 0o660); err != nil {
		lis.Close()
		return fmt.Errorf("securing socket: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.logger.Info("gRPC health service listening", slog.String("socket", s.socket))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	os.Remove(s.socket)
	return nil
}
