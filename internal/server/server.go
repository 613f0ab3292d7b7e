// Package server runs the long-lived surfaces of watch mode: gRPC health
// checks and the HTTP status and metrics endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service reported for the pipeline.
const ServiceName = "lotabots.Pipeline"

const defaultShutdownTimeout = 10 * time.Second

// Config configures a Server.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
}

// Server serves HTTP and gRPC until its context is canceled.
type Server struct {
	cfg    Config
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
}

// New creates a Server with handler mounted on the HTTP listener.
func New(cfg Config, handler http.Handler) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		cfg: cfg,
		http: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		grpc:   gs,
		health: hs,
	}
}

// SetServing reports the pipeline as serving or not serving.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Run listens on the configured addresses and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.HTTPAddr, err)
	}
	grpcLn, err := net.Listen("tcp", s.cfg.GRPCAddr)
	if err != nil {
		httpLn.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.GRPCAddr, err)
	}

	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve serves on the given listeners until ctx is done, then shuts both
// servers down gracefully.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	s.SetServing(true)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.http.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("gRPC server listening", "addr", grpcLn.Addr().String())
		if err := s.grpc.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		err := s.http.Shutdown(shutdownCtx)
		s.grpc.GracefulStop()

		slog.Info("Servers stopped")
		return err
	})

	return g.Wait()
}
