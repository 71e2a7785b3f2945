package grpc

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/server/health"
)

// GRPCServer exposes the standard grpc.health.v1 service, driven by the
// coordinator's readiness checks.
type GRPCServer struct {
	address  string
	logger   logging.Logger
	checker  *health.Checker
	health   *grpchealth.Server
	interval time.Duration
}

func NewGRPCServer(a string, l logging.Logger, checker *health.Checker) *GRPCServer {
	return &GRPCServer{
		address:  a,
		logger:   l.With("module", "grpc_server"),
		checker:  checker,
		health:   grpchealth.NewServer(),
		interval: 5 * time.Second,
	}
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.recoveryInterceptor, s.loggingInterceptor))

	// start pessimistic
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, s.health)
	reflection.Register(srv)

	go s.watch(ctx)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}

func (s *GRPCServer) watch(ctx context.Context) {
	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh runs the readiness checks once and publishes the result.
func (s *GRPCServer) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING

	report := s.checker.Check(ctx)
	if !report.Ready {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		for _, c := range report.Checks {
			if !c.Ready {
				s.logger.Warn(ctx, "readiness check failed", "check", c.Name, "error", c.Error)
			}
		}
	}

	s.health.SetServingStatus("", status)
}
