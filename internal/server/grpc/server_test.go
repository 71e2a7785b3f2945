package grpc

import (
	"context"
	"errors"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmitrijs2005/gophupload/internal/logging"
	"github.com/dmitrijs2005/gophupload/internal/server/health"
)

func checker(err error) *health.Checker {
	return health.NewChecker(health.CheckFunc{
		CheckName: "sessions",
		Fn:        func(context.Context) error { return err },
	})
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer("127.0.0.1:0", logging.Discard(), checker(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx)
	}()

	select {
	case err := <-done:
		t.Fatalf("server exited too early: %v", err)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on graceful stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop within timeout after context cancel")
	}
}

func TestRun_ReturnsErrorOnBadAddress(t *testing.T) {
	t.Parallel()

	srv := NewGRPCServer("127.0.0.1:99999", logging.Discard(), checker(nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Run(ctx); err == nil {
		t.Fatal("expected error from Run on bad address, got nil")
	}
}

func TestRefresh_PublishesReadiness(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want healthpb.HealthCheckResponse_ServingStatus
	}{
		{"ready", nil, healthpb.HealthCheckResponse_SERVING},
		{"not ready", errors.New("connection refused"), healthpb.HealthCheckResponse_NOT_SERVING},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewGRPCServer("", logging.Discard(), checker(tt.err))
			srv.refresh(ctx)

			resp, err := srv.health.Check(ctx, &healthpb.HealthCheckRequest{})
			if err != nil {
				t.Fatalf("health check: %v", err)
			}
			if resp.GetStatus() != tt.want {
				t.Fatalf("status = %v, want %v", resp.GetStatus(), tt.want)
			}
		})
	}
}
