package ops

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/kavos113/quicklab/lab-manager/domain"
	"github.com/kavos113/quicklab/lib/logger"
)

// BackendService is the health service name tracking the provisioning backend.
const BackendService = "quicklab.backend"

// NewGRPCServer returns a server with health checking and reflection
// registered.
func NewGRPCServer(log *slog.Logger) (*grpc.Server, *health.Server) {
	loggingInterceptor := logger.NewLoggingInterceptor("lab-manager", log)

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			loggingInterceptor.Unary(),
		),
		grpc.ChainStreamInterceptor(
			loggingInterceptor.Stream(),
		),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	return grpcServer, healthServer
}

// WatchHealth pings the checker on every interval and mirrors the result into
// the health server until ctx is cancelled.
func WatchHealth(ctx context.Context, hs *health.Server, checker domain.HealthChecker, interval time.Duration, log *slog.Logger) {
	log = logger.Ensure(log).With("component", "health")

	check := func() {
		pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()

		status := healthpb.HealthCheckResponse_SERVING
		if err := checker.Ping(pingCtx); err != nil {
			log.Warn("backend health check failed", "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", status)
		hs.SetServingStatus(BackendService, status)
	}

	check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			check()
		}
	}
}
