package observability

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealth serves the standard grpc.health.v1 service backed by the
// same checks as the HTTP readiness endpoint.
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	checks   []HealthCheck
	interval time.Duration
	logger   zerolog.Logger
	cancel   context.CancelFunc
}

// NewGRPCHealth creates a gRPC health server that re-evaluates checks every interval
func NewGRPCHealth(checks []HealthCheck, interval time.Duration, logger zerolog.Logger) *GRPCHealth {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCHealth{
		server:   srv,
		health:   hs,
		checks:   checks,
		interval: interval,
		logger:   logger,
	}
}

// Serve listens on addr and blocks until the server stops
func (g *GRPCHealth) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.Refresh(ctx)
	go g.watch(ctx)

	g.logger.Info().Str("addr", addr).Msg("gRPC health service listening")
	return g.server.Serve(lis)
}

// Refresh evaluates every check once and publishes the result
func (g *GRPCHealth) Refresh(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	deps, ok := RunChecks(checkCtx, g.checks)
	for name, dep := range deps {
		g.health.SetServingStatus(name, servingStatus(dep.Status != "unhealthy"))
	}
	// The empty service name reports overall health
	g.health.SetServingStatus("", servingStatus(ok))
}

// Status returns the last published status for a service name
func (g *GRPCHealth) Status(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func (g *GRPCHealth) watch(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop marks every service as not serving and stops the server
func (g *GRPCHealth) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
	g.health.Shutdown()
	g.server.GracefulStop()
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
