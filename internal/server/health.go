// Package server exposes the grpc.health.v1 service for realmgate.
package server

import (
	"context"
	"time"

	"github.com/triage-ai/realmgate/internal/engine/gates"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service names reported alongside the overall ("") status.
const (
	ServiceEngine       = "realmgate.Engine"
	ServiceReachability = "realmgate.Reachability"
)

// HealthServer reports process health and, under ServiceReachability, the
// last result of the engine's reachability probe.
type HealthServer struct {
	health   *health.Server
	prober   gates.Prober
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthServer creates a HealthServer. A nil prober leaves
// ServiceReachability at SERVICE_UNKNOWN.
func NewHealthServer(prober gates.Prober, interval, timeout time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	h := health.NewServer()
	h.SetServingStatus(ServiceEngine, healthpb.HealthCheckResponse_SERVING)
	if prober != nil {
		h.SetServingStatus(ServiceReachability, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	return &HealthServer{
		health:   h,
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}
}

// Register attaches the health service to g.
func (s *HealthServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.health)
}

// Run probes reachability immediately and then every interval until ctx is
// done.
func (s *HealthServer) Run(ctx context.Context) {
	if s.prober == nil {
		return
	}
	s.check(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *HealthServer) check(ctx context.Context) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.prober.Probe(ctx, s.timeout) {
		st = healthpb.HealthCheckResponse_SERVING
	}
	if ctx.Err() != nil {
		return
	}
	s.health.SetServingStatus(ServiceReachability, st)
	s.logger.Debug("reachability probed", zap.String("status", st.String()))
}

// Shutdown marks every service NOT_SERVING. Later status updates are
// ignored.
func (s *HealthServer) Shutdown() {
	s.health.Shutdown()
}
