// Package gates holds the cheap local checks the decision engine runs before
// it spends a network round trip on the remote resolver.
package gates

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober reports whether the network currently offers a usable path.
// Implementations must return within timeout and release whatever observer
// they started on every exit path.
type Prober interface {
	Probe(ctx context.Context, timeout time.Duration) bool
}

// DialProbe treats the network as reachable when any of its targets accepts
// a TCP connection.
type DialProbe struct {
	targets []string
	dialer  *net.Dialer
	logger  *zap.Logger
}

// NewDialProbe creates a probe over host:port targets.
func NewDialProbe(targets []string, logger *zap.Logger) *DialProbe {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DialProbe{
		targets: targets,
		dialer:  &net.Dialer{},
		logger:  logger,
	}
}

// Probe dials every target in parallel; the first success wins.
//
// Results go through a channel buffered for every target, so dials that
// finish after the deadline never block.
func (p *DialProbe) Probe(ctx context.Context, timeout time.Duration) bool {
	if len(p.targets) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan bool, len(p.targets))
	for _, target := range p.targets {
		go func(addr string) {
			conn, err := p.dialer.DialContext(ctx, "tcp", addr)
			if err != nil {
				p.logger.Debug("probe dial failed", zap.String("target", addr), zap.Error(err))
				ch <- false
				return
			}
			_ = conn.Close()
			ch <- true
		}(target)
	}

	for remaining := len(p.targets); remaining > 0; remaining-- {
		select {
		case ok := <-ch:
			if ok {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// ConnStateProbe watches the connectivity state of a gRPC client connection.
// Ready counts as a satisfied path; when CheckHealth is set the peer must
// also report SERVING on grpc.health.v1.
type ConnStateProbe struct {
	Target      string
	CheckHealth bool
	Service     string
	DialOptions []grpc.DialOption
	Logger      *zap.Logger
}

// Probe opens a connection, waits for it to become Ready and closes it.
func (p *ConnStateProbe) Probe(ctx context.Context, timeout time.Duration) bool {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := p.DialOptions
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(p.Target, opts...)
	if err != nil {
		logger.Warn("probe client creation failed", zap.String("target", p.Target), zap.Error(err))
		return false
	}
	defer conn.Close()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if state == connectivity.Shutdown {
			return false
		}
		if !conn.WaitForStateChange(ctx, state) {
			logger.Debug("probe timed out", zap.String("target", p.Target), zap.String("state", state.String()))
			return false
		}
	}

	if !p.CheckHealth {
		return true
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		logger.Debug("probe health check failed", zap.String("target", p.Target), zap.Error(err))
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}
