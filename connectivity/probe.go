package connectivity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const (
	DefaultProbeTTL     = 30 * time.Second
	DefaultProbeTimeout = 5 * time.Second

	resultKey = "reachable"
)

var ErrProbeTimeout = errors.New("reachability probe timed out")

// ProbeFunc performs one lightweight request against the backend.
type ProbeFunc func(ctx context.Context) error

// CachedProbe bounds how often the backend is probed. Results are cached for
// the TTL, concurrent callers share one in-flight probe, and a probe that does
// not answer within the timeout counts as unreachable.
type CachedProbe struct {
	probe   ProbeFunc
	timeout time.Duration
	results *cache.Cache
	group   singleflight.Group
}

func NewCachedProbe(probe ProbeFunc, ttl, timeout time.Duration) *CachedProbe {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &CachedProbe{
		probe:   probe,
		timeout: timeout,
		results: cache.New(ttl, 2*ttl),
	}
}

// Online returns the cached result, probing when it has expired.
func (p *CachedProbe) Online(ctx context.Context) bool {
	if v, ok := p.results.Get(resultKey); ok {
		return v.(bool)
	}
	return p.Check(ctx)
}

// Check probes now and refreshes the cache.
func (p *CachedProbe) Check(ctx context.Context) bool {
	v, _, _ := p.group.Do(resultKey, func() (interface{}, error) {
		online := p.run(ctx) == nil
		p.results.SetDefault(resultKey, online)
		return online, nil
	})
	return v.(bool)
}

func (p *CachedProbe) Invalidate() {
	p.results.Delete(resultKey)
}

func (p *CachedProbe) run(ctx context.Context) error {
	// Shared by every caller waiting on the flight, so no single caller's
	// cancellation may abort it.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.probe(ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrProbeTimeout
	}
}

// GRPCHealthProbe checks a backend through the standard gRPC health service.
func GRPCHealthProbe(conn grpc.ClientConnInterface, service string) ProbeFunc {
	client := grpc_health_v1.NewHealthClient(conn)
	return func(ctx context.Context) error {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			return fmt.Errorf("backend is %v", resp.GetStatus())
		}
		return nil
	}
}
