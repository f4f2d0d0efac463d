package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

// Prober runs one container's configured health check on an interval and
// records the outcome in the shared HealthStore. One Prober is spawned per
// container that declares a health_check in its manifest; containers that
// don't declare one are never probed and stay types.HealthStateUnknown.
type Prober struct {
	health *store.HealthStore
	name   string
	spec   types.HealthCheckSpec
	status *Status
}

// checkFunc runs one health check attempt against a resolved target.
type checkFunc func(ctx context.Context) Result

// NewProber builds a Prober for one container. addr is the container's
// pod-network IP address, used to resolve the checker's target.
func NewProber(health *store.HealthStore, containerName, addr string, spec types.HealthCheckSpec) (*Prober, error) {
	if _, err := buildChecker(addr, spec); err != nil {
		return nil, err
	}
	return &Prober{health: health, name: containerName, spec: spec, status: NewStatus()}, nil
}

// Run probes on spec's interval until ctx is cancelled, writing each
// transition into the HealthStore. It honors StartPeriod by recording
// HealthStateUnknown (never Unhealthy) until the grace period elapses.
func (p *Prober) Run(ctx context.Context, addr string) {
	logger := log.Container("", p.name)
	cfg := checkerConfig(p.spec)

	checker, err := buildChecker(addr, p.spec)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build health checker")
		return
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.health.Set(p.name, types.HealthStatus{State: types.HealthStateUnknown, Since: time.Now()})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			result := checker(checkCtx)
			cancel()

			p.status.Update(result, cfg)

			state := types.HealthStateUnhealthy
			if p.status.Healthy {
				state = types.HealthStateHealthy
			}
			if p.status.InStartPeriod(cfg) && !p.status.Healthy {
				state = types.HealthStateUnknown
			}

			prev, _ := p.health.Get(p.name)
			if prev.State != state {
				p.health.Set(p.name, types.HealthStatus{State: state, Reason: result.Message, Since: time.Now()})
				logger.Info().Str("state", string(state)).Str("reason", result.Message).Msg("container health transitioned")
			}
		}
	}
}

func buildChecker(addr string, spec types.HealthCheckSpec) (checkFunc, error) {
	switch spec.Type {
	case "http":
		port := spec.Port
		if port == 0 {
			return nil, fmt.Errorf("health check: http check requires a port")
		}
		path := spec.Path
		if path == "" {
			path = "/"
		}
		url := fmt.Sprintf("http://%s:%d%s", addr, port, path)
		return func(ctx context.Context) Result { return httpCheck(ctx, url) }, nil
	case "tcp":
		port := spec.TCPPort
		if port == 0 {
			port = spec.Port
		}
		if port == 0 {
			return nil, fmt.Errorf("health check: tcp check requires a port")
		}
		address := fmt.Sprintf("%s:%d", addr, port)
		return func(ctx context.Context) Result { return tcpCheck(ctx, address) }, nil
	default:
		return nil, fmt.Errorf("health check: unknown type %q", spec.Type)
	}
}

func checkerConfig(spec types.HealthCheckSpec) Config {
	cfg := DefaultConfig()
	if spec.Interval > 0 {
		cfg.Interval = spec.Interval
	}
	if spec.Timeout > 0 {
		cfg.Timeout = spec.Timeout
	}
	if spec.Retries > 0 {
		cfg.Retries = spec.Retries
	}
	if spec.StartPeriod > 0 {
		cfg.StartPeriod = spec.StartPeriod
	}
	return cfg
}
