// Package autoscaler implements the per-service autoscaling loop (C8):
// threshold-based and CoDel-style latency arbitration with a per-service
// cooldown, suspended while a config update or rolling update is in flight.
package autoscaler

import (
	"context"
	"time"

	"github.com/cuemby/podyard/pkg/coordinator"
	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/metrics"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

const defaultScaleDownThresholdPercentage = 50

// Scaler is the subset of the service supervisor (C7) the autoscaler drives.
// Declared here, not in package supervisor, so this package never imports it:
// the supervisor injects Autoscaler.Run as a RunLoopFunc at construction, and
// a Run->ScaleTo->Run import cycle would otherwise result.
type Scaler interface {
	ScaleTo(ctx context.Context, service string, target int) error
}

// Autoscaler evaluates and applies scaling decisions for every running
// service, one goroutine per service (see Run).
type Autoscaler struct {
	config    *store.ConfigStore
	instances *store.InstanceStore
	stats     *store.StatsStore
	codel     *store.CodelStore
	bus       *coordinator.Bus
	scaler    Scaler
}

// New constructs an Autoscaler sharing the orchestrator's stores and bus.
func New(config *store.ConfigStore, instances *store.InstanceStore, stats *store.StatsStore, codel *store.CodelStore, bus *coordinator.Bus, scaler Scaler) *Autoscaler {
	return &Autoscaler{
		config:    config,
		instances: instances,
		stats:     stats,
		codel:     codel,
		bus:       bus,
		scaler:    scaler,
	}
}

// Run is one service's autoscaling control loop. It wakes at the service's
// configured cadence (max(interval_seconds, 1s)), evaluates the threshold and
// CoDel signals, and applies at most one scaling action per tick. It suspends
// decisions entirely while a ConfigUpdate or RollingUpdate is outstanding,
// matching it against the corresponding Resume / RollingUpdateComplete.
func (a *Autoscaler) Run(ctx context.Context, service string) {
	sub := a.bus.Subscribe(service)
	logger := log.Service(service)

	var lastScale time.Time
	var configSuspended, rolloutSuspended bool
	// suppressNext always evaluates the next eligible tick to NoChange: no
	// signal exists yet right after the task launches or comes back out of a
	// ConfigUpdate/RollingUpdate suspension, the same reasoning the stats
	// collector applies to a container's first sample (no prior value to
	// take a delta against).
	suppressNext := true

	interval := time.Second
	if _, entry, ok := a.config.FindByServiceName(service); ok {
		interval = wakeInterval(entry.Config)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub:
			switch msg {
			case types.ScaleMessageConfigUpdate:
				configSuspended = true
			case types.ScaleMessageResume:
				configSuspended = false
				suppressNext = true
			case types.ScaleMessageRollingUpdate:
				rolloutSuspended = true
			case types.ScaleMessageRollingUpdateComplete:
				rolloutSuspended = false
				suppressNext = true
			}
		case <-ticker.C:
			if configSuspended || rolloutSuspended {
				continue
			}
			if suppressNext {
				suppressNext = false
				if _, entry, ok := a.config.FindByServiceName(service); ok {
					metrics.ScalingActionsTotal.WithLabelValues(service, "no_change").Inc()
					if next := wakeInterval(entry.Config); next != interval {
						interval = next
						ticker.Reset(interval)
					}
				}
				continue
			}
			next, err := a.tick(ctx, service, &lastScale)
			if err != nil {
				logger.Warn().Err(err).Msg("autoscaler tick failed")
			}
			if next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// tick evaluates one scaling decision for service and applies it, returning
// the wake interval the current manifest declares so Run can adjust its
// ticker when a manifest update changes it.
func (a *Autoscaler) tick(ctx context.Context, service string, lastScale *time.Time) (time.Duration, error) {
	_, entry, ok := a.config.FindByServiceName(service)
	if !ok {
		return 0, nil
	}
	cfg := entry.Config

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AutoscalerTickDuration, service)

	n := a.instances.Count(service)
	pods := a.stats.ServicePodStats(service)

	thresholdUp, thresholdDown := thresholdSignal(effectiveThresholds(cfg.Spec.Containers), pods, scaleDownThresholdPercentage(cfg))
	codelUp, codelStep := a.codelSignal(cfg, service)

	scaleUp := thresholdUp || codelUp
	step := 1
	if codelUp && codelStep > step {
		step = codelStep
	}

	cooldown := cooldownDuration(cfg)
	inCooldown := cooldown > 0 && time.Since(*lastScale) < cooldown

	switch {
	case scaleUp && !inCooldown && n < cfg.Instances.Max:
		target := n + step
		if target > cfg.Instances.Max {
			target = cfg.Instances.Max
		}
		if err := a.scaler.ScaleTo(ctx, service, target); err != nil {
			metrics.ScalingActionsTotal.WithLabelValues(service, "up").Inc()
			return wakeInterval(cfg), err
		}
		*lastScale = time.Now()
		metrics.ScalingActionsTotal.WithLabelValues(service, "up").Inc()
	case !scaleUp && thresholdDown && !inCooldown && n > cfg.Instances.Min:
		target := n - 1
		if err := a.scaler.ScaleTo(ctx, service, target); err != nil {
			metrics.ScalingActionsTotal.WithLabelValues(service, "down").Inc()
			return wakeInterval(cfg), err
		}
		*lastScale = time.Now()
		metrics.ScalingActionsTotal.WithLabelValues(service, "down").Inc()
	default:
		metrics.ScalingActionsTotal.WithLabelValues(service, "no_change").Inc()
	}

	return wakeInterval(cfg), nil
}

func wakeInterval(cfg types.ServiceConfig) time.Duration {
	seconds := 1
	if cfg.ScalingPolicy != nil && cfg.ScalingPolicy.IntervalSeconds > seconds {
		seconds = cfg.ScalingPolicy.IntervalSeconds
	}
	return time.Duration(seconds) * time.Second
}

func cooldownDuration(cfg types.ServiceConfig) time.Duration {
	if cfg.ScalingPolicy == nil {
		return 0
	}
	return cfg.ScalingPolicy.CooldownDuration
}

func scaleDownThresholdPercentage(cfg types.ServiceConfig) float64 {
	if cfg.ScalingPolicy != nil && cfg.ScalingPolicy.ScaleDownThresholdPercentage > 0 {
		return cfg.ScalingPolicy.ScaleDownThresholdPercentage
	}
	return defaultScaleDownThresholdPercentage
}

func effectiveThresholds(containers []types.ContainerSpec) []types.ResourceThresholds {
	var out []types.ResourceThresholds
	for _, c := range containers {
		if c.ResourceThresholds != nil {
			out = append(out, *c.ResourceThresholds)
		}
	}
	return out
}

// thresholdSignal implements SPEC_FULL.md's threshold signal: scaleUp is true
// if any pod exceeds any configured threshold; scaleDown is true only if
// every pod sits below scaleDownPct percent of every configured threshold.
// Pod-level values are already reduced from per-container samples via the
// manifest's declared PodMetricsStrategy (see pkg/stats.Aggregate), so a pod
// is compared against every container's declared thresholds directly.
func thresholdSignal(thresholds []types.ResourceThresholds, pods []types.PodStats, scaleDownPct float64) (scaleUp, scaleDown bool) {
	if len(thresholds) == 0 || len(pods) == 0 {
		return false, false
	}
	scaleDown = true
	for _, pod := range pods {
		memPct := 0.0
		if pod.MemoryLimit > 0 {
			memPct = float64(pod.MemoryUsage) / float64(pod.MemoryLimit) * 100
		}
		exceeds := false
		belowScaleDown := true
		for _, th := range thresholds {
			if th.CPUPercentage != nil {
				if pod.CPUAbsolute > *th.CPUPercentage {
					exceeds = true
				}
				if pod.CPUAbsolute >= *th.CPUPercentage*scaleDownPct/100 {
					belowScaleDown = false
				}
			}
			if th.CPURelativePercentage != nil {
				if pod.CPURelative > *th.CPURelativePercentage {
					exceeds = true
				}
				if pod.CPURelative >= *th.CPURelativePercentage*scaleDownPct/100 {
					belowScaleDown = false
				}
			}
			if th.MemoryPercentage != nil && pod.MemoryLimit > 0 {
				if memPct > *th.MemoryPercentage {
					exceeds = true
				}
				if memPct >= *th.MemoryPercentage*scaleDownPct/100 {
					belowScaleDown = false
				}
			}
		}
		if exceeds {
			scaleUp = true
		}
		if !belowScaleDown {
			scaleDown = false
		}
	}
	return scaleUp, scaleDown
}

// codelSignal reports whether service's CoDel latency streak has reached
// consecutive_intervals, and the step (capped at max_scale_step, minimum 1)
// to scale up by if so.
func (a *Autoscaler) codelSignal(cfg types.ServiceConfig, service string) (candidate bool, step int) {
	if cfg.Codel == nil || cfg.Codel.ConsecutiveIntervals <= 0 {
		return false, 0
	}
	if a.codel.ConsecutiveOverTarget(service) < cfg.Codel.ConsecutiveIntervals {
		return false, 0
	}
	step = cfg.Codel.MaxScaleStep
	if step < 1 {
		step = 1
	}
	return true, step
}
