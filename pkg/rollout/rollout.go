// Package rollout implements the rolling updater (C9): it polls a service's
// running images for drift against the manifest, and when one has changed,
// replaces the stale pods in surge-bounded batches while the autoscaler is
// suspended.
package rollout

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/podyard/pkg/coordinator"
	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/metrics"
	"github.com/cuemby/podyard/pkg/runtime"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

const (
	defaultImageCheckInterval = 30 * time.Second
	defaultMaxSurge           = 1
	defaultTimeout            = 5 * time.Minute
)

// PodReplacer is the subset of the service supervisor (C7) the rolling
// updater drives. Declared here, not in package supervisor, for the same
// reason autoscaler.Scaler is declared in package autoscaler: the supervisor
// injects Updater.Run as a RunLoopFunc at construction, and a
// Run->ReplacePod->Run import cycle would otherwise result.
type PodReplacer interface {
	// ReplacePod starts one replacement pod for oldPodUUID, swaps its
	// load-balancer membership in, and stops and removes the old pod. If the
	// replacement fails to start, the old pod is left running untouched and
	// an error is returned.
	ReplacePod(ctx context.Context, service, oldPodUUID string) (newPodUUID string, err error)
}

// Updater polls each running service for image drift and drives its rolling
// update, one goroutine per service (see Run).
type Updater struct {
	config    *store.ConfigStore
	instances *store.InstanceStore
	adapter   runtime.Adapter
	bus       *coordinator.Bus
	replacer  PodReplacer
}

// New constructs an Updater sharing the orchestrator's stores, runtime
// adapter, and bus.
func New(config *store.ConfigStore, instances *store.InstanceStore, adapter runtime.Adapter, bus *coordinator.Bus, replacer PodReplacer) *Updater {
	return &Updater{
		config:    config,
		instances: instances,
		adapter:   adapter,
		bus:       bus,
		replacer:  replacer,
	}
}

// Run is one service's image-check control loop. It wakes at the service's
// configured image_check_interval (default 30s), and on detecting a changed
// image digest drives a full rolling update before resuming polling.
func (u *Updater) Run(ctx context.Context, service string) {
	logger := log.Service(service)

	interval := defaultImageCheckInterval
	if _, entry, ok := u.config.FindByServiceName(service); ok {
		interval = imageCheckInterval(entry.Config)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, entry, ok := u.config.FindByServiceName(service)
			if !ok {
				continue
			}
			if next := imageCheckInterval(entry.Config); next != interval {
				interval = next
				ticker.Reset(interval)
			}
			if err := u.checkAndRoll(ctx, service, entry.Config); err != nil {
				logger.Warn().Err(err).Msg("image check failed")
			}
		}
	}
}

// checkAndRoll compares the service's running pods against its manifest's
// declared images and, if any pod is stale, drives a rolling update.
func (u *Updater) checkAndRoll(ctx context.Context, service string, cfg types.ServiceConfig) error {
	pods := u.instances.Pods(service)
	if len(pods) == 0 {
		return nil
	}

	// Only the first pod Pods returns is compared. After a rollout that
	// timed out, that pod may already carry the new digests, in which case
	// this tick reports no change; Pods returns pods in no particular order,
	// so a later tick that picks a still-stale pod detects the drift.
	changed, err := u.adapter.CheckImageUpdates(ctx, service, cfg.Spec.Containers, pods[0].ImageHash)
	if err != nil {
		return err
	}
	for _, isChanged := range changed {
		if isChanged {
			return u.rollOut(ctx, service, cfg)
		}
	}
	return nil
}

// rollOut drives one full rolling update of service: it suspends the
// autoscaler, replaces every stale pod in surge-bounded batches, then
// resumes the autoscaler, reporting the outcome via RollingUpdateDuration.
func (u *Updater) rollOut(ctx context.Context, service string, cfg types.ServiceConfig) error {
	logger := log.Service(service)
	timer := metrics.NewTimer()
	outcome := "complete"
	defer func() {
		timer.ObserveDurationVec(metrics.RollingUpdateDuration, service, outcome)
	}()

	u.bus.Publish(service, types.ScaleMessageRollingUpdate)
	defer u.bus.Publish(service, types.ScaleMessageRollingUpdateComplete)

	deadline := time.Now().Add(rolloutTimeout(cfg))
	surge := maxSurge(cfg)

	target, err := u.targetDigests(ctx, cfg)
	if err != nil {
		outcome = "aborted"
		return err
	}

	for {
		select {
		case <-ctx.Done():
			outcome = "aborted"
			return ctx.Err()
		default:
		}

		stale := stalePods(u.instances.Pods(service), target)
		if len(stale) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			outcome = "timeout"
			logger.Warn().Int("remaining", len(stale)).Msg("rolling update timed out with stale pods still running")
			return nil
		}

		batch := stale
		if len(batch) > surge {
			batch = batch[:surge]
		}

		var wg sync.WaitGroup
		errs := make([]error, len(batch))
		for i, pod := range batch {
			wg.Add(1)
			go func(i int, podUUID string) {
				defer wg.Done()
				_, err := u.replacer.ReplacePod(ctx, service, podUUID)
				errs[i] = err
			}(i, pod.UUID)
		}
		wg.Wait()

		for _, err := range errs {
			if err != nil {
				outcome = "aborted"
				logger.Error().Err(err).Msg("rolling update aborted: replacement pod failed to start")
				return err
			}
		}
	}
}

// targetDigests resolves the current digest for every container the
// manifest declares, the reference a pod's ImageHash is compared against to
// decide whether it still needs replacing.
func (u *Updater) targetDigests(ctx context.Context, cfg types.ServiceConfig) (map[string]string, error) {
	out := make(map[string]string, len(cfg.Spec.Containers))
	for _, c := range cfg.Spec.Containers {
		digest, err := u.adapter.GetImageDigest(ctx, c.Image)
		if err != nil {
			return nil, err
		}
		out[c.Name] = digest
	}
	return out, nil
}

// stalePods returns every pod whose recorded ImageHash disagrees with target
// for at least one container.
func stalePods(pods []types.InstanceMetadata, target map[string]string) []types.InstanceMetadata {
	var out []types.InstanceMetadata
	for _, pod := range pods {
		for specName, digest := range target {
			if pod.ImageHash[specName] != digest {
				out = append(out, pod)
				break
			}
		}
	}
	return out
}

func imageCheckInterval(cfg types.ServiceConfig) time.Duration {
	if cfg.ImageCheckInterval != nil && *cfg.ImageCheckInterval > 0 {
		return *cfg.ImageCheckInterval
	}
	return defaultImageCheckInterval
}

// maxSurge bounds how many replacement pods a rollout starts concurrently.
// Since a replacement is always started before its predecessor is stopped
// (see Supervisor.ReplacePod), live pod count only ever grows, never
// shrinks, during a batch; max_unavailable is therefore satisfied
// unconditionally by this start-then-stop ordering and is not an
// independent batching bound.
func maxSurge(cfg types.ServiceConfig) int {
	if cfg.RollingUpdateConfig != nil && cfg.RollingUpdateConfig.MaxSurge > 0 {
		return cfg.RollingUpdateConfig.MaxSurge
	}
	return defaultMaxSurge
}

func rolloutTimeout(cfg types.ServiceConfig) time.Duration {
	if cfg.RollingUpdateConfig != nil && cfg.RollingUpdateConfig.Timeout > 0 {
		return cfg.RollingUpdateConfig.Timeout
	}
	return defaultTimeout
}
