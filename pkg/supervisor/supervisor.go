// Package supervisor implements the service supervisor (C7): the
// start/update/stop operations that bring a service's running pods in line
// with its validated manifest, spawn its autoscaler and rolling-updater
// background tasks, and tear everything down again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/podyard/pkg/coordinator"
	"github.com/cuemby/podyard/pkg/health"
	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/naming"
	"github.com/cuemby/podyard/pkg/orcherr"
	"github.com/cuemby/podyard/pkg/orphan"
	"github.com/cuemby/podyard/pkg/runtime"
	"github.com/cuemby/podyard/pkg/stats"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
	"github.com/cuemby/podyard/pkg/volume"
)

// healthTaskKey namespaces a container's probe task in TaskStore so it can
// never collide with the service-level autoscaler/rollout task keys.
func healthTaskKey(containerName string) string {
	return "health_" + containerName
}

// RunLoopFunc is a per-service background control loop (the autoscaler or
// the rolling updater). It must return promptly once ctx is cancelled.
type RunLoopFunc func(ctx context.Context, service string)

// Supervisor wires one service's lifecycle operations together. It is
// deliberately decoupled from the autoscaler and rolling-updater packages:
// both are injected as RunLoopFunc values at construction (see
// package orchestrator), so this package never imports either.
type Supervisor struct {
	stores  *store.Stores
	adapter runtime.Adapter
	bus     *coordinator.Bus
	volumes *volume.Driver

	runAutoscaler RunLoopFunc
	runRollout    RunLoopFunc

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs a Supervisor. runAutoscaler and runRollout are spawned as
// goroutines, one pair per running service, from Start.
func New(stores *store.Stores, adapter runtime.Adapter, bus *coordinator.Bus, volumes *volume.Driver, runAutoscaler, runRollout RunLoopFunc) *Supervisor {
	return &Supervisor{
		stores:        stores,
		adapter:       adapter,
		bus:           bus,
		volumes:       volumes,
		runAutoscaler: runAutoscaler,
		runRollout:    runRollout,
		locks:         make(map[string]*sync.Mutex),
	}
}

// lockFor returns the per-service mutex serializing Start/Update/Stop calls
// for one service, creating it on first use.
func (s *Supervisor) lockFor(service string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[service]
	if !ok {
		l = &sync.Mutex{}
		s.locks[service] = l
	}
	return l
}

// Start brings a newly-observed service up: adopts any orphaned pods,
// reconciles the running pod count up to instance_count.min, registers
// backends, and spawns the autoscaler and image-check/rollout tasks.
func (s *Supervisor) Start(ctx context.Context, cfg types.ServiceConfig) error {
	lock := s.lockFor(cfg.Name)
	lock.Lock()
	defer lock.Unlock()
	return s.startLocked(ctx, cfg)
}

func (s *Supervisor) startLocked(ctx context.Context, cfg types.ServiceConfig) error {
	logger := log.Service(cfg.Name)

	if err := orphan.Adopt(ctx, s.adapter, s.stores.Instances, cfg.Name, cfg.Spec.Containers, cfg.AdoptOrphans); err != nil {
		logger.Error().Err(err).Msg("orphan adoption failed")
	}
	for _, pod := range s.stores.Instances.Pods(cfg.Name) {
		s.spawnHealthProbes(ctx, cfg, pod)
	}

	if err := s.scaleTo(ctx, cfg, cfg.Instances.Min); err != nil {
		logger.Error().Err(err).Msg("failed to reach instance_count.min")
	}

	s.registerBackends(cfg)
	s.spawnTasks(ctx, cfg.Name)
	return nil
}

// Update applies a manifest revision to an already-running service: if it has
// no live scaling task it is treated as a fresh Start; otherwise the
// autoscaler is suspended, running pods are reconciled to the new bounds, and
// the autoscaler is resumed.
func (s *Supervisor) Update(ctx context.Context, cfg types.ServiceConfig) error {
	lock := s.lockFor(cfg.Name)
	lock.Lock()
	defer lock.Unlock()

	if !s.stores.Tasks.Has(cfg.Name) {
		return s.startLocked(ctx, cfg)
	}

	logger := log.Service(cfg.Name)
	s.bus.Publish(cfg.Name, types.ScaleMessageConfigUpdate)

	count := s.stores.Instances.Count(cfg.Name)
	switch {
	case count < cfg.Instances.Min:
		if err := s.scaleTo(ctx, cfg, cfg.Instances.Min); err != nil {
			logger.Error().Err(err).Msg("failed to reconcile up to new instance_count.min")
		}
	case count > cfg.Instances.Max:
		if err := s.scaleTo(ctx, cfg, cfg.Instances.Max); err != nil {
			logger.Error().Err(err).Msg("failed to reconcile down to new instance_count.max")
		}
	}
	s.registerBackends(cfg)

	s.bus.Publish(cfg.Name, types.ScaleMessageResume)
	return nil
}

// Stop tears a service down entirely: its background tasks, backends, running
// containers, pod networks, stats and health records. Every step is
// best-effort: a failure is logged and cleanup continues.
func (s *Supervisor) Stop(ctx context.Context, service string) error {
	lock := s.lockFor(service)
	lock.Lock()
	defer lock.Unlock()

	logger := log.Service(service)

	s.bus.Unsubscribe(service)
	s.stores.Tasks.Abort(service)
	s.stores.Tasks.Abort(service + "_updater")

	for _, key := range s.stores.Backends.KeysForService(service) {
		s.stores.Backends.RemoveKey(key)
	}

	var containerNames []string
	for _, pod := range s.stores.Instances.Pods(service) {
		for _, c := range pod.Containers {
			containerNames = append(containerNames, c.Name)
			if err := s.adapter.StopContainer(ctx, c.Name); err != nil {
				logger.Warn().Str("container", c.Name).Err(err).Msg("failed to stop container")
			}
			s.stopHealthProbe(c.Name)
		}
		if err := s.adapter.RemovePodNetwork(ctx, pod.Network, service); err != nil {
			logger.Warn().Str("network", pod.Network).Err(err).Msg("failed to remove pod network")
		}
	}

	if _, entry, ok := s.stores.Config.FindByServiceName(service); ok {
		for name := range entry.Config.Volumes {
			if err := s.volumes.Detach(service, name); err != nil {
				logger.Warn().Str("volume", name).Err(err).Msg("failed to detach volume")
			}
		}
	}

	s.stores.Instances.RemoveService(service)
	s.stores.Stats.PurgeService(containerNames, service)
	s.stores.Codel.Remove(service)

	return nil
}

// ScaleTo is the autoscaler's entry point for changing
// a running service's pod count outside of Start/Update: it takes the same
// per-service lock those do, looks up the service's current manifest, and
// reconciles backends once the count settles. Implements autoscaler.Scaler.
func (s *Supervisor) ScaleTo(ctx context.Context, service string, target int) error {
	lock := s.lockFor(service)
	lock.Lock()
	defer lock.Unlock()

	_, entry, ok := s.stores.Config.FindByServiceName(service)
	if !ok {
		return orcherr.New(orcherr.Transient, service, "", errors.New("service has no active manifest"))
	}
	if err := s.scaleTo(ctx, entry.Config, target); err != nil {
		return err
	}
	s.registerBackends(entry.Config)
	return nil
}

// scaleTo brings the service's running pod count to exactly target,
// starting new pods (fresh UUID, next pod number) or stopping the
// highest-numbered existing pods as needed.
func (s *Supervisor) scaleTo(ctx context.Context, cfg types.ServiceConfig, target int) error {
	for s.stores.Instances.Count(cfg.Name) < target {
		if err := s.startPod(ctx, cfg); err != nil {
			return err
		}
	}
	for s.stores.Instances.Count(cfg.Name) > target {
		if err := s.stopOnePod(ctx, cfg.Name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) startPod(ctx context.Context, cfg types.ServiceConfig) error {
	podNumber := s.stores.Instances.NextPodNumber(cfg.Name)
	podUUID := uuid.NewString()

	network, err := s.adapter.CreatePodNetwork(ctx, cfg.Name, podUUID)
	if err != nil {
		return err
	}

	volumePaths, err := s.volumes.ResolveAll(cfg.Name, cfg.Volumes, cfg.Spec.Containers)
	if err != nil {
		return orcherr.New(orcherr.Validation, cfg.Name, "", err)
	}

	started, startErr := s.adapter.StartContainers(ctx, cfg.Name, podNumber, podUUID, cfg.Spec.Containers, network, volumePaths)
	if startErr != nil {
		logger := log.Service(cfg.Name)
		for _, sc := range started {
			if err := s.adapter.StopContainer(ctx, sc.Name); err != nil {
				logger.Warn().Str("container", sc.Name).Err(err).Msg("failed to stop container of partially-started pod")
			}
		}
		if err := s.adapter.RemovePodNetwork(ctx, network, cfg.Name); err != nil {
			logger.Warn().Str("network", network).Err(err).Msg("failed to remove pod network after partial start")
		}
		return orcherr.New(orcherr.PartialPod, cfg.Name, "", startErr)
	}

	meta := s.buildPodMetadata(ctx, cfg, podNumber, podUUID, network, started)
	s.stores.Instances.Upsert(cfg.Name, meta)
	s.spawnHealthProbes(ctx, cfg, meta)
	return nil
}

// buildPodMetadata assembles an InstanceMetadata record from a runtime
// adapter's StartContainers/AttemptStartContainers result, resolving each
// started container back to the ContainerSpec it came from (for its CPU
// limit and image digest).
func (s *Supervisor) buildPodMetadata(ctx context.Context, cfg types.ServiceConfig, podNumber uint8, podUUID, network string, started []runtime.StartedContainer) types.InstanceMetadata {
	meta := types.InstanceMetadata{
		UUID:      podUUID,
		PodNumber: podNumber,
		CreatedAt: time.Now(),
		Network:   network,
		ImageHash: make(map[string]string, len(cfg.Spec.Containers)),
	}
	bySpecName := make(map[string]types.ContainerSpec, len(cfg.Spec.Containers))
	for _, c := range cfg.Spec.Containers {
		bySpecName[c.Name] = c
	}
	for _, sc := range started {
		parsed, parseErr := naming.ParseContainerName(sc.Name)
		specName := ""
		var limitNanos int64
		if parseErr == nil {
			specName = parsed.Container
			if spec, ok := bySpecName[specName]; ok && spec.CPULimit != "" {
				if n, cpuErr := stats.ParseCPULimit(spec.CPULimit); cpuErr == nil {
					limitNanos = n
				}
			}
		}
		meta.Containers = append(meta.Containers, types.ContainerMetadata{
			Name:          sc.Name,
			SpecName:      specName,
			Network:       network,
			IPAddress:     sc.IPAddress,
			Ports:         sc.Ports,
			Status:        types.ContainerStatusRunning,
			CPULimitNanos: limitNanos,
		})
		if digest, digestErr := s.adapter.GetImageDigest(ctx, bySpecName[specName].Image); digestErr == nil {
			meta.ImageHash[specName] = digest
		}
	}
	return meta
}

// spawnHealthProbes starts one health.Prober task per started container that
// declares a health_check in its manifest. Containers without one are left at
// HealthStateUnknown and never probed.
func (s *Supervisor) spawnHealthProbes(ctx context.Context, cfg types.ServiceConfig, pod types.InstanceMetadata) {
	bySpecName := make(map[string]types.ContainerSpec, len(cfg.Spec.Containers))
	for _, c := range cfg.Spec.Containers {
		bySpecName[c.Name] = c
	}
	logger := log.Service(cfg.Name)
	for _, c := range pod.Containers {
		spec, ok := bySpecName[c.SpecName]
		if !ok || spec.HealthCheck == nil {
			continue
		}
		prober, err := health.NewProber(s.stores.Health, c.Name, c.IPAddress, *spec.HealthCheck)
		if err != nil {
			logger.Error().Str("container", c.Name).Err(err).Msg("invalid health_check, skipping probe")
			continue
		}
		taskCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		addr := c.IPAddress
		go func() {
			defer close(done)
			prober.Run(taskCtx, addr)
		}()
		s.stores.Tasks.Set(healthTaskKey(c.Name), store.TaskHandle{Cancel: cancel, Done: done})
	}
}

// stopHealthProbe aborts the probe task for one container, if any, and
// removes its CONTAINER_HEALTH entry.
func (s *Supervisor) stopHealthProbe(containerName string) {
	s.stores.Tasks.Abort(healthTaskKey(containerName))
	s.stores.Health.Remove(containerName)
}

// ReplacePod implements rollout.PodReplacer: it starts one replacement pod
// for oldPodUUID, swaps the two pods' load-balancer membership, then stops
// and removes the old pod. If the replacement fails to start (even
// partially), the old pod is left untouched and the partial replacement is
// torn down, so the rolling updater can treat the error as a reason to abort
// rather than having left the service under-capacity.
func (s *Supervisor) ReplacePod(ctx context.Context, service, oldPodUUID string) (string, error) {
	lock := s.lockFor(service)
	lock.Lock()
	defer lock.Unlock()

	logger := log.Service(service)

	_, entry, ok := s.stores.Config.FindByServiceName(service)
	if !ok {
		return "", orcherr.New(orcherr.Transient, service, "", errors.New("service has no active manifest"))
	}
	cfg := entry.Config

	old, ok := s.stores.Instances.Get(service, oldPodUUID)
	if !ok {
		return "", orcherr.New(orcherr.Transient, service, "", fmt.Errorf("pod %s not found", oldPodUUID))
	}

	podNumber := s.stores.Instances.NextPodNumber(service)
	newUUID := uuid.NewString()

	network, err := s.adapter.CreatePodNetwork(ctx, service, newUUID)
	if err != nil {
		return "", orcherr.New(orcherr.RolloutFailed, service, "", err)
	}

	volumePaths, err := s.volumes.ResolveAll(service, cfg.Volumes, cfg.Spec.Containers)
	if err != nil {
		return "", orcherr.New(orcherr.RolloutFailed, service, "", err)
	}

	started, startErr := s.adapter.AttemptStartContainers(ctx, service, podNumber, newUUID, cfg.Spec.Containers, network, volumePaths)
	if startErr != nil {
		for _, sc := range started {
			if err := s.adapter.StopContainer(ctx, sc.Name); err != nil {
				logger.Warn().Str("container", sc.Name).Err(err).Msg("failed to stop partially-started replacement container")
			}
		}
		if err := s.adapter.RemovePodNetwork(ctx, network, service); err != nil {
			logger.Warn().Str("network", network).Err(err).Msg("failed to remove replacement pod network after aborted start")
		}
		return "", orcherr.New(orcherr.RolloutFailed, service, "", startErr)
	}

	newMeta := s.buildPodMetadata(ctx, cfg, podNumber, newUUID, network, started)

	s.addPodBackends(cfg, newMeta)
	s.removePodBackends(cfg, old)
	s.spawnHealthProbes(ctx, cfg, newMeta)

	for _, c := range old.Containers {
		if err := s.adapter.StopContainer(ctx, c.Name); err != nil {
			logger.Warn().Str("container", c.Name).Err(err).Msg("failed to stop container during rolling update")
		}
		s.stopHealthProbe(c.Name)
	}
	if err := s.adapter.RemovePodNetwork(ctx, old.Network, service); err != nil {
		logger.Warn().Str("network", old.Network).Err(err).Msg("failed to remove pod network during rolling update")
	}

	s.stores.Instances.Remove(service, old.UUID)
	s.stores.Instances.Upsert(service, newMeta)
	s.stores.Stats.RemovePodStats(service, old.UUID)

	return newUUID, nil
}

func (s *Supervisor) stopOnePod(ctx context.Context, service string) error {
	pods := s.stores.Instances.Pods(service)
	if len(pods) == 0 {
		return nil
	}
	victim := pods[0]
	for _, p := range pods {
		if p.PodNumber > victim.PodNumber {
			victim = p
		}
	}

	logger := log.Service(service)
	for _, c := range victim.Containers {
		if err := s.adapter.StopContainer(ctx, c.Name); err != nil {
			logger.Warn().Str("container", c.Name).Err(err).Msg("failed to stop container during scale-down")
		}
		s.stopHealthProbe(c.Name)
		s.stores.Stats.RemoveContainer(c.Name)
	}
	if err := s.adapter.RemovePodNetwork(ctx, victim.Network, service); err != nil {
		logger.Warn().Str("network", victim.Network).Err(err).Msg("failed to remove pod network during scale-down")
	}
	s.stores.Instances.Remove(service, victim.UUID)
	s.stores.Stats.RemovePodStats(service, victim.UUID)
	return nil
}

// registerBackends rebuilds SERVER_BACKENDS for every node_port this service
// declares, from its currently running pods.
func (s *Supervisor) registerBackends(cfg types.ServiceConfig) {
	for _, key := range s.stores.Backends.KeysForService(cfg.Name) {
		s.stores.Backends.RemoveKey(key)
	}
	for _, pod := range s.stores.Instances.Pods(cfg.Name) {
		s.addPodBackends(cfg, pod)
	}
}

// addPodBackends and removePodBackends adjust SERVER_BACKENDS incrementally
// for a single pod, used by ReplacePod to swap load-balancer membership
// without tearing down every other pod's backend entries.
func (s *Supervisor) addPodBackends(cfg types.ServiceConfig, pod types.InstanceMetadata) {
	for _, c := range pod.Containers {
		for _, port := range c.Ports {
			if port.NodePort == 0 {
				continue
			}
			key := naming.BackendKey(cfg.Name, port.NodePort)
			s.stores.Backends.Add(key, types.Backend(c.IPAddress+":"+strconv.Itoa(port.Port)))
		}
	}
}

func (s *Supervisor) removePodBackends(cfg types.ServiceConfig, pod types.InstanceMetadata) {
	for _, c := range pod.Containers {
		for _, port := range c.Ports {
			if port.NodePort == 0 {
				continue
			}
			key := naming.BackendKey(cfg.Name, port.NodePort)
			s.stores.Backends.Remove(key, types.Backend(c.IPAddress+":"+strconv.Itoa(port.Port)))
		}
	}
}

func (s *Supervisor) spawnTasks(ctx context.Context, service string) {
	s.spawnTask(ctx, service, service, s.runAutoscaler)
	s.spawnTask(ctx, service+"_updater", service, s.runRollout)
}

// spawnTask runs loop(taskCtx, service) in a goroutine, tracking it in
// SCALING_TASKS/IMAGE_CHECK_TASKS under taskKey (the plain service name for
// the autoscaler, "{service}_updater" for the rolling updater). Any
// previously running task under the same key is aborted first.
func (s *Supervisor) spawnTask(ctx context.Context, taskKey, service string, loop RunLoopFunc) {
	if loop == nil {
		return
	}
	s.stores.Tasks.Abort(taskKey)
	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		loop(taskCtx, service)
	}()
	s.stores.Tasks.Set(taskKey, store.TaskHandle{Cancel: cancel, Done: done})
}
