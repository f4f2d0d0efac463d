// Package store implements the process-wide state of the control plane: the
// named stores from the data model (CONFIG_STORE, INSTANCE_STORE,
// CONTAINER_STATS, SERVICE_STATS, SCALING_TASKS, IMAGE_CHECK_TASKS,
// SERVER_BACKENDS, CONTAINER_HEALTH).
//
// Every store is a plain Go struct guarding a map with a sync.RWMutex (or, for
// the two stats stores, a small set of sharded mutex-guarded maps). None of
// them is a package-level singleton: callers construct one Stores value per
// running orchestrator (see package orchestrator), so tests can build an
// isolated instance per case.
//
// Compound, cross-store invariants (e.g. "remove this pod from instances and
// its backends together") are the caller's responsibility to serialize; this
// package only guarantees that no single store observes a torn read or write.
// Lock acquisition, when a caller needs more than one store, must follow the
// fixed order config -> instances -> tasks -> backends -> health.
package store

import (
	"context"
	"strings"
	"sync"

	"github.com/cuemby/podyard/pkg/types"
)

// ConfigEntry is one CONFIG_STORE record: the manifest's absolute path paired
// with its last successfully validated contents.
type ConfigEntry struct {
	AbsolutePath string
	Config       types.ServiceConfig
}

// ConfigStore maps a manifest's path to its validated ServiceConfig. The
// watcher keys each entry by the path it observed (the watched directory
// joined with the file's location under it), the same string it stores as
// AbsolutePath; keys are not made relative to the watched directory.
type ConfigStore struct {
	mu      sync.RWMutex
	entries map[string]ConfigEntry
}

// NewConfigStore constructs an empty ConfigStore.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{entries: make(map[string]ConfigEntry)}
}

func (s *ConfigStore) Get(path string) (ConfigEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[path]
	return e, ok
}

func (s *ConfigStore) Upsert(path string, entry ConfigEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path] = entry
}

func (s *ConfigStore) Remove(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, path)
}

// Snapshot returns a shallow copy of every path -> entry pair. Safe to range
// over without holding any lock, since ConfigEntry is a value type.
func (s *ConfigStore) Snapshot() map[string]ConfigEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ConfigEntry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// FindByServiceName scans for the entry whose Config.Name matches, returning
// its path. Used by the supervisor, autoscaler, rolling updater and
// orchestrator, which know a service by name rather than by manifest path.
func (s *ConfigStore) FindByServiceName(name string) (path string, entry ConfigEntry, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p, e := range s.entries {
		if e.Config.Name == name {
			return p, e, true
		}
	}
	return "", ConfigEntry{}, false
}

// InstanceStore maps service name -> pod UUID -> InstanceMetadata.
type InstanceStore struct {
	mu       sync.RWMutex
	services map[string]map[string]types.InstanceMetadata
}

func NewInstanceStore() *InstanceStore {
	return &InstanceStore{services: make(map[string]map[string]types.InstanceMetadata)}
}

func (s *InstanceStore) Upsert(service string, pod types.InstanceMetadata) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pods, ok := s.services[service]
	if !ok {
		pods = make(map[string]types.InstanceMetadata)
		s.services[service] = pods
	}
	pods[pod.UUID] = pod
}

func (s *InstanceStore) Remove(service, podUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pods, ok := s.services[service]; ok {
		delete(pods, podUUID)
		if len(pods) == 0 {
			delete(s.services, service)
		}
	}
}

// RemoveService drops every pod of a service in one step.
func (s *InstanceStore) RemoveService(service string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.services, service)
}

// Pods returns a snapshot slice of a service's pods, in no particular order.
func (s *InstanceStore) Pods(service string) []types.InstanceMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pods := s.services[service]
	out := make([]types.InstanceMetadata, 0, len(pods))
	for _, p := range pods {
		out = append(out, p)
	}
	return out
}

// Get returns a single pod by service and UUID.
func (s *InstanceStore) Get(service, podUUID string) (types.InstanceMetadata, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pod, ok := s.services[service][podUUID]
	return pod, ok
}

func (s *InstanceStore) Count(service string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services[service])
}

// NextPodNumber returns max(existing pod numbers)+1, or 0 if the service has
// no pods. Numbers are not reused within a running service.
func (s *InstanceStore) NextPodNumber(service string) uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max int = -1
	for _, p := range s.services[service] {
		if int(p.PodNumber) > max {
			max = int(p.PodNumber)
		}
	}
	return uint8(max + 1)
}

// Services returns the names of every service with at least one pod tracked.
func (s *InstanceStore) Services() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.services))
	for name := range s.services {
		out = append(out, name)
	}
	return out
}

// TaskHandle is a cancellable, awaitable handle to a background control-loop
// goroutine, the Go rendition of the "task handles as cancellation tokens"
// pattern from the design notes: the Cancel func triggers a context
// cancellation and Done is closed when the goroutine actually returns.
type TaskHandle struct {
	Cancel context.CancelFunc
	Done   <-chan struct{}
}

// TaskStore implements SCALING_TASKS and IMAGE_CHECK_TASKS: service name ->
// task handle. The reserved key suffix "_updater" belongs to the caller's
// naming convention, not to this store.
type TaskStore struct {
	mu    sync.RWMutex
	tasks map[string]TaskHandle
}

func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]TaskHandle)}
}

func (s *TaskStore) Get(key string) (TaskHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.tasks[key]
	return h, ok
}

func (s *TaskStore) Set(key string, handle TaskHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[key] = handle
}

// Abort cancels and removes the task at key, if present. It does not wait for
// Done; aborted tasks may leave in-flight runtime calls to drain.
func (s *TaskStore) Abort(key string) {
	s.mu.Lock()
	h, ok := s.tasks[key]
	delete(s.tasks, key)
	s.mu.Unlock()
	if ok {
		h.Cancel()
	}
}

func (s *TaskStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tasks[key]
	return ok
}

// BackendStore implements SERVER_BACKENDS: "{service}_{node_port}" -> set of
// backend strings "{pod_ip}:{container_port}".
type BackendStore struct {
	mu       sync.RWMutex
	backends map[string]map[types.Backend]struct{}
}

func NewBackendStore() *BackendStore {
	return &BackendStore{backends: make(map[string]map[types.Backend]struct{})}
}

func (s *BackendStore) Add(key string, backend types.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.backends[key]
	if !ok {
		set = make(map[types.Backend]struct{})
		s.backends[key] = set
	}
	set[backend] = struct{}{}
}

func (s *BackendStore) Remove(key string, backend types.Backend) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.backends[key]; ok {
		delete(set, backend)
		if len(set) == 0 {
			delete(s.backends, key)
		}
	}
}

// RemoveKey drops an entire backend set, e.g. once a service fully stops.
func (s *BackendStore) RemoveKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backends, key)
}

func (s *BackendStore) Members(key string) []types.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.backends[key]
	out := make([]types.Backend, 0, len(set))
	for b := range set {
		out = append(out, b)
	}
	return out
}

// KeysForService returns every backend key currently tracked for a service, i.e. every
// "{service}_{node_port}" entry whose prefix matches servicePrefix.
func (s *BackendStore) KeysForService(servicePrefix string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	prefix := servicePrefix + "_"
	for k := range s.backends {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

// HealthStore implements CONTAINER_HEALTH: container name -> HealthStatus.
type HealthStore struct {
	mu      sync.RWMutex
	entries map[string]types.HealthStatus
}

func NewHealthStore() *HealthStore {
	return &HealthStore{entries: make(map[string]types.HealthStatus)}
}

func (s *HealthStore) Set(container string, status types.HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[container] = status
}

func (s *HealthStore) Get(container string) (types.HealthStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.entries[container]
	return st, ok
}

func (s *HealthStore) Remove(container string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, container)
}

// Stores bundles every process-wide store the control plane depends on. One
// Stores value is constructed per running orchestrator instance (never a
// package-level singleton), so tests can build an isolated copy per case.
type Stores struct {
	Config    *ConfigStore
	Instances *InstanceStore
	Tasks     *TaskStore
	Backends  *BackendStore
	Health    *HealthStore
	Stats     *StatsStore
	Codel     *CodelStore
}

// New constructs a fresh, empty set of stores.
func New() *Stores {
	return &Stores{
		Config:    NewConfigStore(),
		Instances: NewInstanceStore(),
		Tasks:     NewTaskStore(),
		Backends:  NewBackendStore(),
		Health:    NewHealthStore(),
		Stats:     NewStatsStore(),
		Codel:     NewCodelStore(),
	}
}
