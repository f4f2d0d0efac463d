package store

import (
	"hash/fnv"
	"sync"

	"github.com/cuemby/podyard/pkg/types"
)

const statsShardCount = 16

type statsShard struct {
	mu      sync.RWMutex
	samples map[string]types.ContainerStats // container name -> last sample
	entries map[string]types.StatsEntry     // container name -> last cumulative counters
}

// StatsStore implements CONTAINER_STATS (per-container samples, keyed by
// container name) and the StatsEntry bookkeeping needed to compute CPU and
// network rate deltas. It is sharded by an fnv hash of the container name so
// that samples for unrelated containers never contend on the same mutex,
// approximating the "lock-free concurrent map" requirement without pulling in
// a third-party concurrent-map library absent from the corpus.
type StatsStore struct {
	shards [statsShardCount]*statsShard
	// service is a coarser-grained store for SERVICE_STATS: service name ->
	// most recent PodStats per pod UUID.
	serviceMu sync.RWMutex
	service   map[string]map[string]types.PodStats
}

func NewStatsStore() *StatsStore {
	s := &StatsStore{service: make(map[string]map[string]types.PodStats)}
	for i := range s.shards {
		s.shards[i] = &statsShard{
			samples: make(map[string]types.ContainerStats),
			entries: make(map[string]types.StatsEntry),
		}
	}
	return s
}

func (s *StatsStore) shardFor(container string) *statsShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(container))
	return s.shards[h.Sum32()%statsShardCount]
}

// LastEntry returns the last cumulative sample recorded for container, used
// by the stats collector to compute a delta for the next sample.
func (s *StatsStore) LastEntry(container string) (types.StatsEntry, bool) {
	shard := s.shardFor(container)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	e, ok := shard.entries[container]
	return e, ok
}

// RecordSample stores both the new cumulative entry (for the next delta) and
// the derived ContainerStats sample.
func (s *StatsStore) RecordSample(container string, entry types.StatsEntry, sample types.ContainerStats) {
	shard := s.shardFor(container)
	shard.mu.Lock()
	shard.entries[container] = entry
	shard.samples[container] = sample
	shard.mu.Unlock()
}

// ContainerStats returns the last sample recorded for container.
func (s *StatsStore) ContainerStats(container string) (types.ContainerStats, bool) {
	shard := s.shardFor(container)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	st, ok := shard.samples[container]
	return st, ok
}

// RemoveContainer purges both the sample and the delta-computation entry for
// a container, called when its pod is stopped.
func (s *StatsStore) RemoveContainer(container string) {
	shard := s.shardFor(container)
	shard.mu.Lock()
	delete(shard.samples, container)
	delete(shard.entries, container)
	shard.mu.Unlock()
}

// SetPodStats records the latest per-pod aggregate for SERVICE_STATS.
func (s *StatsStore) SetPodStats(service, podUUID string, stats types.PodStats) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	pods, ok := s.service[service]
	if !ok {
		pods = make(map[string]types.PodStats)
		s.service[service] = pods
	}
	pods[podUUID] = stats
}

// RemovePodStats drops a pod's aggregate, called when the pod is stopped.
func (s *StatsStore) RemovePodStats(service, podUUID string) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	if pods, ok := s.service[service]; ok {
		delete(pods, podUUID)
		if len(pods) == 0 {
			delete(s.service, service)
		}
	}
}

// ServicePodStats returns a snapshot of every pod's aggregate for a service.
func (s *StatsStore) ServicePodStats(service string) []types.PodStats {
	s.serviceMu.RLock()
	defer s.serviceMu.RUnlock()
	pods := s.service[service]
	out := make([]types.PodStats, 0, len(pods))
	for _, p := range pods {
		out = append(out, p)
	}
	return out
}

// PurgeService drops every stats entry belonging to a service's containers
// and pods. Called from Supervisor.stop's best-effort cleanup.
func (s *StatsStore) PurgeService(containerNames []string, service string) {
	for _, name := range containerNames {
		s.RemoveContainer(name)
	}
	s.serviceMu.Lock()
	delete(s.service, service)
	s.serviceMu.Unlock()
}
