package stats

import (
	"context"
	"time"

	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/runtime"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

// Collector periodically samples every running container and derives
// ContainerStats and PodStats, writing both into a StatsStore.
type Collector struct {
	stats    *store.StatsStore
	adapter  runtime.Adapter
	interval time.Duration
}

// NewCollector constructs a Collector sampling at interval.
func NewCollector(stats *store.StatsStore, adapter runtime.Adapter, interval time.Duration) *Collector {
	return &Collector{stats: stats, adapter: adapter, interval: interval}
}

// ServicePods is one service's currently running pods plus the
// PodMetricsStrategy its manifest declares for reducing per-container
// samples to a pod-level aggregate.
type ServicePods struct {
	Pods     []types.InstanceMetadata
	Strategy types.PodMetricsStrategy
}

// PodSet maps service name to its currently running pods, as supplied by the
// caller (the orchestrator's InstanceStore/ConfigStore) at the start of
// every tick.
type PodSet map[string]ServicePods

// Run samples every container in pods() until ctx is cancelled. pods is
// re-evaluated on every tick so newly started or stopped pods are picked up
// without restarting the collector.
func (c *Collector) Run(ctx context.Context, pods func() PodSet) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, pods())
		}
	}
}

func (c *Collector) tick(ctx context.Context, servicePods PodSet) {
	for service, sp := range servicePods {
		for _, pod := range sp.Pods {
			for _, container := range pod.Containers {
				c.sampleContainer(ctx, service, container)
			}
			c.aggregatePod(service, pod, sp.Strategy)
		}
	}
}

// sampleContainer implements the C3 CPU formula: cpu_absolute =
// (cpu_total_delta / system_cpu_delta) x online_cpus x 100, clamped to
// [0, 100*online_cpus] then normalised to [0,100] by dividing by online_cpus.
// A container's first sample always yields zero, since no prior cumulative
// counters exist yet to take a delta against.
func (c *Collector) sampleContainer(ctx context.Context, service string, container types.ContainerMetadata) {
	snap, err := c.adapter.InspectContainer(ctx, container.Name)
	if err != nil {
		log.Container(service, container.Name).Warn().Err(err).Msg("failed to sample container stats")
		return
	}
	raw := snap.Stats
	now := time.Now()

	prev, hadPrev := c.stats.LastEntry(container.Name)

	var cpuAbsolute, rxRate, txRate float64
	if hadPrev && prev.HasSampled {
		cpuAbsolute = cpuAbsolutePercent(prev.CPUTotal, raw.CPUTotal, prev.SystemCPU, raw.SystemCPU, raw.OnlineCPUs)
		if dt := now.Sub(prev.SampledAt).Seconds(); dt > 0 {
			rxRate = rateOf(prev.RxBytes, raw.RxBytes, dt)
			txRate = rateOf(prev.TxBytes, raw.TxBytes, dt)
		}
	}

	cpuRelative := cpuAbsolute
	if container.CPULimitNanos > 0 {
		limitCores := float64(container.CPULimitNanos) / 1e9
		cpuRelative = clamp(cpuAbsolute/limitCores, 0, 100)
	}

	entry := types.StatsEntry{
		CPUTotal:   raw.CPUTotal,
		SystemCPU:  raw.SystemCPU,
		RxBytes:    raw.RxBytes,
		TxBytes:    raw.TxBytes,
		SampledAt:  now,
		HasSampled: true,
	}
	sample := types.ContainerStats{
		ContainerName: container.Name,
		CPUAbsolute:   cpuAbsolute,
		CPURelative:   cpuRelative,
		MemoryUsage:   raw.MemoryUsage,
		MemoryLimit:   raw.MemoryLimit,
		RxBytes:       raw.RxBytes,
		TxBytes:       raw.TxBytes,
		RxRate:        rxRate,
		TxRate:        txRate,
		Timestamp:     now,
	}
	c.stats.RecordSample(container.Name, entry, sample)
}

func cpuAbsolutePercent(prevCPUTotal, cpuTotal, prevSystemCPU, systemCPU uint64, onlineCPUs int) float64 {
	if onlineCPUs <= 0 {
		onlineCPUs = 1
	}
	cpuDelta := deltaOf(prevCPUTotal, cpuTotal)
	systemDelta := deltaOf(prevSystemCPU, systemCPU)
	if systemDelta == 0 {
		return 0
	}
	raw := (cpuDelta / systemDelta) * float64(onlineCPUs) * 100
	raw = clamp(raw, 0, 100*float64(onlineCPUs))
	return raw / float64(onlineCPUs)
}

func deltaOf(prev, cur uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

func rateOf(prevBytes, curBytes uint64, dtSeconds float64) float64 {
	if curBytes < prevBytes {
		return 0
	}
	return float64(curBytes-prevBytes) / dtSeconds
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Collector) aggregatePod(service string, pod types.InstanceMetadata, strategy types.PodMetricsStrategy) {
	var containerStats []types.ContainerStats
	for _, container := range pod.Containers {
		if s, ok := c.stats.ContainerStats(container.Name); ok {
			containerStats = append(containerStats, s)
		}
	}
	if len(containerStats) == 0 {
		return
	}
	if strategy == "" {
		strategy = types.PodMetricsMaximum
	}
	agg := Aggregate(containerStats, strategy)
	agg.PodUUID = pod.UUID
	agg.Timestamp = time.Now()
	c.stats.SetPodStats(service, pod.UUID, agg)
}

// Aggregate reduces a pod's container samples to a single PodStats value per
// the declared PodMetricsStrategy: Maximum takes the per-field maximum across
// containers (the default), Average takes the per-field mean.
func Aggregate(containerStats []types.ContainerStats, strategy types.PodMetricsStrategy) types.PodStats {
	if len(containerStats) == 0 {
		return types.PodStats{}
	}
	if strategy == types.PodMetricsAverage {
		var out types.PodStats
		for _, s := range containerStats {
			out.CPUAbsolute += s.CPUAbsolute
			out.CPURelative += s.CPURelative
			out.MemoryUsage += s.MemoryUsage
			out.MemoryLimit += s.MemoryLimit
		}
		n := float64(len(containerStats))
		out.CPUAbsolute /= n
		out.CPURelative /= n
		out.MemoryUsage /= uint64(len(containerStats))
		out.MemoryLimit /= uint64(len(containerStats))
		return out
	}

	out := types.PodStats{
		CPUAbsolute: containerStats[0].CPUAbsolute,
		CPURelative: containerStats[0].CPURelative,
		MemoryUsage: containerStats[0].MemoryUsage,
		MemoryLimit: containerStats[0].MemoryLimit,
	}
	for _, s := range containerStats[1:] {
		if s.CPUAbsolute > out.CPUAbsolute {
			out.CPUAbsolute = s.CPUAbsolute
		}
		if s.CPURelative > out.CPURelative {
			out.CPURelative = s.CPURelative
		}
		if s.MemoryUsage > out.MemoryUsage {
			out.MemoryUsage = s.MemoryUsage
		}
		if s.MemoryLimit > out.MemoryLimit {
			out.MemoryLimit = s.MemoryLimit
		}
	}
	return out
}
