package types

import "time"

// ServiceConfig is the validated, in-memory representation of a service manifest.
type ServiceConfig struct {
	Name      string        `yaml:"name"`
	Network   string        `yaml:"network,omitempty"`
	Spec      ServiceSpec   `yaml:"spec"`
	Instances InstanceCount `yaml:"instance_count"`

	AdoptOrphans        bool                  `yaml:"adopt_orphans,omitempty"`
	ImageCheckInterval  *time.Duration        `yaml:"image_check_interval,omitempty"`
	RollingUpdateConfig *RollingUpdateConfig  `yaml:"rolling_update_config,omitempty"`
	Codel               *CodelConfig          `yaml:"codel,omitempty"`
	ScalingPolicy       *ScalingPolicy        `yaml:"scaling_policy,omitempty"`
	Volumes             map[string]VolumeSpec `yaml:"volumes,omitempty"`
}

// ServiceSpec groups the containers that make up one pod of the service.
type ServiceSpec struct {
	Containers []ContainerSpec `yaml:"containers"`
}

// ContainerSpec is one container template within a pod.
type ContainerSpec struct {
	Name         string            `yaml:"name"`
	Image        string            `yaml:"image"`
	Command      []string          `yaml:"command,omitempty"`
	Ports        []PortSpec        `yaml:"ports,omitempty"`
	VolumeMounts []VolumeMountSpec `yaml:"volume_mounts,omitempty"`

	MemoryLimit        string              `yaml:"memory_limit,omitempty"`
	CPULimit           string              `yaml:"cpu_limit,omitempty"`
	NetworkLimit       *NetworkLimit       `yaml:"network_limit,omitempty"`
	ResourceThresholds *ResourceThresholds `yaml:"resource_thresholds,omitempty"`
	HealthCheck        *HealthCheckSpec    `yaml:"health_check,omitempty"`
}

// HealthCheckSpec declares how CONTAINER_HEALTH is populated for one
// container: an HTTP or TCP probe run on an interval against the container's
// pod-network address.
type HealthCheckSpec struct {
	Type string `yaml:"type"` // "http" or "tcp"

	// Path and Port apply to the http check type.
	Path string `yaml:"path,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// TCPPort applies to the tcp check type. Defaults to Port if unset.
	TCPPort int `yaml:"tcp_port,omitempty"`

	Interval    time.Duration `yaml:"interval,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Retries     int           `yaml:"retries,omitempty"`
	StartPeriod time.Duration `yaml:"start_period,omitempty"`
}

// PortSpec describes one published port of a container.
type PortSpec struct {
	Port       int    `yaml:"port"`
	TargetPort int    `yaml:"target_port,omitempty"`
	NodePort   int    `yaml:"node_port,omitempty"`
	Protocol   string `yaml:"protocol,omitempty"`
}

// VolumeMountSpec attaches a named volume into a container's filesystem.
type VolumeMountSpec struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mount_path"`
	ReadOnly  bool   `yaml:"read_only,omitempty"`
}

// VolumeSpec declares a named volume available for mounting by containers of this service.
type VolumeSpec struct {
	Driver string `yaml:"driver,omitempty"`
	Source string `yaml:"source,omitempty"`
}

// NetworkLimit caps ingress/egress throughput for a container, parsed to bits/sec.
type NetworkLimit struct {
	Ingress string `yaml:"ingress,omitempty"`
	Egress  string `yaml:"egress,omitempty"`
}

// ResourceThresholds are the scale-up trigger points evaluated by the autoscaler.
type ResourceThresholds struct {
	CPUPercentage         *float64 `yaml:"cpu_percentage,omitempty"`
	CPURelativePercentage *float64 `yaml:"cpu_relative_percentage,omitempty"`
	MemoryPercentage      *float64 `yaml:"memory_percentage,omitempty"`
}

// InstanceCount bounds the replica count of a service.
type InstanceCount struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// RollingUpdateConfig bounds a rollout's surge and unavailability.
type RollingUpdateConfig struct {
	MaxUnavailable int           `yaml:"max_unavailable"`
	MaxSurge       int           `yaml:"max_surge"`
	Timeout        time.Duration `yaml:"timeout"`
}

// CodelConfig configures the latency-pressure scale-up signal.
type CodelConfig struct {
	Target               time.Duration `yaml:"target"`
	ConsecutiveIntervals int           `yaml:"consecutive_intervals"`
	MaxScaleStep         int           `yaml:"max_scale_step"`
}

// ScalingPolicy configures cooldown, scale-down sensitivity, and the
// autoscaler's wake cadence and pod-metrics reduction strategy.
type ScalingPolicy struct {
	CooldownDuration             time.Duration      `yaml:"cooldown_duration"`
	ScaleDownThresholdPercentage float64            `yaml:"scale_down_threshold_percentage"`
	IntervalSeconds              int                `yaml:"interval_seconds,omitempty"`
	MetricsStrategy              PodMetricsStrategy `yaml:"metrics_strategy,omitempty"`
}

// PodMetricsStrategy describes how per-container metrics within a pod are
// reduced to a single pod-level signal.
type PodMetricsStrategy string

const (
	PodMetricsMaximum PodMetricsStrategy = "maximum"
	PodMetricsAverage PodMetricsStrategy = "average"
)

// ContainerStatus is the lifecycle state of a single container instance.
type ContainerStatus string

const (
	ContainerStatusRunning  ContainerStatus = "running"
	ContainerStatusAdopted  ContainerStatus = "adopted"
	ContainerStatusUpdating ContainerStatus = "updating"
	ContainerStatusFailed   ContainerStatus = "failed"
)

// InstanceMetadata describes one running pod: a set of co-located containers
// sharing a private pod network, addressed by an immutable UUID.
type InstanceMetadata struct {
	UUID       string
	PodNumber  uint8
	CreatedAt  time.Time
	Network    string
	Containers []ContainerMetadata
	ImageHash  map[string]string // container spec name -> digest
}

// ContainerMetadata describes one running container within a pod.
type ContainerMetadata struct {
	Name      string
	SpecName  string
	Network   string
	IPAddress string
	Ports     []PortSpec
	Status    ContainerStatus

	// CPULimitNanos mirrors the originating ContainerSpec's parsed cpu_limit
	// (nanocpus), carried here so the stats collector can compute cpu_relative
	// without needing the full ServiceConfig on every sampling tick. Zero means
	// no limit was configured.
	CPULimitNanos int64
}

// ContainerStats is one sample of a single container's resource usage.
type ContainerStats struct {
	ContainerName string
	CPUAbsolute   float64 // percent, normalised to [0,100]
	CPURelative   float64 // percent of configured cpu_limit, or equal to CPUAbsolute if unset
	MemoryUsage   uint64  // bytes
	MemoryLimit   uint64  // bytes, 0 if unset
	RxBytes       uint64  // cumulative
	TxBytes       uint64  // cumulative
	RxRate        float64 // bytes/sec
	TxRate        float64 // bytes/sec
	Timestamp     time.Time
}

// PodStats is the per-pod aggregate derived from its containers' ContainerStats
// via the service's declared PodMetricsStrategy.
type PodStats struct {
	PodUUID     string
	CPUAbsolute float64
	CPURelative float64
	MemoryUsage uint64
	MemoryLimit uint64
	Timestamp   time.Time
}

// StatsEntry records the last-sampled cumulative counters for a container, used
// to compute CPU and network rate deltas on the next sample.
type StatsEntry struct {
	CPUTotal   uint64
	SystemCPU  uint64
	RxBytes    uint64
	TxBytes    uint64
	SampledAt  time.Time
	HasSampled bool
}

// HealthState is the coarse health of a container as tracked by CONTAINER_HEALTH.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateUnhealthy HealthState = "unhealthy"
	HealthStateUnknown   HealthState = "unknown"
)

// HealthStatus is the current health record for a single container.
type HealthStatus struct {
	State  HealthState
	Reason string
	Since  time.Time
}

// Backend is one load-balancer target, "{pod_ip}:{container_port}".
type Backend string

// ScaleMessage is a coordination signal broadcast on the CONFIG_UPDATES bus
// between the config watcher/supervisor and a service's autoscaler/rolling updater.
type ScaleMessage string

const (
	ScaleMessageConfigUpdate          ScaleMessage = "config_update"
	ScaleMessageResume                ScaleMessage = "resume"
	ScaleMessageRollingUpdate         ScaleMessage = "rolling_update"
	ScaleMessageRollingUpdateComplete ScaleMessage = "rolling_update_complete"
)
