/*
Package types defines the core data structures used throughout the orchestrator's
control plane.

This package contains the fundamental types that represent the domain model: a
validated service manifest (ServiceConfig), a running pod (InstanceMetadata) and
its containers (ContainerMetadata), the resource samples collected for each
(ContainerStats, PodStats, StatsEntry), and the small set of coordination
messages (ScaleMessage) exchanged between the config watcher, the service
supervisor, the autoscaler, and the rolling updater.

# Core Types

Manifest:
  - ServiceConfig: the validated manifest for one service
  - ServiceSpec / ContainerSpec: the pod template and its containers
  - InstanceCount: replica bounds (min, max)
  - ScalingPolicy / CodelConfig / RollingUpdateConfig: autoscaling and rollout tuning

Running state:
  - InstanceMetadata: one running pod, identified by an immutable UUID
  - ContainerMetadata: one running container within a pod
  - Backend: one load-balancer target string

Metrics:
  - ContainerStats / PodStats: sampled and aggregated resource usage
  - StatsEntry: the last cumulative sample, used to compute rates

Coordination:
  - ScaleMessage: ConfigUpdate/Resume/RollingUpdate/RollingUpdateComplete

# Thread Safety

Values of these types are plain data; they carry no synchronization of their
own. Concurrent access is the responsibility of the stores in package store,
which copy values out under lock rather than sharing mutable pointers across
goroutines.
*/
package types
