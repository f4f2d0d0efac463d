package runtime

import (
	"context"
	"time"

	"github.com/cuemby/podyard/pkg/types"
)

// StartedContainer is what Adapter.StartContainers/AttemptStartContainers
// return for each container they managed to bring up.
type StartedContainer struct {
	Name      string
	IPAddress string
	Ports     []types.PortSpec
}

// RawStats is the cumulative-counter reading an Adapter takes directly from
// the container engine for one container. The stats collector, not the
// adapter, is responsible for turning these cumulative counters into the
// rate/percentage values in types.ContainerStats.
type RawStats struct {
	CPUTotal    uint64 // cumulative CPU time consumed, engine-defined units
	SystemCPU   uint64 // cumulative host CPU time, same units as CPUTotal
	OnlineCPUs  int
	MemoryUsage uint64 // bytes
	MemoryLimit uint64 // bytes, 0 if unset
	RxBytes     uint64 // cumulative
	TxBytes     uint64 // cumulative
}

// ContainerSnapshot is what Adapter.InspectContainer returns.
type ContainerSnapshot struct {
	IPAddress string
	Ports     []types.PortSpec
	Stats     RawStats
}

// Adapter is the narrow-contract boundary to the container engine. Every
// method is failable; callers distinguish transient from permanent failure
// only through the returned error's identity (see package orcherr), never by
// inspecting adapter-internal state.
type Adapter interface {
	// ListContainers lists runtime containers, optionally filtered to those
	// whose parsed name matches service. An empty service lists everything in
	// this adapter's namespace.
	ListContainers(ctx context.Context, service string) ([]string, error)

	// InspectContainer returns a container's current IP, published ports, and
	// latest resource sample.
	InspectContainer(ctx context.Context, name string) (ContainerSnapshot, error)

	// StartContainers brings up every container of one pod. All-or-nothing:
	// if any container fails to start, the caller must treat this as a
	// PartialPod failure and rely on the returned slice to know what to clean
	// up (implementations must still return the containers they did manage to
	// start, alongside the error). volumePaths maps a named volume (as
	// referenced by a container's VolumeMountSpec.Name) to the host path the
	// caller has already attached it at; a container with no VolumeMounts
	// ignores it.
	StartContainers(ctx context.Context, service string, podNumber uint8, podUUID string, specs []types.ContainerSpec, network string, volumePaths map[string]string) ([]StartedContainer, error)

	// AttemptStartContainers is identical to StartContainers but callers
	// (only the rolling updater) treat a partial result as acceptable input to
	// their own rollback logic rather than an automatic PartialPod failure.
	AttemptStartContainers(ctx context.Context, service string, podNumber uint8, podUUID string, specs []types.ContainerSpec, network string, volumePaths map[string]string) ([]StartedContainer, error)

	// StopContainer stops and removes a single container by its runtime name.
	StopContainer(ctx context.Context, name string) error

	// CreatePodNetwork creates the private network for one pod and returns its
	// generated name, "{service}__{uuid}".
	CreatePodNetwork(ctx context.Context, service, uuid string) (string, error)

	// RemovePodNetwork removes a previously created pod network.
	RemovePodNetwork(ctx context.Context, network, service string) error

	// GetImageDigest resolves an image reference to an opaque, comparable digest.
	GetImageDigest(ctx context.Context, image string) (string, error)

	// CheckImageUpdates compares image digests for each container spec against
	// the currently recorded digests, reporting which ones changed.
	CheckImageUpdates(ctx context.Context, service string, containers []types.ContainerSpec, currentHashes map[string]string) (map[string]bool, error)
}

// StopTimeout is the grace period StopContainer implementations should honor
// between a graceful stop signal and a forced kill.
const StopTimeout = 10 * time.Second
