// Package fake implements an in-memory runtime.Adapter used by every other
// component's tests: the supervisor, autoscaler, rolling updater, and orphan
// adopter never need a real container engine to exercise their logic.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/podyard/pkg/naming"
	"github.com/cuemby/podyard/pkg/runtime"
	"github.com/cuemby/podyard/pkg/types"
)

type fakeContainer struct {
	name        string
	service     string
	ip          string
	ports       []types.PortSpec
	stats       runtime.RawStats
	volumePaths map[string]string
}

// Adapter is a thread-safe, in-memory runtime.Adapter. Fields prefixed
// "Fail" let tests force specific failure injection points.
type Adapter struct {
	mu sync.Mutex

	containers map[string]fakeContainer
	networks   map[string]bool
	digests    map[string]string
	nextIP     int

	FailContainerName string // if set, StartContainers fails once it would create this container
	FailPullImage     string // if set, GetImageDigest fails for this image reference
}

// New constructs an empty fake adapter.
func New() *Adapter {
	return &Adapter{
		containers: make(map[string]fakeContainer),
		networks:   make(map[string]bool),
		digests:    make(map[string]string),
		nextIP:     2,
	}
}

func (a *Adapter) allocIP() string {
	ip := fmt.Sprintf("10.244.0.%d", a.nextIP)
	a.nextIP++
	return ip
}

func (a *Adapter) ListContainers(ctx context.Context, service string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for name, c := range a.containers {
		if service == "" || c.service == service {
			out = append(out, name)
		}
	}
	return out, nil
}

func (a *Adapter) InspectContainer(ctx context.Context, name string) (runtime.ContainerSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.containers[name]
	if !ok {
		return runtime.ContainerSnapshot{}, fmt.Errorf("fake runtime: container %q not found", name)
	}
	return runtime.ContainerSnapshot{IPAddress: c.ip, Ports: c.ports, Stats: c.stats}, nil
}

// SetRawStats lets a test inject the raw cumulative counters InspectContainer
// reports for a container on its next call, simulating a runtime engine's
// next sampling window.
func (a *Adapter) SetRawStats(name string, raw runtime.RawStats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.containers[name]; ok {
		c.stats = raw
		a.containers[name] = c
	}
}

func (a *Adapter) startContainers(ctx context.Context, service string, podNumber uint8, podUUID string, specs []types.ContainerSpec, network string, volumePaths map[string]string) ([]runtime.StartedContainer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var started []runtime.StartedContainer
	for _, spec := range specs {
		name := naming.ContainerName(service, podNumber, spec.Name, podUUID)
		if name == a.FailContainerName {
			return started, fmt.Errorf("fake runtime: injected failure starting %q", name)
		}
		mounts := make(map[string]string, len(spec.VolumeMounts))
		for _, vm := range spec.VolumeMounts {
			hostPath, ok := volumePaths[vm.Name]
			if !ok {
				return started, fmt.Errorf("fake runtime: no attached host path for volume %q", vm.Name)
			}
			mounts[vm.Name] = hostPath
		}
		ip := a.allocIP()
		a.containers[name] = fakeContainer{name: name, service: service, ip: ip, ports: spec.Ports, volumePaths: mounts}
		started = append(started, runtime.StartedContainer{Name: name, IPAddress: ip, Ports: spec.Ports})
	}
	return started, nil
}

func (a *Adapter) StartContainers(ctx context.Context, service string, podNumber uint8, podUUID string, specs []types.ContainerSpec, network string, volumePaths map[string]string) ([]runtime.StartedContainer, error) {
	return a.startContainers(ctx, service, podNumber, podUUID, specs, network, volumePaths)
}

func (a *Adapter) AttemptStartContainers(ctx context.Context, service string, podNumber uint8, podUUID string, specs []types.ContainerSpec, network string, volumePaths map[string]string) ([]runtime.StartedContainer, error) {
	return a.startContainers(ctx, service, podNumber, podUUID, specs, network, volumePaths)
}

func (a *Adapter) StopContainer(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.containers, name)
	return nil
}

func (a *Adapter) CreatePodNetwork(ctx context.Context, service, uuid string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	network := naming.PodNetworkName(service, uuid)
	a.networks[network] = true
	return network, nil
}

func (a *Adapter) RemovePodNetwork(ctx context.Context, network, service string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.networks, network)
	return nil
}

func (a *Adapter) GetImageDigest(ctx context.Context, image string) (string, error) {
	if image == a.FailPullImage {
		return "", fmt.Errorf("fake runtime: injected failure pulling %q", image)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if d, ok := a.digests[image]; ok {
		return d, nil
	}
	d := fmt.Sprintf("sha256:%x", len(a.digests)+1)
	a.digests[image] = d
	return d, nil
}

// SetDigest lets a test force a specific image's resolved digest, so a
// subsequent call simulating a new push can change it and trip CheckImageUpdates.
func (a *Adapter) SetDigest(image, digest string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.digests[image] = digest
}

func (a *Adapter) CheckImageUpdates(ctx context.Context, service string, containers []types.ContainerSpec, currentHashes map[string]string) (map[string]bool, error) {
	changed := make(map[string]bool, len(containers))
	for _, c := range containers {
		digest, err := a.GetImageDigest(ctx, c.Image)
		if err != nil {
			return nil, err
		}
		changed[c.Name] = currentHashes[c.Name] != digest
	}
	return changed, nil
}

var _ runtime.Adapter = (*Adapter)(nil)
