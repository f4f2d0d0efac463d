// Package containerd implements runtime.Adapter against a real containerd
// daemon. It is the only package in this module that imports the containerd
// client directly; everything else depends on the runtime.Adapter interface.
package containerd

import (
	"bufio"
	"context"
	"fmt"
	gonet "net"
	"os"
	"os/exec"
	stdruntime "runtime"
	"strconv"
	"strings"
	"syscall"

	cgroupstats "github.com/containerd/cgroups/stats/v1"
	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/typeurl/v2"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/naming"
	"github.com/cuemby/podyard/pkg/orcherr"
	podyardruntime "github.com/cuemby/podyard/pkg/runtime"
	"github.com/cuemby/podyard/pkg/stats"
	"github.com/cuemby/podyard/pkg/types"
)

const namespace = "podyard"

const defaultSocketPath = "/run/containerd/containerd.sock"

// Adapter drives a containerd daemon over its native client, scoped to a
// single namespace so it never sees containers started by anything else on
// the host.
type Adapter struct {
	client *containerd.Client
}

// New dials containerd at socketPath, defaulting to the well-known system socket.
func New(socketPath string) (*Adapter, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, orcherr.New(orcherr.Fatal, "", "", fmt.Errorf("containerd: connect to %s: %w", socketPath, err))
	}
	return &Adapter{client: client}, nil
}

func (a *Adapter) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, namespace)
}

func (a *Adapter) ListContainers(ctx context.Context, service string) ([]string, error) {
	ctx = a.ctx(ctx)
	containers, err := a.client.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("containerd: list containers: %w", err)
	}
	var out []string
	for _, c := range containers {
		if service == "" {
			out = append(out, c.ID())
			continue
		}
		parsed, err := naming.ParseContainerName(c.ID())
		if err == nil && parsed.Service == service {
			out = append(out, c.ID())
		}
	}
	return out, nil
}

// InspectContainer reports the container's IP and latest resource sample.
// Ports is left empty: this adapter does not record a container's
// published ports.
func (a *Adapter) InspectContainer(ctx context.Context, name string) (podyardruntime.ContainerSnapshot, error) {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return podyardruntime.ContainerSnapshot{}, fmt.Errorf("containerd: load container %s: %w", name, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return podyardruntime.ContainerSnapshot{}, fmt.Errorf("containerd: load task %s: %w", name, err)
	}
	ip, err := containerIP(ctx, task.Pid())
	if err != nil {
		log.Container("", name).Warn().Err(err).Msg("could not determine container ip")
	}

	metrics, err := task.Metrics(ctx)
	if err != nil {
		log.Container("", name).Warn().Err(err).Msg("could not read task metrics")
		return podyardruntime.ContainerSnapshot{IPAddress: ip}, nil
	}
	raw, err := decodeCgroupMetrics(metrics.Data)
	if err != nil {
		log.Container("", name).Warn().Err(err).Msg("could not decode task metrics")
		return podyardruntime.ContainerSnapshot{IPAddress: ip}, nil
	}
	return podyardruntime.ContainerSnapshot{IPAddress: ip, Stats: raw}, nil
}

func (a *Adapter) startOne(ctx context.Context, service string, podNumber uint8, podUUID string, spec types.ContainerSpec, network string, volumePaths map[string]string) (podyardruntime.StartedContainer, error) {
	name := naming.ContainerName(service, podNumber, spec.Name, podUUID)
	logger := log.Container(service, name)

	image, err := a.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	if err != nil {
		return podyardruntime.StartedContainer{}, fmt.Errorf("containerd: pull %s: %w", spec.Image, err)
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
	}
	if spec.Command != nil {
		specOpts = append(specOpts, oci.WithProcessArgs(spec.Command...))
	}
	for _, vm := range spec.VolumeMounts {
		hostPath, ok := volumePaths[vm.Name]
		if !ok {
			return podyardruntime.StartedContainer{}, fmt.Errorf("containerd: no attached host path for volume %q", vm.Name)
		}
		options := []string{"rbind"}
		if vm.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		specOpts = append(specOpts, oci.WithMounts([]specs.Mount{{
			Destination: vm.MountPath,
			Type:        "bind",
			Source:      hostPath,
			Options:     options,
		}}))
	}
	if spec.MemoryLimit != "" {
		limit, err := stats.ParseMemoryLimit(spec.MemoryLimit)
		if err != nil {
			return podyardruntime.StartedContainer{}, orcherr.New(orcherr.Validation, service, name, err)
		}
		specOpts = append(specOpts, oci.WithMemoryLimit(limit))
	}
	if spec.CPULimit != "" {
		nanocpus, err := stats.ParseCPULimit(spec.CPULimit)
		if err != nil {
			return podyardruntime.StartedContainer{}, orcherr.New(orcherr.Validation, service, name, err)
		}
		period := uint64(100000)
		quota := nanocpus * int64(period) / 1_000_000_000
		specOpts = append(specOpts, oci.WithCPUCFS(quota, period))
	}

	container, err := a.client.NewContainer(
		ctx, name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	)
	if err != nil {
		return podyardruntime.StartedContainer{}, fmt.Errorf("containerd: create container %s: %w", name, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return podyardruntime.StartedContainer{}, fmt.Errorf("containerd: create task %s: %w", name, err)
	}
	if err := task.Start(ctx); err != nil {
		return podyardruntime.StartedContainer{}, fmt.Errorf("containerd: start task %s: %w", name, err)
	}

	ip, err := containerIP(ctx, task.Pid())
	if err != nil {
		logger.Warn().Err(err).Msg("could not determine container ip after start")
	}

	return podyardruntime.StartedContainer{Name: name, IPAddress: ip, Ports: spec.Ports}, nil
}

func (a *Adapter) StartContainers(ctx context.Context, service string, podNumber uint8, podUUID string, containerSpecs []types.ContainerSpec, network string, volumePaths map[string]string) ([]podyardruntime.StartedContainer, error) {
	ctx = a.ctx(ctx)
	var started []podyardruntime.StartedContainer
	for _, spec := range containerSpecs {
		sc, err := a.startOne(ctx, service, podNumber, podUUID, spec, network, volumePaths)
		if err != nil {
			return started, err
		}
		started = append(started, sc)
	}
	return started, nil
}

// AttemptStartContainers is identical to StartContainers; the distinction is
// purely in how callers treat a partial result, not in how this adapter
// starts containers.
func (a *Adapter) AttemptStartContainers(ctx context.Context, service string, podNumber uint8, podUUID string, containerSpecs []types.ContainerSpec, network string, volumePaths map[string]string) ([]podyardruntime.StartedContainer, error) {
	return a.StartContainers(ctx, service, podNumber, podUUID, containerSpecs, network, volumePaths)
}

func (a *Adapter) StopContainer(ctx context.Context, name string) error {
	ctx = a.ctx(ctx)
	c, err := a.client.LoadContainer(ctx, name)
	if err != nil {
		return fmt.Errorf("containerd: load container %s: %w", name, err)
	}
	task, err := c.Task(ctx, nil)
	if err != nil {
		return fmt.Errorf("containerd: load task %s: %w", name, err)
	}

	exitCh, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("containerd: wait on task %s: %w", name, err)
	}
	if err := task.Kill(ctx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("containerd: sigterm task %s: %w", name, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, podyardruntime.StopTimeout)
	defer cancel()
	select {
	case <-exitCh:
	case <-waitCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("containerd: sigkill task %s: %w", name, err)
		}
		<-exitCh
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("containerd: delete task %s: %w", name, err)
	}
	if err := c.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("containerd: delete container %s: %w", name, err)
	}
	return nil
}

// CreatePodNetwork returns the pod network name only: this adapter creates
// no network or network namespace for it, StartContainers does not use it,
// and RemovePodNetwork has nothing to remove.
func (a *Adapter) CreatePodNetwork(ctx context.Context, service, uuid string) (string, error) {
	return naming.PodNetworkName(service, uuid), nil
}

func (a *Adapter) RemovePodNetwork(ctx context.Context, network, service string) error {
	return nil
}

func (a *Adapter) GetImageDigest(ctx context.Context, image string) (string, error) {
	ctx = a.ctx(ctx)
	img, err := a.client.Pull(ctx, image, containerd.WithPullUnpack)
	if err != nil {
		return "", fmt.Errorf("containerd: resolve digest for %s: %w", image, err)
	}
	return img.Target().Digest.String(), nil
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

// containerIP discovers a container's pod-network IP by entering its network
// namespace via the host's nsenter and reading eth0's address, the same
// technique a plain `docker inspect` shortcuts around with its own network
// database; containerd keeps no equivalent, so we ask the kernel directly.
func containerIP(ctx context.Context, pid uint32) (string, error) {
	cmd := exec.CommandContext(ctx, "nsenter", "-t", strconv.Itoa(int(pid)), "-n", "ip", "-4", "addr", "show", "eth0")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("nsenter ip addr: %w", err)
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "inet ") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		ip, _, err := gonet.ParseCIDR(fields[1])
		if err != nil {
			return "", fmt.Errorf("parse inet line %q: %w", line, err)
		}
		return ip.String(), nil
	}
	return "", fmt.Errorf("no inet address found for eth0 in pid %d", pid)
}

// decodeCgroupMetrics unpacks the typeurl.Any payload a cgroup v1 task
// returns from Metrics into the raw cumulative counters the stats collector
// needs. Per-CPU usage length doubles as the online CPU count, matching how
// the cgroup v1 accounting controller reports it.
func decodeCgroupMetrics(any typeurl.Any) (podyardruntime.RawStats, error) {
	v, err := typeurl.UnmarshalAny(any)
	if err != nil {
		return podyardruntime.RawStats{}, fmt.Errorf("unmarshal task metrics: %w", err)
	}
	m, ok := v.(*cgroupstats.Metrics)
	if !ok {
		return podyardruntime.RawStats{}, fmt.Errorf("unexpected task metrics type %T", v)
	}

	raw := podyardruntime.RawStats{OnlineCPUs: stdruntime.NumCPU()}
	if m.CPU != nil && m.CPU.Usage != nil {
		raw.CPUTotal = m.CPU.Usage.Total
		if n := len(m.CPU.Usage.PerCPU); n > 0 {
			raw.OnlineCPUs = n
		}
	}
	if sys, err := readSystemCPUUsage(); err == nil {
		raw.SystemCPU = sys
	}
	if m.Memory != nil && m.Memory.Usage != nil {
		raw.MemoryUsage = m.Memory.Usage.Usage
		raw.MemoryLimit = m.Memory.Usage.Limit
	}
	for _, n := range m.Network {
		raw.RxBytes += n.RxBytes
		raw.TxBytes += n.TxBytes
	}
	return raw, nil
}

// readSystemCPUUsage sums /proc/stat's aggregate "cpu" line across all
// states and converts from USER_HZ ticks to nanoseconds, the same base unit
// cgroup v1 reports CPU.Usage.Total in. This is how dockerd derives its
// system_cpu_usage figure for the identical percentage formula.
func readSystemCPUUsage() (uint64, error) {
	const userHZ = 100
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "cpu" {
			continue
		}
		var total uint64
		for _, f := range fields[1:] {
			v, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse /proc/stat cpu field %q: %w", f, err)
			}
			total += v
		}
		return total * (1_000_000_000 / userHZ), nil
	}
	return 0, fmt.Errorf("no aggregate cpu line found in /proc/stat")
}

var _ podyardruntime.Adapter = (*Adapter)(nil)
