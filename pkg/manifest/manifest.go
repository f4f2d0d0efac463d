// Package manifest parses and validates service manifest YAML into a
// validated types.ServiceConfig, rejecting malformed input with distinct
// orcherr.Validation errors instead of crashing the watcher that calls it.
package manifest

import (
	"bytes"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/podyard/pkg/orcherr"
	"github.com/cuemby/podyard/pkg/stats"
	"github.com/cuemby/podyard/pkg/types"
)

const maxNameLength = 210

var dnsSafeName = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Parse decodes raw manifest YAML and validates everything that can be
// checked from the manifest alone: name shape, container/port uniqueness
// within the service, instance bounds, and unit strings. Unknown YAML keys
// are rejected rather than silently ignored.
func Parse(raw []byte) (types.ServiceConfig, error) {
	var cfg types.ServiceConfig

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return types.ServiceConfig{}, orcherr.New(orcherr.Validation, cfg.Name, "", fmt.Errorf("decode manifest: %w", err))
	}

	if err := validateName(cfg.Name); err != nil {
		return types.ServiceConfig{}, orcherr.New(orcherr.Validation, cfg.Name, "", err)
	}
	if err := validateContainers(cfg); err != nil {
		return types.ServiceConfig{}, orcherr.New(orcherr.Validation, cfg.Name, "", err)
	}
	if err := validateInstanceCount(cfg.Instances); err != nil {
		return types.ServiceConfig{}, orcherr.New(orcherr.Validation, cfg.Name, "", err)
	}
	if err := validateUnits(cfg); err != nil {
		return types.ServiceConfig{}, orcherr.New(orcherr.Validation, cfg.Name, "", err)
	}
	if err := validateVolumes(cfg); err != nil {
		return types.ServiceConfig{}, orcherr.New(orcherr.Validation, cfg.Name, "", err)
	}

	return cfg, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("service name must not be empty")
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("service name %q exceeds %d characters", name, maxNameLength)
	}
	if !dnsSafeName.MatchString(name) {
		return fmt.Errorf("service name %q is not DNS-safe", name)
	}
	return nil
}

func validateContainers(cfg types.ServiceConfig) error {
	if len(cfg.Spec.Containers) == 0 {
		return fmt.Errorf("service %q declares no containers", cfg.Name)
	}

	seenNames := make(map[string]bool, len(cfg.Spec.Containers))
	seenPorts := make(map[int]bool)
	for _, c := range cfg.Spec.Containers {
		if c.Name == "" {
			return fmt.Errorf("service %q has a container with no name", cfg.Name)
		}
		if seenNames[c.Name] {
			return fmt.Errorf("service %q declares container %q more than once", cfg.Name, c.Name)
		}
		seenNames[c.Name] = true

		for _, p := range c.Ports {
			if p.NodePort == 0 {
				continue
			}
			if seenPorts[p.NodePort] {
				return fmt.Errorf("service %q declares node_port %d more than once", cfg.Name, p.NodePort)
			}
			seenPorts[p.NodePort] = true
		}

		if err := validateHealthCheck(c.HealthCheck); err != nil {
			return fmt.Errorf("container %q health_check: %w", c.Name, err)
		}
	}
	return nil
}

func validateHealthCheck(hc *types.HealthCheckSpec) error {
	if hc == nil {
		return nil
	}
	switch hc.Type {
	case "http":
		if hc.Port == 0 {
			return fmt.Errorf("type %q requires a port", hc.Type)
		}
	case "tcp":
		if hc.Port == 0 && hc.TCPPort == 0 {
			return fmt.Errorf("type %q requires a port or tcp_port", hc.Type)
		}
	default:
		return fmt.Errorf("unknown type %q: must be \"http\" or \"tcp\"", hc.Type)
	}
	if hc.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	return nil
}

func validateInstanceCount(ic types.InstanceCount) error {
	if ic.Min < 0 {
		return fmt.Errorf("instance_count.min must not be negative")
	}
	if ic.Max > 255 {
		return fmt.Errorf("instance_count.max must not exceed 255")
	}
	if ic.Min > ic.Max {
		return fmt.Errorf("instance_count.min (%d) exceeds instance_count.max (%d)", ic.Min, ic.Max)
	}
	return nil
}

func validateUnits(cfg types.ServiceConfig) error {
	for _, c := range cfg.Spec.Containers {
		if c.MemoryLimit != "" {
			if _, err := stats.ParseMemoryLimit(c.MemoryLimit); err != nil {
				return fmt.Errorf("container %q: %w", c.Name, err)
			}
		}
		if c.CPULimit != "" {
			if _, err := stats.ParseCPULimit(c.CPULimit); err != nil {
				return fmt.Errorf("container %q: %w", c.Name, err)
			}
		}
		if c.NetworkLimit != nil {
			if c.NetworkLimit.Ingress != "" {
				if _, err := stats.ParseNetworkRate(c.NetworkLimit.Ingress); err != nil {
					return fmt.Errorf("container %q network_limit.ingress: %w", c.Name, err)
				}
			}
			if c.NetworkLimit.Egress != "" {
				if _, err := stats.ParseNetworkRate(c.NetworkLimit.Egress); err != nil {
					return fmt.Errorf("container %q network_limit.egress: %w", c.Name, err)
				}
			}
		}
	}
	return nil
}

func validateVolumes(cfg types.ServiceConfig) error {
	for _, c := range cfg.Spec.Containers {
		seenMounts := make(map[string]bool, len(c.VolumeMounts))
		for _, vm := range c.VolumeMounts {
			if vm.MountPath == "" {
				return fmt.Errorf("container %q: volume %q has no mount_path", c.Name, vm.Name)
			}
			if seenMounts[vm.MountPath] {
				return fmt.Errorf("container %q: mount_path %q used more than once", c.Name, vm.MountPath)
			}
			seenMounts[vm.MountPath] = true
			if _, ok := cfg.Volumes[vm.Name]; !ok {
				return fmt.Errorf("container %q: volume_mounts references undeclared volume %q", c.Name, vm.Name)
			}
		}
	}
	for name, spec := range cfg.Volumes {
		if spec.Driver != "" && spec.Driver != "local" {
			return fmt.Errorf("volume %q: unsupported driver %q, only \"local\" is supported", name, spec.Driver)
		}
	}
	return nil
}

// CheckNodePortConflicts reports whether cfg claims any node_port already
// claimed by a different service in others. others should be a snapshot of
// every other currently loaded service, keyed by service name; cfg's own
// prior revision (same name) is exempt.
func CheckNodePortConflicts(cfg types.ServiceConfig, others map[string]types.ServiceConfig) error {
	claimed := make(map[int]string)
	for name, other := range others {
		if name == cfg.Name {
			continue
		}
		for _, c := range other.Spec.Containers {
			for _, p := range c.Ports {
				if p.NodePort != 0 {
					claimed[p.NodePort] = name
				}
			}
		}
	}

	for _, c := range cfg.Spec.Containers {
		for _, p := range c.Ports {
			if p.NodePort == 0 {
				continue
			}
			if owner, ok := claimed[p.NodePort]; ok {
				return orcherr.New(orcherr.Validation, cfg.Name, "", fmt.Errorf("node_port %d already claimed by service %q", p.NodePort, owner))
			}
		}
	}
	return nil
}
