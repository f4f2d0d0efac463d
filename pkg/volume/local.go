package volume

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/podyard/pkg/types"
)

// DefaultBasePath is where named volumes live when a manifest's VolumeSpec
// doesn't set Source explicitly.
const DefaultBasePath = "/var/lib/podyard/volumes"

// Driver resolves a service's named volumes into host paths, creating the
// backing directory on first attach.
type Driver struct {
	basePath string
}

// NewDriver constructs a Driver rooted at basePath. An empty basePath falls
// back to DefaultBasePath.
func NewDriver(basePath string) (*Driver, error) {
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("volume: failed to create base directory: %w", err)
	}
	return &Driver{basePath: basePath}, nil
}

// Attach ensures the host directory for one named volume exists and returns
// its path, ready to be bind-mounted into a container. spec.Source, if set,
// is used directly as the host path (an operator-managed bind mount); an
// empty Source gets a directory under the driver's base path, keyed by
// service and volume name so two services' same-named volumes never collide.
func (d *Driver) Attach(service, name string, spec types.VolumeSpec) (string, error) {
	if spec.Driver != "" && spec.Driver != "local" {
		return "", fmt.Errorf("volume: unsupported driver %q for volume %q, only \"local\" bind mounts are supported", spec.Driver, name)
	}

	path := spec.Source
	if path == "" {
		path = filepath.Join(d.basePath, service, name)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("volume: failed to create directory for volume %q: %w", name, err)
	}
	return path, nil
}

// Detach releases a volume's host path from active use. The local driver
// keeps the directory and its contents on disk; a named volume only
// disappears from the filesystem if an operator removes it directly.
func (d *Driver) Detach(service, name string) error {
	return nil
}

// ResolveAll attaches every volume a pod's containers reference, returning
// a map from volume name to host path suitable for runtime.Adapter's
// StartContainers/AttemptStartContainers volumePaths argument.
func (d *Driver) ResolveAll(service string, volumes map[string]types.VolumeSpec, containers []types.ContainerSpec) (map[string]string, error) {
	needed := make(map[string]struct{})
	for _, c := range containers {
		for _, vm := range c.VolumeMounts {
			needed[vm.Name] = struct{}{}
		}
	}

	paths := make(map[string]string, len(needed))
	for name := range needed {
		spec, ok := volumes[name]
		if !ok {
			return nil, fmt.Errorf("volume: container references undeclared volume %q", name)
		}
		path, err := d.Attach(service, name, spec)
		if err != nil {
			return nil, err
		}
		paths[name] = path
	}
	return paths, nil
}
