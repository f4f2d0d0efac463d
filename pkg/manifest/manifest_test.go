package manifest

import (
	"testing"

	"github.com/cuemby/podyard/pkg/orcherr"
	"github.com/cuemby/podyard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidManifest(t *testing.T) {
	raw := []byte(`
name: web
instance_count:
  min: 2
  max: 5
spec:
  containers:
    - name: app
      image: nginx:latest
      ports:
        - port: 80
          node_port: 8080
      memory_limit: "512Mi"
      cpu_limit: "0.5"
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.Name)
	assert.Equal(t, 2, cfg.Instances.Min)
	assert.Equal(t, 5, cfg.Instances.Max)
	assert.Len(t, cfg.Spec.Containers, 1)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	raw := []byte(`
name: web
spec:
  containers:
    - name: app
      image: nginx:latest
not_a_real_field: true
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsInvalidNames(t *testing.T) {
	tests := []string{"", "Has_Upper_And_Underscore", "-leading-dash", "trailing-dash-"}
	for _, name := range tests {
		raw := []byte("name: \"" + name + "\"\nspec:\n  containers:\n    - name: app\n      image: nginx\n")
		_, err := Parse(raw)
		assert.Error(t, err, name)
		kind, ok := orcherr.KindOf(err)
		assert.True(t, ok)
		assert.Equal(t, orcherr.Validation, kind)
	}
}

func TestParseRejectsNoContainers(t *testing.T) {
	raw := []byte("name: web\nspec:\n  containers: []\n")
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsDuplicateContainerNames(t *testing.T) {
	raw := []byte(`
name: web
spec:
  containers:
    - name: app
      image: nginx
    - name: app
      image: redis
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsDuplicateNodePortWithinService(t *testing.T) {
	raw := []byte(`
name: web
spec:
  containers:
    - name: app
      image: nginx
      ports:
        - port: 80
          node_port: 8080
    - name: sidecar
      image: redis
      ports:
        - port: 81
          node_port: 8080
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsMinGreaterThanMax(t *testing.T) {
	raw := []byte(`
name: web
instance_count:
  min: 5
  max: 2
spec:
  containers:
    - name: app
      image: nginx
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsMalformedUnits(t *testing.T) {
	raw := []byte(`
name: web
spec:
  containers:
    - name: app
      image: nginx
      memory_limit: "not-a-size"
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseAcceptsValidHealthCheck(t *testing.T) {
	raw := []byte(`
name: web
spec:
  containers:
    - name: app
      image: nginx
      health_check:
        type: http
        path: /healthz
        port: 8080
        retries: 3
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.NotNil(t, cfg.Spec.Containers[0].HealthCheck)
	assert.Equal(t, "http", cfg.Spec.Containers[0].HealthCheck.Type)
}

func TestParseRejectsMalformedHealthCheck(t *testing.T) {
	tests := []string{
		"type: grpc\n        port: 8080",
		"type: http",
		"type: tcp",
	}
	for _, hc := range tests {
		raw := []byte("name: web\nspec:\n  containers:\n    - name: app\n      image: nginx\n      health_check:\n        " + hc + "\n")
		_, err := Parse(raw)
		assert.Error(t, err, hc)
	}
}

func TestParseAcceptsValidVolumeMount(t *testing.T) {
	raw := []byte(`
name: web
volumes:
  cache-data:
    driver: local
spec:
  containers:
    - name: app
      image: nginx
      volume_mounts:
        - name: cache-data
          mount_path: /data
`)
	cfg, err := Parse(raw)
	require.NoError(t, err)
	require.Len(t, cfg.Spec.Containers[0].VolumeMounts, 1)
	assert.Equal(t, "cache-data", cfg.Spec.Containers[0].VolumeMounts[0].Name)
}

func TestParseRejectsUndeclaredVolumeReference(t *testing.T) {
	raw := []byte(`
name: web
spec:
  containers:
    - name: app
      image: nginx
      volume_mounts:
        - name: cache-data
          mount_path: /data
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsDuplicateMountPath(t *testing.T) {
	raw := []byte(`
name: web
volumes:
  a:
    driver: local
  b:
    driver: local
spec:
  containers:
    - name: app
      image: nginx
      volume_mounts:
        - name: a
          mount_path: /data
        - name: b
          mount_path: /data
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestParseRejectsUnsupportedVolumeDriver(t *testing.T) {
	raw := []byte(`
name: web
volumes:
  cache-data:
    driver: nfs
spec:
  containers:
    - name: app
      image: nginx
`)
	_, err := Parse(raw)
	assert.Error(t, err)
}

func TestCheckNodePortConflictsDetectsCrossServiceClaim(t *testing.T) {
	web := types.ServiceConfig{
		Name: "web",
		Spec: types.ServiceSpec{Containers: []types.ContainerSpec{
			{Name: "app", Ports: []types.PortSpec{{Port: 80, NodePort: 8080}}},
		}},
	}
	others := map[string]types.ServiceConfig{
		"api": {
			Name: "api",
			Spec: types.ServiceSpec{Containers: []types.ContainerSpec{
				{Name: "app", Ports: []types.PortSpec{{Port: 80, NodePort: 8080}}},
			}},
		},
	}
	err := CheckNodePortConflicts(web, others)
	assert.Error(t, err)
}

func TestCheckNodePortConflictsIgnoresOwnPriorRevision(t *testing.T) {
	web := types.ServiceConfig{
		Name: "web",
		Spec: types.ServiceSpec{Containers: []types.ContainerSpec{
			{Name: "app", Ports: []types.PortSpec{{Port: 80, NodePort: 8080}}},
		}},
	}
	others := map[string]types.ServiceConfig{"web": web}
	assert.NoError(t, CheckNodePortConflicts(web, others))
}
