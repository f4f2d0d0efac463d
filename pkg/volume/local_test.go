package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/podyard/pkg/types"
)

func TestNewDriverCreatesBaseDirectory(t *testing.T) {
	tmpDir := filepath.Join(t.TempDir(), "volumes")

	driver, err := NewDriver(tmpDir)
	require.NoError(t, err)
	require.NotNil(t, driver)

	_, err = os.Stat(tmpDir)
	assert.NoError(t, err)
}

func TestNewDriverDefaultsBasePath(t *testing.T) {
	driver, err := NewDriver("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBasePath, driver.basePath)
}

func TestAttachCreatesVolumeDirectoryUnderServiceNamespace(t *testing.T) {
	tmpDir := t.TempDir()
	driver, err := NewDriver(tmpDir)
	require.NoError(t, err)

	path, err := driver.Attach("web", "cache-data", types.VolumeSpec{Driver: "local"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmpDir, "web", "cache-data"), path)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestAttachHonorsExplicitSource(t *testing.T) {
	tmpDir := t.TempDir()
	driver, err := NewDriver(tmpDir)
	require.NoError(t, err)

	source := filepath.Join(t.TempDir(), "operator-managed")
	path, err := driver.Attach("web", "cache-data", types.VolumeSpec{Source: source})
	require.NoError(t, err)
	assert.Equal(t, source, path)

	_, statErr := os.Stat(path)
	assert.NoError(t, statErr)
}

func TestAttachRejectsUnsupportedDriver(t *testing.T) {
	tmpDir := t.TempDir()
	driver, err := NewDriver(tmpDir)
	require.NoError(t, err)

	_, err = driver.Attach("web", "cache-data", types.VolumeSpec{Driver: "nfs"})
	assert.Error(t, err)
}

func TestDetachPreservesVolumeContents(t *testing.T) {
	tmpDir := t.TempDir()
	driver, err := NewDriver(tmpDir)
	require.NoError(t, err)

	path, err := driver.Attach("web", "cache-data", types.VolumeSpec{})
	require.NoError(t, err)

	testFile := filepath.Join(path, "data.txt")
	require.NoError(t, os.WriteFile(testFile, []byte("hello"), 0644))

	require.NoError(t, driver.Detach("web", "cache-data"))

	_, statErr := os.Stat(testFile)
	assert.NoError(t, statErr, "detach must not delete volume contents")
}

func TestResolveAllResolvesOnlyReferencedVolumes(t *testing.T) {
	tmpDir := t.TempDir()
	driver, err := NewDriver(tmpDir)
	require.NoError(t, err)

	volumes := map[string]types.VolumeSpec{
		"cache-data": {},
		"unused":     {},
	}
	containers := []types.ContainerSpec{
		{Name: "app", VolumeMounts: []types.VolumeMountSpec{{Name: "cache-data", MountPath: "/data"}}},
	}

	paths, err := driver.ResolveAll("web", volumes, containers)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	assert.Equal(t, filepath.Join(tmpDir, "web", "cache-data"), paths["cache-data"])
}

func TestResolveAllRejectsUndeclaredVolume(t *testing.T) {
	tmpDir := t.TempDir()
	driver, err := NewDriver(tmpDir)
	require.NoError(t, err)

	containers := []types.ContainerSpec{
		{Name: "app", VolumeMounts: []types.VolumeMountSpec{{Name: "missing", MountPath: "/data"}}},
	}

	_, err = driver.ResolveAll("web", nil, containers)
	assert.Error(t, err)
}
