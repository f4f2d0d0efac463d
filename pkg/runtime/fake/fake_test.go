package fake

import (
	"context"
	"testing"

	"github.com/cuemby/podyard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndInspectContainer(t *testing.T) {
	a := New()
	ctx := context.Background()

	started, err := a.StartContainers(ctx, "web", 0, "uuid-1", []types.ContainerSpec{
		{Name: "app", Image: "nginx:latest"},
	}, "web__uuid-1", nil)
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "web__0__app__uuid-1", started[0].Name)

	snap, err := a.InspectContainer(ctx, started[0].Name)
	require.NoError(t, err)
	assert.Equal(t, started[0].IPAddress, snap.IPAddress)
}

func TestStartContainersInjectedFailureReturnsPartial(t *testing.T) {
	a := New()
	a.FailContainerName = "web__0__sidecar__uuid-1"
	ctx := context.Background()

	started, err := a.StartContainers(ctx, "web", 0, "uuid-1", []types.ContainerSpec{
		{Name: "app"},
		{Name: "sidecar"},
	}, "web__uuid-1", nil)
	assert.Error(t, err)
	require.Len(t, started, 1, "the container started before the failure must still be reported")
	assert.Equal(t, "web__0__app__uuid-1", started[0].Name)
}

func TestStopContainerRemovesIt(t *testing.T) {
	a := New()
	ctx := context.Background()
	started, _ := a.StartContainers(ctx, "web", 0, "uuid-1", []types.ContainerSpec{{Name: "app"}}, "net", nil)

	require.NoError(t, a.StopContainer(ctx, started[0].Name))
	_, err := a.InspectContainer(ctx, started[0].Name)
	assert.Error(t, err)
}

func TestPodNetworkLifecycle(t *testing.T) {
	a := New()
	ctx := context.Background()

	network, err := a.CreatePodNetwork(ctx, "web", "uuid-1")
	require.NoError(t, err)
	assert.Equal(t, "web__uuid-1", network)

	assert.NoError(t, a.RemovePodNetwork(ctx, network, "web"))
}

func TestCheckImageUpdatesDetectsChange(t *testing.T) {
	a := New()
	ctx := context.Background()
	spec := types.ContainerSpec{Name: "app", Image: "nginx:latest"}

	digest, err := a.GetImageDigest(ctx, spec.Image)
	require.NoError(t, err)

	changed, err := a.CheckImageUpdates(ctx, "web", []types.ContainerSpec{spec}, map[string]string{"app": digest})
	require.NoError(t, err)
	assert.False(t, changed["app"])

	a.SetDigest(spec.Image, "sha256:newdigest")
	changed, err = a.CheckImageUpdates(ctx, "web", []types.ContainerSpec{spec}, map[string]string{"app": digest})
	require.NoError(t, err)
	assert.True(t, changed["app"])
}

func TestGetImageDigestInjectedFailure(t *testing.T) {
	a := New()
	a.FailPullImage = "broken:latest"
	_, err := a.GetImageDigest(context.Background(), "broken:latest")
	assert.Error(t, err)
}
