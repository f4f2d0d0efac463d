package orphan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/podyard/pkg/runtime/fake"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

func specs() []types.ContainerSpec {
	return []types.ContainerSpec{
		{Name: "app", Image: "nginx:1.0"},
		{Name: "sidecar", Image: "envoy:1.0"},
	}
}

func TestAdoptCompletePodsWhenEnabled(t *testing.T) {
	ctx := context.Background()
	adapter := fake.New()
	instances := store.NewInstanceStore()

	_, err := adapter.StartContainers(ctx, "web", 0, "pod-a", specs(), "web__pod-a", nil)
	require.NoError(t, err)
	_, err = adapter.StartContainers(ctx, "web", 1, "pod-b", specs(), "web__pod-b", nil)
	require.NoError(t, err)

	require.NoError(t, Adopt(ctx, adapter, instances, "web", specs(), true))

	pods := instances.Pods("web")
	require.Len(t, pods, 2)
	for _, pod := range pods {
		require.Len(t, pod.Containers, 2)
		for _, c := range pod.Containers {
			assert.Equal(t, types.ContainerStatusAdopted, c.Status)
		}
		assert.Len(t, pod.ImageHash, 2)
	}

	remaining, err := adapter.ListContainers(ctx, "web")
	require.NoError(t, err)
	assert.Len(t, remaining, 4, "adopted containers must be left running")
}

func TestAdoptStopsIncompletePodsEvenWhenEnabled(t *testing.T) {
	ctx := context.Background()
	adapter := fake.New()
	instances := store.NewInstanceStore()

	_, err := adapter.StartContainers(ctx, "web", 0, "pod-a", specs()[:1], "web__pod-a", nil)
	require.NoError(t, err)

	require.NoError(t, Adopt(ctx, adapter, instances, "web", specs(), true))

	assert.Empty(t, instances.Pods("web"))
	remaining, err := adapter.ListContainers(ctx, "web")
	require.NoError(t, err)
	assert.Empty(t, remaining, "an incomplete pod group must be stopped, not adopted")
}

func TestAdoptDisabledStopsEverything(t *testing.T) {
	ctx := context.Background()
	adapter := fake.New()
	instances := store.NewInstanceStore()

	_, err := adapter.StartContainers(ctx, "web", 0, "pod-a", specs(), "web__pod-a", nil)
	require.NoError(t, err)

	require.NoError(t, Adopt(ctx, adapter, instances, "web", specs(), false))

	assert.Empty(t, instances.Pods("web"))
	remaining, err := adapter.ListContainers(ctx, "web")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestAdoptNoContainersIsNoop(t *testing.T) {
	ctx := context.Background()
	adapter := fake.New()
	instances := store.NewInstanceStore()

	require.NoError(t, Adopt(ctx, adapter, instances, "web", specs(), true))
	assert.Empty(t, instances.Pods("web"))
}
