package rollout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/podyard/pkg/coordinator"
	"github.com/cuemby/podyard/pkg/runtime/fake"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

// fakeReplacer simulates Supervisor.ReplacePod: it records which pods it was
// asked to replace and, unless told to fail for a given UUID, swaps the pod
// in the instance store for one carrying the adapter's latest digest.
type fakeReplacer struct {
	mu        sync.Mutex
	instances *store.InstanceStore
	adapter   *fake.Adapter
	image     string
	calls     []string
	failUUID  string
	delay     time.Duration
}

func (f *fakeReplacer) ReplacePod(ctx context.Context, service, oldPodUUID string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, oldPodUUID)
	fail := oldPodUUID == f.failUUID
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return "", errors.New("injected replacement failure")
	}

	old, _ := f.instances.Get(service, oldPodUUID)
	digest, err := f.adapter.GetImageDigest(ctx, f.image)
	if err != nil {
		return "", err
	}
	newUUID := oldPodUUID + "-v2"
	f.instances.Remove(service, oldPodUUID)
	f.instances.Upsert(service, types.InstanceMetadata{
		UUID:       newUUID,
		PodNumber:  old.PodNumber,
		Containers: old.Containers,
		ImageHash:  map[string]string{"app": digest},
	})
	return newUUID, nil
}

func (f *fakeReplacer) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func ptrDuration(d time.Duration) *time.Duration { return &d }

func putConfig(t *testing.T, cfg *store.ConfigStore, sc types.ServiceConfig) {
	t.Helper()
	cfg.Upsert("/manifests/"+sc.Name+".yaml", store.ConfigEntry{AbsolutePath: "/manifests/" + sc.Name + ".yaml", Config: sc})
}

func baseConfig(name string, surge int) types.ServiceConfig {
	return types.ServiceConfig{
		Name:               name,
		Spec:               types.ServiceSpec{Containers: []types.ContainerSpec{{Name: "app", Image: "app:v1"}}},
		ImageCheckInterval: ptrDuration(20 * time.Millisecond),
		RollingUpdateConfig: &types.RollingUpdateConfig{
			MaxUnavailable: 1,
			MaxSurge:       surge,
			Timeout:        2 * time.Second,
		},
	}
}

func seedPod(instances *store.InstanceStore, service, uuid, digest string) {
	instances.Upsert(service, types.InstanceMetadata{
		UUID:       uuid,
		Containers: []types.ContainerMetadata{{Name: "c-" + uuid, SpecName: "app"}},
		ImageHash:  map[string]string{"app": digest},
	})
}

func waitForCalls(t *testing.T, r *fakeReplacer, n int) []string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, "rollout did not replace the expected pods in time")
	return nil
}

func TestRollOutReplacesStalePodsOnImageChange(t *testing.T) {
	cfgStore := store.NewConfigStore()
	instances := store.NewInstanceStore()
	adapter := fake.New()
	bus := coordinator.New()
	defer bus.Close()

	sub := bus.Subscribe("web")
	replacer := &fakeReplacer{instances: instances, adapter: adapter, image: "app:v1"}
	u := New(cfgStore, instances, adapter, bus, replacer)

	adapter.SetDigest("app:v1", "digest-1")
	putConfig(t, cfgStore, baseConfig("web", 2))
	seedPod(instances, "web", "pod-1", "digest-1")
	seedPod(instances, "web", "pod-2", "digest-1")
	seedPod(instances, "web", "pod-3", "digest-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx, "web")

	time.Sleep(60 * time.Millisecond)
	assert.Empty(t, replacer.snapshot(), "no rollout should start before the image actually changes")

	adapter.SetDigest("app:v1", "digest-2")
	calls := waitForCalls(t, replacer, 3)
	assert.ElementsMatch(t, []string{"pod-1", "pod-2", "pod-3"}, calls)

	assert.Equal(t, types.ScaleMessageRollingUpdate, <-sub)
	assert.Equal(t, types.ScaleMessageRollingUpdateComplete, <-sub)
}

func TestRollOutAbortsWhenReplacementFails(t *testing.T) {
	cfgStore := store.NewConfigStore()
	instances := store.NewInstanceStore()
	adapter := fake.New()
	bus := coordinator.New()
	defer bus.Close()

	sub := bus.Subscribe("web")
	replacer := &fakeReplacer{instances: instances, adapter: adapter, image: "app:v1", failUUID: "pod-1"}
	u := New(cfgStore, instances, adapter, bus, replacer)

	adapter.SetDigest("app:v1", "digest-1")
	putConfig(t, cfgStore, baseConfig("web", 1))
	seedPod(instances, "web", "pod-1", "digest-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx, "web")

	time.Sleep(60 * time.Millisecond)
	adapter.SetDigest("app:v1", "digest-2")
	waitForCalls(t, replacer, 1)

	assert.Equal(t, types.ScaleMessageRollingUpdate, <-sub)
	assert.Equal(t, types.ScaleMessageRollingUpdateComplete, <-sub)

	pod, ok := instances.Get("web", "pod-1")
	require.True(t, ok, "the old pod must still be running after an aborted replacement")
	assert.Equal(t, "digest-1", pod.ImageHash["app"])
}

func TestRollOutTimesOutWithPartialFailureReported(t *testing.T) {
	cfgStore := store.NewConfigStore()
	instances := store.NewInstanceStore()
	adapter := fake.New()
	bus := coordinator.New()
	defer bus.Close()

	sub := bus.Subscribe("web")
	replacer := &fakeReplacer{instances: instances, adapter: adapter, image: "app:v1", delay: 40 * time.Millisecond}
	u := New(cfgStore, instances, adapter, bus, replacer)

	cfg := baseConfig("web", 1) // surge 1: pods are replaced one at a time
	cfg.RollingUpdateConfig.Timeout = 50 * time.Millisecond
	adapter.SetDigest("app:v1", "digest-1")
	putConfig(t, cfgStore, cfg)
	seedPod(instances, "web", "pod-1", "digest-1")
	seedPod(instances, "web", "pod-2", "digest-1")
	seedPod(instances, "web", "pod-3", "digest-1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go u.Run(ctx, "web")

	time.Sleep(60 * time.Millisecond)
	adapter.SetDigest("app:v1", "digest-2")

	assert.Equal(t, types.ScaleMessageRollingUpdate, <-sub)
	assert.Equal(t, types.ScaleMessageRollingUpdateComplete, <-sub)

	// Each replacement takes 40ms and the timeout is 50ms. The deadline is
	// checked before each replacement: the first two start at ~0ms and
	// ~40ms, the third would start at ~80ms and is skipped, leaving at
	// least one pod still on the old digest.
	remaining := 0
	for _, uuid := range []string{"pod-1", "pod-2", "pod-3"} {
		if pod, ok := instances.Get("web", uuid); ok && pod.ImageHash["app"] == "digest-1" {
			remaining++
		}
	}
	assert.Greater(t, remaining, 0, "a timed-out rollout must leave at least one pod unreplaced")
}
