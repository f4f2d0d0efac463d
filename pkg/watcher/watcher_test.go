package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	started []string
	updated []string
	stopped []string
}

func (f *fakeSupervisor) Start(ctx context.Context, cfg types.ServiceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cfg.Name)
	return nil
}

func (f *fakeSupervisor) Update(ctx context.Context, cfg types.ServiceConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, cfg.Name)
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, service string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, service)
	return nil
}

func (f *fakeSupervisor) snapshot() (started, updated, stopped []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.started...), append([]string{}, f.updated...), append([]string{}, f.stopped...)
}

const validManifest = `
name: web
spec:
  containers:
    - name: app
      image: nginx:latest
instance_count:
  min: 1
  max: 1
`

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.True(t, cond(), "condition did not become true within %s", timeout)
}

func TestWatcherStartsOnCreate(t *testing.T) {
	dir := t.TempDir()
	cfg := store.NewConfigStore()
	sup := &fakeSupervisor{}

	w, err := New(dir, cfg, sup)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "web.yaml"), []byte(validManifest), 0o644))

	eventually(t, 2*time.Second, func() bool {
		started, _, _ := sup.snapshot()
		return len(started) == 1 && started[0] == "web"
	})
}

func TestWatcherUpdatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifest), 0o644))

	cfg := store.NewConfigStore()
	sup := &fakeSupervisor{}
	w, err := New(dir, cfg, sup)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	eventually(t, 2*time.Second, func() bool {
		started, _, _ := sup.snapshot()
		return len(started) == 1
	})

	updatedManifest := validManifest + "adopt_orphans: true\n"
	require.NoError(t, os.WriteFile(path, []byte(updatedManifest), 0o644))

	eventually(t, 2*time.Second, func() bool {
		_, updated, _ := sup.snapshot()
		return len(updated) == 1 && updated[0] == "web"
	})
}

func TestWatcherStopsOnRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "web.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifest), 0o644))

	cfg := store.NewConfigStore()
	sup := &fakeSupervisor{}
	w, err := New(dir, cfg, sup)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	eventually(t, 2*time.Second, func() bool {
		started, _, _ := sup.snapshot()
		return len(started) == 1
	})

	require.NoError(t, os.Remove(path))

	eventually(t, 2*time.Second, func() bool {
		_, _, stopped := sup.snapshot()
		return len(stopped) == 1 && stopped[0] == "web"
	})
}

func TestWatcherRejectsInvalidManifestWithoutCallingSupervisor(t *testing.T) {
	dir := t.TempDir()
	cfg := store.NewConfigStore()
	sup := &fakeSupervisor{}

	w, err := New(dir, cfg, sup)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: Not_DNS_Safe\n"), 0o644))

	time.Sleep(300 * time.Millisecond)
	started, updated, stopped := sup.snapshot()
	assert.Empty(t, started)
	assert.Empty(t, updated)
	assert.Empty(t, stopped)
}
