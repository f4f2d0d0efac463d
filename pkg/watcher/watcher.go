// Package watcher implements the config watcher (C6): it watches a directory
// of service manifests for changes using fsnotify, debounces the raw
// filesystem events per path, and drives a Supervisor through the
// start/update/stop transitions those changes imply.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/manifest"
	"github.com/cuemby/podyard/pkg/metrics"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

// debounceWindow is the per-path quiet period before a burst of filesystem
// events resolves to a single handled change.
const debounceWindow = 100 * time.Millisecond

// Supervisor is the subset of the service supervisor (C7) the watcher drives.
// Defined here, not in package supervisor, so this package's tests can run
// against a fake without importing the real supervisor (and its runtime
// adapter dependency) at all.
type Supervisor interface {
	Start(ctx context.Context, cfg types.ServiceConfig) error
	Update(ctx context.Context, cfg types.ServiceConfig) error
	Stop(ctx context.Context, service string) error
}

// Watcher watches dir recursively for manifest changes.
type Watcher struct {
	dir        string
	config     *store.ConfigStore
	supervisor Supervisor
	logger     zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	lastOp map[string]fsnotify.Op
	fsw    *fsnotify.Watcher
}

// New constructs a Watcher over dir. It does not start watching until Run is
// called.
func New(dir string, config *store.ConfigStore, supervisor Supervisor) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		dir:        dir,
		config:     config,
		supervisor: supervisor,
		logger:     log.Component("watcher"),
		timers:     make(map[string]*time.Timer),
		lastOp:     make(map[string]fsnotify.Op),
		fsw:        fsw,
	}, nil
}

// Run adds dir (and every existing subdirectory) to the watch set, performs
// an initial load of every manifest already present, then blocks handling
// events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := w.addRecursive(w.dir); err != nil {
		return err
	}
	defer w.fsw.Close()

	if err := w.initialLoad(ctx); err != nil {
		w.logger.Error().Err(err).Msg("initial manifest load failed")
	}

	for {
		select {
		case <-ctx.Done():
			w.drainTimers()
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleRawEvent(ctx, ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// initialLoad parses every manifest already on disk at startup, so a restart
// picks up changes made while the process was down without waiting on a
// filesystem event that will never arrive.
func (w *Watcher) initialLoad(ctx context.Context) error {
	return filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isManifestPath(path) {
			return err
		}
		w.loadPath(ctx, path)
		return nil
	})
}

func isManifestPath(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yml" || ext == ".yaml"
}

// handleRawEvent filters and debounces one raw fsnotify event, scheduling
// (or rescheduling) a per-path timer that fires the most recently observed
// op for that path once debounceWindow has elapsed quietly.
func (w *Watcher) handleRawEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(ev.Name); err != nil {
				w.logger.Warn().Str("path", ev.Name).Err(err).Msg("failed to watch new subdirectory")
			}
			return
		}
	}

	if !isManifestPath(ev.Name) {
		return
	}

	w.mu.Lock()
	w.lastOp[ev.Name] = ev.Op
	if t, ok := w.timers[ev.Name]; ok {
		t.Stop()
	}
	w.timers[ev.Name] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		op := w.lastOp[ev.Name]
		delete(w.timers, ev.Name)
		delete(w.lastOp, ev.Name)
		w.mu.Unlock()
		w.handleDebounced(ctx, ev.Name, op)
	})
	w.mu.Unlock()
}

func (w *Watcher) drainTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

// handleDebounced applies the state machine for one settled path, then runs
// the sweep step that recovers from any Remove event this watcher missed.
func (w *Watcher) handleDebounced(ctx context.Context, path string, op fsnotify.Op) {
	switch {
	case op&(fsnotify.Create|fsnotify.Write) != 0:
		if _, err := os.Stat(path); err == nil {
			w.loadPath(ctx, path)
		} else {
			w.handleRemove(ctx, path)
		}
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.handleRemove(ctx, path)
	}
	w.sweep(ctx)
}

func (w *Watcher) loadPath(ctx context.Context, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn().Str("path", path).Err(err).Msg("failed to read manifest")
		return
	}

	cfg, err := manifest.Parse(raw)
	if err != nil {
		w.logger.Warn().Str("path", path).Err(err).Msg("manifest rejected")
		return
	}

	others := w.otherConfigsSnapshot(path)
	if err := manifest.CheckNodePortConflicts(cfg, others); err != nil {
		w.logger.Warn().Str("path", path).Err(err).Msg("manifest rejected: node_port conflict")
		return
	}

	previous, existed := w.config.Get(path)
	if existed && previous.Config.Name != cfg.Name {
		// The file at this path now describes a different service: the old
		// one has effectively been deleted.
		if err := w.supervisor.Stop(ctx, previous.Config.Name); err != nil {
			w.logger.Error().Str("service", previous.Config.Name).Err(err).Msg("failed to stop superseded service")
		}
		existed = false
	}

	w.config.Upsert(path, store.ConfigEntry{AbsolutePath: path, Config: cfg})

	var err2 error
	if existed {
		err2 = w.supervisor.Update(ctx, cfg)
	} else {
		err2 = w.supervisor.Start(ctx, cfg)
	}
	if err2 != nil {
		w.logger.Error().Str("service", cfg.Name).Err(err2).Msg("supervisor failed to apply manifest")
	}
}

func (w *Watcher) handleRemove(ctx context.Context, path string) {
	entry, ok := w.config.Get(path)
	if !ok {
		return
	}
	if err := w.supervisor.Stop(ctx, entry.Config.Name); err != nil {
		w.logger.Error().Str("service", entry.Config.Name).Err(err).Msg("failed to stop removed service")
	}
	w.config.Remove(path)
}

// sweep evicts any CONFIG_STORE entry whose backing file no longer exists or
// no longer has a YAML extension, recovering from any Remove event this
// watcher's fsnotify subscription missed (e.g. the directory itself was
// moved, or events were dropped under load).
func (w *Watcher) sweep(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConfigWatcherSweepDuration)

	for path, entry := range w.config.Snapshot() {
		if _, err := os.Stat(path); err == nil && isManifestPath(path) {
			continue
		}
		if err := w.supervisor.Stop(ctx, entry.Config.Name); err != nil {
			w.logger.Error().Str("service", entry.Config.Name).Err(err).Msg("failed to stop swept service")
		}
		w.config.Remove(path)
	}
}

func (w *Watcher) otherConfigsSnapshot(excludePath string) map[string]types.ServiceConfig {
	snap := w.config.Snapshot()
	out := make(map[string]types.ServiceConfig, len(snap))
	for path, entry := range snap {
		if path == excludePath {
			continue
		}
		out[entry.Config.Name] = entry.Config
	}
	return out
}
