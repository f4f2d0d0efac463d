// Package orchestrator wires the control plane's components into one running
// process: the stores, the runtime adapter, the coordination bus, the
// service supervisor, the stats collector, and the config watcher. It
// replaces the teacher's reconciler-and-FSM wiring with the simple
// construct-in-order sequence this spec's component graph calls for.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/podyard/pkg/autoscaler"
	"github.com/cuemby/podyard/pkg/coordinator"
	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/rollout"
	"github.com/cuemby/podyard/pkg/runtime"
	"github.com/cuemby/podyard/pkg/stats"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/supervisor"
	"github.com/cuemby/podyard/pkg/types"
	"github.com/cuemby/podyard/pkg/volume"
	"github.com/cuemby/podyard/pkg/watcher"
)

// statsCollectionInterval is how often the stats collector samples every
// running container.
const statsCollectionInterval = 5 * time.Second

// Config holds everything Orchestrator needs to start.
type Config struct {
	WatchDir string
	Adapter  runtime.Adapter

	// VolumeBasePath is where named volumes without an explicit source are
	// created. Empty uses volume.DefaultBasePath.
	VolumeBasePath string
}

// Orchestrator owns the running set of control-plane components and their
// lifecycle. One Orchestrator is constructed per running podyardd process.
type Orchestrator struct {
	Stores    *store.Stores
	Bus       *coordinator.Bus
	Adapter   runtime.Adapter
	Collector *stats.Collector
	Watcher   *watcher.Watcher
	watchDir  string
}

// New constructs every component and wires them together, but starts
// nothing: call Run to begin serving.
//
// The autoscaler and rolling updater each need to call back into the
// supervisor (ScaleTo, ReplacePod) while the supervisor needs to spawn their
// Run loops, an apparent import cycle. It's broken the same way the teacher
// resolves its FSM<->Raft wiring in NewManager: the supervisor is
// constructed first against closures over not-yet-initialized pointers, and
// those pointers are assigned immediately after the autoscaler/updater are
// constructed, before anything ever invokes the closures.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.WatchDir == "" {
		return nil, fmt.Errorf("orchestrator: WatchDir is required")
	}
	if cfg.Adapter == nil {
		return nil, fmt.Errorf("orchestrator: Adapter is required")
	}

	stores := store.New()
	bus := coordinator.New()

	volumes, err := volume.NewDriver(cfg.VolumeBasePath)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	var auto *autoscaler.Autoscaler
	var roll *rollout.Updater

	sup := supervisor.New(stores, cfg.Adapter, bus, volumes,
		func(ctx context.Context, service string) { auto.Run(ctx, service) },
		func(ctx context.Context, service string) { roll.Run(ctx, service) },
	)

	auto = autoscaler.New(stores.Config, stores.Instances, stores.Stats, stores.Codel, bus, sup)
	roll = rollout.New(stores.Config, stores.Instances, cfg.Adapter, bus, sup)

	w, err := watcher.New(cfg.WatchDir, stores.Config, sup)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}

	collector := stats.NewCollector(stores.Stats, cfg.Adapter, statsCollectionInterval)

	return &Orchestrator{
		Stores:    stores,
		Bus:       bus,
		Adapter:   cfg.Adapter,
		Collector: collector,
		Watcher:   w,
		watchDir:  cfg.WatchDir,
	}, nil
}

// Run starts the config watcher and the stats collector, blocking until ctx
// is cancelled. The watcher drives every service's Start/Update/Stop calls
// (which in turn spawn each service's autoscaler and rolling-updater tasks).
// Run returns when the watcher does; it does not wait for the collector or
// the per-service goroutines, which exit on their own once ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	go o.Collector.Run(ctx, o.podSet)

	logger := log.Component("orchestrator")
	logger.Info().Str("watch_dir", o.watchDir).Msg("starting config watcher")
	return o.Watcher.Run(ctx)
}

// podSet builds the stats collector's view of every running pod from the
// current CONFIG_STORE/INSTANCE_STORE contents, re-evaluated on every tick.
func (o *Orchestrator) podSet() stats.PodSet {
	out := make(stats.PodSet)
	for _, service := range o.Stores.Instances.Services() {
		strategy := types.PodMetricsMaximum
		if _, entry, ok := o.Stores.Config.FindByServiceName(service); ok {
			if sp := entry.Config.ScalingPolicy; sp != nil && sp.MetricsStrategy != "" {
				strategy = sp.MetricsStrategy
			}
		}
		out[service] = stats.ServicePods{
			Pods:     o.Stores.Instances.Pods(service),
			Strategy: strategy,
		}
	}
	return out
}
