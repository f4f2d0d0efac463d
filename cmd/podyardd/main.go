package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/orchestrator"
	"github.com/cuemby/podyard/pkg/runtime"
	"github.com/cuemby/podyard/pkg/runtime/containerd"
	"github.com/cuemby/podyard/pkg/runtime/fake"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "podyardd",
	Short: "podyardd is a single-node container orchestration control plane",
	Long: `podyardd watches a directory of service manifests and reconciles
running pods against them: starting, scaling, rolling-updating, and
tearing down services as their manifests change.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("podyardd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.Flags().String("watch-dir", "", "directory of service manifests to watch (required)")
	rootCmd.Flags().String("runtime", "fake", "container runtime adapter: containerd or fake")
	rootCmd.Flags().String("containerd-socket", "/run/containerd/containerd.sock", "containerd socket path, used when --runtime=containerd")
	rootCmd.Flags().String("proxy-bind-addr", "", "informational; passed through to whatever external proxy reads the server backends")
	rootCmd.Flags().String("volumes-dir", "", "base directory for local volumes that don't declare an explicit source (default volume.DefaultBasePath)")
	rootCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().Bool("log-json", false, "output logs in JSON format")
	rootCmd.MarkFlagRequired("watch-dir")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.Flags().GetString("log-level")
	jsonOutput, _ := rootCmd.Flags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(level),
		JSONOutput: jsonOutput,
	})
}

func run(cmd *cobra.Command, args []string) error {
	watchDir, _ := cmd.Flags().GetString("watch-dir")
	runtimeName, _ := cmd.Flags().GetString("runtime")
	containerdSocket, _ := cmd.Flags().GetString("containerd-socket")
	proxyBindAddr, _ := cmd.Flags().GetString("proxy-bind-addr")
	volumesDir, _ := cmd.Flags().GetString("volumes-dir")

	adapter, err := buildAdapter(runtimeName, containerdSocket)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		WatchDir:       watchDir,
		Adapter:        adapter,
		VolumeBasePath: volumesDir,
	})
	if err != nil {
		return fmt.Errorf("failed to construct orchestrator: %w", err)
	}

	logger := log.Component("main")
	logger.Info().
		Str("watch_dir", watchDir).
		Str("runtime", runtimeName).
		Str("proxy_bind_addr", proxyBindAddr).
		Msg("podyardd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := orch.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("orchestrator exited: %w", err)
	}

	logger.Info().Msg("podyardd stopped")
	return nil
}

func buildAdapter(name, containerdSocket string) (runtime.Adapter, error) {
	switch name {
	case "fake":
		return fake.New(), nil
	case "containerd":
		return containerd.New(containerdSocket)
	default:
		return nil, fmt.Errorf("unknown --runtime %q: must be \"containerd\" or \"fake\"", name)
	}
}
