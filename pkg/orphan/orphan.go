// Package orphan implements the startup-time reconciliation of pre-existing
// runtime containers against a service's manifest (C5): containers the
// control plane did not itself just start, left behind by a prior process
// crash or restart.
package orphan

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/podyard/pkg/log"
	"github.com/cuemby/podyard/pkg/metrics"
	"github.com/cuemby/podyard/pkg/naming"
	"github.com/cuemby/podyard/pkg/runtime"
	"github.com/cuemby/podyard/pkg/store"
	"github.com/cuemby/podyard/pkg/types"
)

// settleDelay separates stopping every discovered container from removing
// their pod networks, absorbing asynchronous cleanup in the container
// engine (e.g. a network's last veth pair tearing down only after its
// container's stop call returns).
const settleDelay = 500 * time.Millisecond

// Adopt runs once per service at startup. It lists runtime containers whose
// parsed name matches service, groups them by pod UUID, and either adopts
// complete pods into the instance store (adoptOrphans=true) or tears
// everything down (adoptOrphans=false, or an incomplete pod group even when
// adoptOrphans=true). containers is the manifest's declared container list,
// whose length is R (the number of containers per pod) and whose Image
// fields resolve a digest per adopted container.
func Adopt(ctx context.Context, adapter runtime.Adapter, instances *store.InstanceStore, service string, containers []types.ContainerSpec, adoptOrphans bool) error {
	logger := log.Service(service)

	names, err := adapter.ListContainers(ctx, service)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	imageBySpecName := make(map[string]string, len(containers))
	for _, c := range containers {
		imageBySpecName[c.Name] = c.Image
	}

	groups := groupByPod(names)

	var toCleanup [][]string
	for podUUID, containerNames := range groups {
		complete := len(containerNames) == len(containers)
		if adoptOrphans && complete {
			adoptPod(ctx, adapter, instances, service, podUUID, containerNames, imageBySpecName, logger)
			metrics.OrphanAdoptionsTotal.WithLabelValues(service, "adopted").Inc()
			continue
		}
		toCleanup = append(toCleanup, containerNames)
	}

	for _, containerNames := range toCleanup {
		stopAll(ctx, adapter, containerNames, logger)
		metrics.OrphanAdoptionsTotal.WithLabelValues(service, "cleaned_up").Inc()
	}
	if len(toCleanup) > 0 {
		select {
		case <-time.After(settleDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
		for _, containerNames := range toCleanup {
			removeNetwork(ctx, adapter, service, containerNames, logger)
		}
	}
	return nil
}

func groupByPod(names []string) map[string][]string {
	groups := make(map[string][]string)
	for _, name := range names {
		parsed, err := naming.ParseContainerName(name)
		if err != nil {
			continue
		}
		groups[parsed.UUID] = append(groups[parsed.UUID], name)
	}
	return groups
}

func adoptPod(ctx context.Context, adapter runtime.Adapter, instances *store.InstanceStore, service, podUUID string, containerNames []string, imageBySpecName map[string]string, logger zerolog.Logger) {
	var containerMetas []types.ContainerMetadata
	imageHash := make(map[string]string, len(containerNames))
	var podNumber uint8

	for _, name := range containerNames {
		parsed, err := naming.ParseContainerName(name)
		if err != nil {
			continue
		}
		podNumber = parsed.PodNumber

		snap, err := adapter.InspectContainer(ctx, name)
		if err != nil {
			logger.Warn().Str("container", name).Err(err).Msg("failed to inspect orphan container during adoption")
			continue
		}
		containerMetas = append(containerMetas, types.ContainerMetadata{
			Name:      name,
			SpecName:  parsed.Container,
			Network:   naming.PodNetworkName(service, podUUID),
			IPAddress: snap.IPAddress,
			Ports:     snap.Ports,
			Status:    types.ContainerStatusAdopted,
		})

		image := imageBySpecName[parsed.Container]
		if digest, err := adapter.GetImageDigest(ctx, image); err == nil && digest != "" {
			imageHash[parsed.Container] = digest
		}
	}

	instances.Upsert(service, types.InstanceMetadata{
		UUID:       podUUID,
		PodNumber:  podNumber,
		CreatedAt:  time.Now(),
		Network:    naming.PodNetworkName(service, podUUID),
		Containers: containerMetas,
		ImageHash:  imageHash,
	})
	logger.Info().Str("pod", podUUID).Int("containers", len(containerMetas)).Msg("adopted orphan pod")
}

func stopAll(ctx context.Context, adapter runtime.Adapter, containerNames []string, logger zerolog.Logger) {
	for _, name := range containerNames {
		if err := adapter.StopContainer(ctx, name); err != nil {
			logger.Warn().Str("container", name).Err(err).Msg("failed to stop orphan container")
		}
	}
}

func removeNetwork(ctx context.Context, adapter runtime.Adapter, service string, containerNames []string, logger zerolog.Logger) {
	if len(containerNames) == 0 {
		return
	}
	parsed, err := naming.ParseContainerName(containerNames[0])
	if err != nil {
		return
	}
	network := naming.PodNetworkName(service, parsed.UUID)
	if err := adapter.RemovePodNetwork(ctx, network, service); err != nil {
		logger.Warn().Str("network", network).Err(err).Msg("failed to remove orphan pod network")
	}
}
