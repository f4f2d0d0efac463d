// Package naming builds and parses the two generated identifiers the rest of
// the control plane treats as opaque strings: a container's runtime name and
// a pod's network name.
package naming

import (
	"fmt"
	"strconv"
	"strings"
)

const sep = "__"

// ContainerName builds a runtime container name of the form
// "{service}__{pod_number}__{container}__{uuid}".
func ContainerName(service string, podNumber uint8, container, uuid string) string {
	return strings.Join([]string{service, strconv.Itoa(int(podNumber)), container, uuid}, sep)
}

// ParsedContainerName is the decomposition of a runtime container name.
type ParsedContainerName struct {
	Service   string
	PodNumber uint8
	Container string
	UUID      string
}

// ParseContainerName reverses ContainerName. It requires exactly four
// "__"-separated segments; anything else is rejected rather than guessed at.
func ParseContainerName(name string) (ParsedContainerName, error) {
	parts := strings.Split(name, sep)
	if len(parts) != 4 {
		return ParsedContainerName{}, fmt.Errorf("naming: %q does not have 4 %q-separated segments", name, sep)
	}
	n, err := strconv.ParseUint(parts[1], 10, 8)
	if err != nil {
		return ParsedContainerName{}, fmt.Errorf("naming: %q has non-numeric pod number: %w", name, err)
	}
	return ParsedContainerName{
		Service:   parts[0],
		PodNumber: uint8(n),
		Container: parts[2],
		UUID:      parts[3],
	}, nil
}

// PodNetworkName builds a pod network name of the form "{service}__{uuid}".
func PodNetworkName(service, uuid string) string {
	return strings.Join([]string{service, uuid}, sep)
}

// ParsePodNetworkName reverses PodNetworkName, requiring exactly two segments.
func ParsePodNetworkName(name string) (service, uuid string, err error) {
	parts := strings.Split(name, sep)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("naming: %q does not have 2 %q-separated segments", name, sep)
	}
	return parts[0], parts[1], nil
}

// BackendKey builds a load-balancer backend-set key of the form
// "{service_name}_{node_port}".
func BackendKey(service string, nodePort int) string {
	return fmt.Sprintf("%s_%d", service, nodePort)
}
