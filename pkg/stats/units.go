package stats

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	bytesPerKi = 1 << 10
	bytesPerMi = 1 << 20
	bytesPerGi = 1 << 30

	nanoCPU = 1_000_000_000

	bpsPerKbps = 1_000
	bpsPerMbps = 1_000_000
	bpsPerGbps = 1_000_000_000
)

// memory unit suffixes, longest first so "Ki" is tried before "K".
var memorySuffixes = []struct {
	suffix     string
	multiplier float64
}{
	{"Ki", bytesPerKi},
	{"Mi", bytesPerMi},
	{"Gi", bytesPerGi},
	{"K", bytesPerKi},
	{"M", bytesPerMi},
	{"G", bytesPerGi},
}

// ParseMemoryLimit parses a memory limit string into bytes. K|Ki|M|Mi|G|Gi all
// use the binary multiplier (1024-based); a bare number is interpreted as GiB.
func ParseMemoryLimit(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty memory limit")
	}

	for _, u := range memorySuffixes {
		if strings.HasSuffix(raw, u.suffix) {
			numPart := strings.TrimSuffix(raw, u.suffix)
			value, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid memory limit %q: %w", raw, err)
			}
			if value < 0 {
				return 0, fmt.Errorf("invalid memory limit %q: negative value", raw)
			}
			return uint64(value * u.multiplier), nil
		}
	}

	// Bare number: interpreted as GiB.
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", raw, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid memory limit %q: negative value", raw)
	}
	return uint64(value * bytesPerGi), nil
}

// ParseCPULimit parses a CPU limit expressed in cores (e.g. "0.5", "2") into
// nanocpus (cores * 1e9).
func ParseCPULimit(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty cpu limit")
	}
	cores, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu limit %q: %w", raw, err)
	}
	if cores < 0 {
		return 0, fmt.Errorf("invalid cpu limit %q: negative value", raw)
	}
	return int64(cores*nanoCPU + 0.5), nil
}

// ParseNetworkRate parses a network rate string (Kbps|Mbps|Gbps, decimal
// multipliers) into its base unit. A bare number is returned unchanged.
func ParseNetworkRate(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("empty network rate")
	}

	switch {
	case strings.HasSuffix(raw, "Kbps"):
		return parseRateNumber(raw, "Kbps", bpsPerKbps)
	case strings.HasSuffix(raw, "Mbps"):
		return parseRateNumber(raw, "Mbps", bpsPerMbps)
	case strings.HasSuffix(raw, "Gbps"):
		return parseRateNumber(raw, "Gbps", bpsPerGbps)
	}

	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid network rate %q: %w", raw, err)
	}
	return value, nil
}

func parseRateNumber(raw, suffix string, multiplier float64) (float64, error) {
	numPart := strings.TrimSuffix(raw, suffix)
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid network rate %q: %w", raw, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("invalid network rate %q: negative value", raw)
	}
	return value * multiplier, nil
}
