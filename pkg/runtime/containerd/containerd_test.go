package containerd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadSystemCPUUsageParsesProcStat(t *testing.T) {
	// /proc/stat is host-dependent, so this only asserts the call doesn't
	// error and returns a plausibly nonzero figure on any Linux CI host.
	usage, err := readSystemCPUUsage()
	if err != nil {
		t.Skipf("no /proc/stat on this host: %v", err)
	}
	assert.Greater(t, usage, uint64(0))
}
