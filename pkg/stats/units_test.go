package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    uint64
		wantErr bool
	}{
		{name: "gibibytes binary suffix", raw: "1Gi", want: 1073741824},
		{name: "gigabytes treated as binary", raw: "1G", want: 1073741824},
		{name: "bare number is GiB", raw: "1", want: 1073741824},
		{name: "mebibytes", raw: "512Mi", want: 512 * 1024 * 1024},
		{name: "kibibytes", raw: "4Ki", want: 4096},
		{name: "fractional gigabytes", raw: "0.5Gi", want: 536870912},
		{name: "empty string rejected", raw: "", wantErr: true},
		{name: "garbage rejected", raw: "not-a-number", wantErr: true},
		{name: "negative rejected", raw: "-1Gi", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMemoryLimit(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCPULimit(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want int64
	}{
		{name: "half a core", raw: "0.5", want: 500_000_000},
		{name: "two cores", raw: "2", want: 2_000_000_000},
		{name: "whitespace tolerated", raw: " 1 ", want: 1_000_000_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCPULimit(tt.raw)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("rejects negative", func(t *testing.T) {
		_, err := ParseCPULimit("-0.5")
		assert.Error(t, err)
	})
}

func TestParseNetworkRate(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want float64
	}{
		{name: "megabits", raw: "10Mbps", want: 10_000_000},
		{name: "kilobits", raw: "5Kbps", want: 5_000},
		{name: "gigabits", raw: "1Gbps", want: 1_000_000_000},
		{name: "bare number passthrough", raw: "42", want: 42},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNetworkRate(tt.raw)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
