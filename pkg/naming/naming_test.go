package naming

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerNameRoundTrip(t *testing.T) {
	name := ContainerName("web", 3, "app", "uuid-1234")
	assert.Equal(t, "web__3__app__uuid-1234", name)

	parsed, err := ParseContainerName(name)
	assert.NoError(t, err)
	assert.Equal(t, ParsedContainerName{Service: "web", PodNumber: 3, Container: "app", UUID: "uuid-1234"}, parsed)
}

func TestParseContainerNameRejectsWrongSegmentCount(t *testing.T) {
	tests := []string{
		"web__3__app",
		"web__3__app__uuid__extra",
		"",
		"noseparators",
	}
	for _, raw := range tests {
		_, err := ParseContainerName(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseContainerNameRejectsNonNumericPodNumber(t *testing.T) {
	_, err := ParseContainerName("web__x__app__uuid")
	assert.Error(t, err)
}

func TestPodNetworkNameRoundTrip(t *testing.T) {
	name := PodNetworkName("web", "uuid-1234")
	assert.Equal(t, "web__uuid-1234", name)

	service, uuid, err := ParsePodNetworkName(name)
	assert.NoError(t, err)
	assert.Equal(t, "web", service)
	assert.Equal(t, "uuid-1234", uuid)
}

func TestBackendKey(t *testing.T) {
	assert.Equal(t, "web_8080", BackendKey("web", 8080))
}
