package coordinator

import (
	"testing"
	"time"

	"github.com/cuemby/podyard/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscriberOnly(t *testing.T) {
	b := New()
	defer b.Close()

	web := b.Subscribe("web")
	api := b.Subscribe("api")

	b.Publish("web", types.ScaleMessageConfigUpdate)

	select {
	case msg := <-web:
		assert.Equal(t, types.ScaleMessageConfigUpdate, msg)
	case <-time.After(time.Second):
		t.Fatal("expected message on web's subscription")
	}

	select {
	case <-api:
		t.Fatal("api should not have received web's message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishPreservesOrderPerService(t *testing.T) {
	b := New()
	defer b.Close()

	sub := b.Subscribe("web")
	b.Publish("web", types.ScaleMessageConfigUpdate)
	b.Publish("web", types.ScaleMessageResume)

	first := requireRecv(t, sub)
	second := requireRecv(t, sub)
	assert.Equal(t, types.ScaleMessageConfigUpdate, first)
	assert.Equal(t, types.ScaleMessageResume, second)
}

func TestUnsubscribeStopsFurtherDeliveryWithoutPanic(t *testing.T) {
	b := New()
	defer b.Close()

	b.Subscribe("web")
	b.Unsubscribe("web")

	assert.NotPanics(t, func() {
		b.Publish("web", types.ScaleMessageConfigUpdate)
		time.Sleep(10 * time.Millisecond)
	})
}

func requireRecv(t *testing.T, sub Subscription) types.ScaleMessage {
	t.Helper()
	select {
	case msg := <-sub:
		return msg
	case <-time.After(time.Second):
		require.Fail(t, "timed out waiting for message")
		return ""
	}
}
