package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/progress"
)

func TestPublishFansOut(t *testing.T) {
	b := NewBroadcaster()
	a := b.Subscribe()
	c := b.Subscribe()
	defer b.Unsubscribe(a)
	defer b.Unsubscribe(c)

	b.Publish(Event{Type: EventDelivered, DeliveryID: "d1"})

	for _, ch := range []chan Event{a, c} {
		e := <-ch
		assert.Equal(t, "d1", e.DeliveryID)
		assert.NotZero(t, e.Timestamp)
	}
}

func TestPublishDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: EventUpload})
	}
	assert.Len(t, ch, cap(ch))
}

func TestUnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
	assert.Equal(t, 0, b.Count())
}

func TestObserveCarriesPercent(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	b.Observe(progress.Update{DeliveryID: "d", Stage: progress.StageDownload, Bytes: 25, Total: 100})

	e := <-ch
	assert.Equal(t, EventDownload, e.Type)
	assert.InDelta(t, 25.0, e.Percent, 0.001)
}

func TestPublishResult(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	res := &delivery.Result{ID: "x", Success: true, Strategy: delivery.StrategySplitFallback}
	b.PublishResult(res, delivery.NewPartialDeliveryError([]int{2}, 3))
	e := <-ch
	assert.Equal(t, EventDelivered, e.Type)
	assert.Equal(t, "partial", e.Kind)
	assert.Equal(t, "split_fallback", e.Strategy)

	b.PublishResult(&delivery.Result{ID: "y"}, errors.New("boom"))
	e = <-ch
	require.Equal(t, EventFailed, e.Type)
	assert.Equal(t, "internal", e.Kind)
}
