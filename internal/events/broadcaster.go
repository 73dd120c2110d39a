// Package events provides an SSE event broadcaster for delivery progress.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/torevar615/URL-UploadV1/internal/delivery"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
	"github.com/torevar615/URL-UploadV1/internal/progress"
)

const (
	EventDownload  = "download"
	EventUpload    = "upload"
	EventDelivered = "delivered"
	EventFailed    = "failed"
)

// Event is a single progress or outcome notification.
type Event struct {
	Type       string  `json:"type"`
	DeliveryID string  `json:"delivery_id"`
	Filename   string  `json:"filename,omitempty"`
	Bytes      int64   `json:"bytes,omitempty"`
	Total      int64   `json:"total,omitempty"`
	Percent    float64 `json:"percent,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
	Error      string  `json:"error,omitempty"`
	Kind       string  `json:"kind,omitempty"`
	Timestamp  int64   `json:"timestamp"`
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// Observe implements progress.Observer.
func (b *Broadcaster) Observe(u progress.Update) {
	e := Event{
		Type:       string(u.Stage),
		DeliveryID: u.DeliveryID,
		Filename:   u.Filename,
		Bytes:      u.Bytes,
		Total:      u.Total,
	}
	if pct, ok := u.Percent(); ok {
		e.Percent = pct
	}
	b.Publish(e)
}

// PublishResult publishes the outcome of a finished delivery.
func (b *Broadcaster) PublishResult(res *delivery.Result, err error) {
	e := Event{Type: EventDelivered, Kind: delivery.Kind(err)}
	if res != nil {
		e.DeliveryID = res.ID
		e.Filename = res.Filename
		e.Bytes = res.BytesSent
		e.Total = res.Size
		e.Strategy = res.Strategy.String()
	}
	if err != nil {
		e.Error = err.Error()
		if res == nil || !res.Success {
			e.Type = EventFailed
		}
	}
	b.Publish(e)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
