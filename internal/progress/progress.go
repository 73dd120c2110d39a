// Package progress defines the observer interface used to report transfer
// progress from deep inside streaming loops, plus throttling wrappers.
package progress

import "sync"

// Stage identifies which leg of a delivery an update belongs to.
type Stage string

const (
	StageDownload Stage = "download"
	StageUpload   Stage = "upload"
)

// Update is one progress report. Total is 0 when the size is unknown.
type Update struct {
	DeliveryID string
	Stage      Stage
	Filename   string
	Bytes      int64
	Total      int64
}

// Percent returns the completion percentage and whether it is known.
func (u Update) Percent() (float64, bool) {
	if u.Total <= 0 {
		return 0, false
	}
	return float64(u.Bytes) / float64(u.Total) * 100, true
}

// Observer receives progress updates. Implementations must not block.
type Observer interface {
	Observe(Update)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Update)

func (f ObserverFunc) Observe(u Update) { f(u) }

// Observers fans an update out to every member. A nil or empty slice is a
// valid no-op observer.
type Observers []Observer

func (o Observers) Observe(u Update) {
	for _, obs := range o {
		if obs != nil {
			obs.Observe(u)
		}
	}
}

// Nop discards updates.
var Nop Observer = Observers(nil)

// Tagged stamps the delivery ID and filename onto every update before
// forwarding it.
func Tagged(next Observer, deliveryID, filename string) Observer {
	return ObserverFunc(func(u Update) {
		if u.DeliveryID == "" {
			u.DeliveryID = deliveryID
		}
		if u.Filename == "" {
			u.Filename = filename
		}
		next.Observe(u)
	})
}

// EveryBytes forwards an update only once step more bytes have been
// transferred since the last forwarded update.
func EveryBytes(next Observer, step int64) Observer {
	return &byteGate{next: next, step: step}
}

type byteGate struct {
	mu   sync.Mutex
	next Observer
	step int64
	last int64
}

func (g *byteGate) Observe(u Update) {
	g.mu.Lock()
	if u.Bytes-g.last < g.step {
		g.mu.Unlock()
		return
	}
	g.last = u.Bytes
	g.mu.Unlock()
	g.next.Observe(u)
}

// EveryPercent forwards an update each time completion crosses another
// multiple of step percent. Updates without a known total are dropped.
func EveryPercent(next Observer, step float64) Observer {
	return &percentGate{next: next, step: step, last: -1}
}

type percentGate struct {
	mu   sync.Mutex
	next Observer
	step float64
	last int
}

func (g *percentGate) Observe(u Update) {
	pct, ok := u.Percent()
	if !ok || g.step <= 0 {
		return
	}
	bucket := int(pct / g.step)
	g.mu.Lock()
	if bucket <= g.last {
		g.mu.Unlock()
		return
	}
	g.last = bucket
	g.mu.Unlock()
	g.next.Observe(u)
}
