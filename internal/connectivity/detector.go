// Package connectivity tracks whether the client can currently reach the
// server and lets other components observe transitions.
package connectivity

import (
	"sync"

	"github.com/agentworkforce/boardsync/internal/metrics"
)

// Detector is an observable online/offline flag. Listeners are called on
// every transition, in subscription order, on the goroutine that caused it.
// Transitions are delivered one at a time and in the order they happened, so
// a listener must not call Set or ForceOffline itself.
type Detector struct {
	// notify serializes transitions with their delivery.
	notify    sync.Mutex
	mu        sync.Mutex
	online    bool
	forced    bool
	nextID    int
	listeners map[int]func(online bool)
	order     []int
}

func NewDetector(initiallyOnline bool) *Detector {
	metrics.OnlineGauge.Set(metrics.BoolGauge(initiallyOnline))
	return &Detector{
		online:    initiallyOnline,
		listeners: map[int]func(bool){},
	}
}

// Online reports the effective state: a forced-offline flag wins over health checks.
func (d *Detector) Online() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.online && !d.forced
}

// Set records the observed connectivity.
func (d *Detector) Set(online bool) {
	d.update(func() { d.online = online })
}

// ForceOffline pins the detector offline regardless of what health checks report.
func (d *Detector) ForceOffline(forced bool) {
	d.update(func() { d.forced = forced })
}

func (d *Detector) update(mutate func()) {
	d.notify.Lock()
	defer d.notify.Unlock()

	d.mu.Lock()
	before := d.online && !d.forced
	mutate()
	after := d.online && !d.forced
	if before == after {
		d.mu.Unlock()
		return
	}
	listeners := make([]func(bool), 0, len(d.order))
	for _, id := range d.order {
		listeners = append(listeners, d.listeners[id])
	}
	d.mu.Unlock()

	metrics.OnlineGauge.Set(metrics.BoolGauge(after))
	for _, fn := range listeners {
		fn(after)
	}
}

// Subscribe registers fn for transitions and returns a function that
// removes it. The returned function is safe to call more than once.
func (d *Detector) Subscribe(fn func(online bool)) func() {
	if fn == nil {
		return func() {}
	}
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.listeners[id] = fn
	d.order = append(d.order, id)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			delete(d.listeners, id)
			for i, existing := range d.order {
				if existing == id {
					d.order = append(d.order[:i], d.order[i+1:]...)
					break
				}
			}
		})
	}
}
