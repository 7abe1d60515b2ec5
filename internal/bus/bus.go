// Package bus is the process-local publish/subscribe surface that connects
// the push channel, the drain controller and the entity stores.
package bus

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/boardsync/internal/wire"
)

type Kind string

const (
	KindEntitySync       Kind = "entity-sync"
	KindNotificationPush Kind = "notification-push"
	KindReconnected      Kind = "reconnected"
	KindQueueDrained     Kind = "queue-drained"
	KindBulkCreated      Kind = "bulk-created"
)

// BulkCreated announces records inserted through a batch endpoint, which
// produces no per-record sync events.
type BulkCreated struct {
	Entity   wire.EntityKind   `json:"entity"`
	Entities []json.RawMessage `json:"entities"`
	Scope    string            `json:"scope,omitempty"`
}

// Event carries at most one payload, matching its Kind. Reconnected and
// QueueDrained carry none.
type Event struct {
	Kind         Kind
	Sync         *wire.SyncEvent
	Notification *wire.NotificationEvent
	BulkCreated  *BulkCreated
}

type Handler func(Event)

type subscription struct {
	handler Handler
	removed atomic.Bool
}

// Bus delivers events one at a time in publish order. A Publish issued while
// another event is being delivered, from a handler or from another
// goroutine, is appended to the pending list and delivered by the goroutine
// that is already dispatching.
type Bus struct {
	mu          sync.Mutex
	subs        map[Kind][]*subscription
	pending     []Event
	dispatching bool
	logger      zerolog.Logger
}

func New(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   map[Kind][]*subscription{},
		logger: logger,
	}
}

// Subscribe registers h for one kind and returns its unsubscribe function.
// After unsubscribe returns, h is not called again.
func (b *Bus) Subscribe(kind Kind, h Handler) func() {
	if h == nil {
		return func() {}
	}
	sub := &subscription{handler: h}
	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], sub)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.removed.Store(true)
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[kind]
			for i, s := range list {
				if s == sub {
					b.subs[kind] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// SubscribeEntity delivers sync events for one entity kind only.
func (b *Bus) SubscribeEntity(entity wire.EntityKind, h func(wire.SyncEvent)) func() {
	if h == nil {
		return func() {}
	}
	return b.Subscribe(KindEntitySync, func(ev Event) {
		if ev.Sync != nil && ev.Sync.Entity == entity {
			h(*ev.Sync)
		}
	})
}

func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.pending = append(b.pending, ev)
	if b.dispatching {
		b.mu.Unlock()
		return
	}
	b.dispatching = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.dispatching = false
			b.mu.Unlock()
			return
		}
		next := b.pending[0]
		b.pending = b.pending[1:]
		handlers := append([]*subscription(nil), b.subs[next.Kind]...)
		b.mu.Unlock()

		for _, sub := range handlers {
			if sub.removed.Load() {
				continue
			}
			b.deliver(sub.handler, next)
		}
	}
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("kind", string(ev.Kind)).Err(fmt.Errorf("%v", r)).Msg("bus handler panicked")
		}
	}()
	h(ev)
}

func (b *Bus) PublishSync(ev wire.SyncEvent) {
	b.Publish(Event{Kind: KindEntitySync, Sync: &ev})
}

func (b *Bus) PublishNotification(ev wire.NotificationEvent) {
	b.Publish(Event{Kind: KindNotificationPush, Notification: &ev})
}

func (b *Bus) PublishReconnected() {
	b.Publish(Event{Kind: KindReconnected})
}

func (b *Bus) PublishQueueDrained() {
	b.Publish(Event{Kind: KindQueueDrained})
}

func (b *Bus) PublishBulkCreated(payload BulkCreated) {
	b.Publish(Event{Kind: KindBulkCreated, BulkCreated: &payload})
}
