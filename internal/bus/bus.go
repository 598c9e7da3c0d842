// Package bus is the process-wide publish/subscribe channel shared by all
// views of one application instance.
package bus

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler receives a published message.
type Handler func(Message)

// MessageBus is the capability the core components depend on.
type MessageBus interface {
	Publish(Message)
	// Subscribe registers h for messages of kind. Kind "*" receives every
	// message. The returned func removes the subscription.
	Subscribe(kind string, h Handler) (unsubscribe func())
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process MessageBus. Handlers run on the
// publisher's goroutine, outside the bus lock, in registration order;
// kind-specific handlers run before wildcard handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID atomic.Uint64
	log    *slog.Logger
}

// New creates an empty bus. A nil logger discards handler panics reports.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Bus{subs: make(map[string][]subscription), log: log}
}

// Subscribe implements MessageBus.
func (b *Bus) Subscribe(kind string, h Handler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(kind, id) })
	}
}

func (b *Bus) unsubscribe(kind string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			b.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish implements MessageBus.
func (b *Bus) Publish(m Message) {
	b.mu.RLock()
	specific := append([]subscription(nil), b.subs[m.Kind()]...)
	wildcard := append([]subscription(nil), b.subs["*"]...)
	b.mu.RUnlock()

	for _, s := range specific {
		b.safeCall(s.handler, m)
	}
	for _, s := range wildcard {
		b.safeCall(s.handler, m)
	}
}

// safeCall keeps one misbehaving handler from breaking delivery to the rest.
func (b *Bus) safeCall(h Handler, m Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bus handler panicked", "kind", m.Kind(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	h(m)
}

// SubscriptionCount returns the number of live subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
