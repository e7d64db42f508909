// Package eventbus is the in-process pub/sub backbone for turn, tool
// and stream lifecycle events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"promptdesk/internal/domain"
)

const subscriberBuffer = 64

type eventMsg struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns an ordered delivery queue: one channel drained by
// one goroutine, so each subscriber sees events in publish order.
type subscription struct {
	id   uint64
	ch   chan eventMsg
	quit chan struct{}
	stop sync.Once
}

// Bus is a goroutine-safe event bus. Each subscriber gets a dedicated
// delivery goroutine, so events arrive in the order they were
// published and a slow handler only backs up its own queue.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	closed  bool
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish fans out an event to typed and all-event subscribers.
// Publishing after Close is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]*subscription, 0, len(b.typed[event.Type])+len(b.allSubs))
	subs = append(subs, b.typed[event.Type]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	msg := eventMsg{ctx: ctx, event: event}
	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-sub.quit:
			// Unsubscribed while we were enqueueing.
		}
	}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.typed[eventType] = remove(b.typed[eventType], sub.id)
		b.mu.Unlock()
		sub.stop.Do(func() { close(sub.quit) })
	}
}

// SubscribeAll registers a handler for every event and returns an
// unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := b.newSubscription(handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.allSubs = remove(b.allSubs, sub.id)
		b.mu.Unlock()
		sub.stop.Do(func() { close(sub.quit) })
	}
}

func (b *Bus) newSubscription(handler domain.EventHandler) *subscription {
	sub := &subscription{
		id:   b.nextID.Add(1),
		ch:   make(chan eventMsg, subscriberBuffer),
		quit: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.deliver(handler, sub)
	return sub
}

// deliver drains one subscription in order. On quit it flushes whatever
// was already queued before exiting.
func (b *Bus) deliver(handler domain.EventHandler, sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-sub.ch:
			b.invoke(handler, msg)
		case <-sub.quit:
			for {
				select {
				case msg := <-sub.ch:
					b.invoke(handler, msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) invoke(handler domain.EventHandler, msg eventMsg) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(msg.event.Type), "panic", r)
		}
	}()
	handler(msg.ctx, msg.event)
}

// Close stops new publishes and waits until every queued event has
// been delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.typed {
		for _, sub := range subs {
			sub.stop.Do(func() { close(sub.quit) })
		}
	}
	for _, sub := range b.allSubs {
		sub.stop.Do(func() { close(sub.quit) })
	}
	b.typed = make(map[domain.EventType][]*subscription)
	b.allSubs = nil
	b.mu.Unlock()

	b.wg.Wait()
}

func remove(subs []*subscription, id uint64) []*subscription {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}
