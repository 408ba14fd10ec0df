// Package hooks implements a synchronous fan-out event bus used by the
// scheduling engine to surface observability events (malformed responses,
// repair attempts, execution progress, escalations) without coupling the
// engine internals to any particular sink (logging, metrics, UI streaming).
package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes engine events to registered subscribers.
	//
	// Events are delivered synchronously in the publisher's goroutine, so
	// Publish returns only after every subscriber's HandleEvent has
	// returned. Subscribers report no errors back to the bus.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber.
		Publish(ctx context.Context, event Event)

		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister it.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published engine events.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event)
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event)

	// Subscription represents an active registration on a Bus.
	Subscription interface {
		// Close removes the subscriber from the bus. Idempotent.
		Close() error
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		errLogger   func(err error)
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent calls the wrapped function.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) { f(ctx, event) }

// NewBus constructs an in-memory event bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

// Publish delivers the event to every currently registered subscriber.
// Panics in a subscriber are not recovered: subscribers must not panic.
func (b *bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.HandleEvent(ctx, event)
	}
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hooks: subscriber is required")
	}
	sc := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[sc] = sub
	b.mu.Unlock()
	return sc, nil
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
	return nil
}
