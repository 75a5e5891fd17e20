package events

import (
	"context"
	"fmt"
	"sync"
)

// LocalBus delivers events to in-process handlers synchronously. It stands
// in for the message broker when none is reachable.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	history  []Event
}

var (
	_ Publisher  = (*LocalBus)(nil)
	_ Subscriber = (*LocalBus)(nil)
)

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[string][]Handler)}
}

func (b *LocalBus) Subscribe(eventType, durableName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	return nil
}

func (b *LocalBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.history = append(b.history, event)
	handlers := append([]Handler(nil), b.handlers[event.EventType()]...)
	b.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return fmt.Errorf("handle %s: %w", event.EventType(), err)
		}
	}
	return nil
}

// Published returns the events of eventType seen so far.
func (b *LocalBus) Published(eventType string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.history {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}
