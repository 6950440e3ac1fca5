// Package event carries the outbound events of a premises between its
// components and to whatever presentation or transport layer listens.
package event

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Event is anything published on a Bus.
type Event interface {
	Name() string
}

// Handler receives events in publish order.
type Handler func(Event)

// Bus is a synchronous, in-process fan-out.
//
// Handlers run on the publisher's goroutine, in subscription order, and must
// not call back into the component that is publishing.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(slices.Clone(b.handlers), h)
}

func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}
