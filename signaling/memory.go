// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Bus = (*MemoryBus)(nil)

// Interceptor rewrites a publication before delivery. Returning nil
// drops it; returning several envelopes delivers each in order.
type Interceptor func(channel string, envelope Envelope) []Envelope

// MemoryBus is an in-process Bus. Two coordinators sharing one
// MemoryBus can negotiate without any network relay.
type MemoryBus struct {
	mu          sync.Mutex
	channels    map[string]map[*memorySubscription]struct{}
	interceptor Interceptor
	published   int
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{channels: make(map[string]map[*memorySubscription]struct{})}
}

// Intercept installs an interceptor applied to every later Publish.
// Tests use it to drop, duplicate or observe envelopes.
func (b *MemoryBus) Intercept(interceptor Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = interceptor
}

// Published returns how many envelopes have been published.
func (b *MemoryBus) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Subscribers returns the number of subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

// Publish implements Bus.
func (b *MemoryBus) Publish(_ context.Context, channel string, envelope Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.published++
	deliveries := []Envelope{envelope}
	if b.interceptor != nil {
		deliveries = b.interceptor(channel, envelope)
	}
	for subscription := range b.channels[channel] {
		for _, delivery := range deliveries {
			subscription.dispatcher.enqueue(delivery)
		}
	}
	return nil
}

// Subscribe implements Bus.
func (b *MemoryBus) Subscribe(_ context.Context, channel string, handler Handler) (Subscription, error) {
	subscription := &memorySubscription{
		bus:        b,
		channel:    channel,
		dispatcher: newDispatcher(handler),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	subscribers := b.channels[channel]
	if subscribers == nil {
		subscribers = make(map[*memorySubscription]struct{})
		b.channels[channel] = subscribers
	}
	subscribers[subscription] = struct{}{}
	return subscription, nil
}

type memorySubscription struct {
	bus        *MemoryBus
	channel    string
	dispatcher *dispatcher
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	if subscribers := s.bus.channels[s.channel]; subscribers != nil {
		delete(subscribers, s)
		if len(subscribers) == 0 {
			delete(s.bus.channels, s.channel)
		}
	}
	s.bus.mu.Unlock()

	s.dispatcher.stop()
	return nil
}
