// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"errors"
	"strings"

	"github.com/bureau-foundation/pqchat/lib/serial"
)

// channelPrefix namespaces per-session channels on the relay.
const channelPrefix = "signaling:"

// ChannelName returns the relay channel a session listens on.
func ChannelName(sessionID string) string {
	return channelPrefix + sessionID
}

// SessionFromChannel extracts the session id from a channel name.
func SessionFromChannel(channel string) (string, bool) {
	sessionID, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok || sessionID == "" {
		return "", false
	}
	return sessionID, true
}

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("signaling: bus closed")

// Handler receives envelopes delivered to a subscription. Handlers for
// one subscription are called sequentially, in delivery order.
type Handler func(Envelope)

// Subscription is an active subscription to one channel.
type Subscription interface {
	// Unsubscribe stops delivery. Envelopes not yet handed to the
	// handler are dropped. Unsubscribe is idempotent.
	Unsubscribe() error
}

// Bus is a named-channel publish/subscribe relay.
type Bus interface {
	// Publish delivers envelope to every current subscriber of channel.
	// Publishing to a channel without subscribers is not an error.
	Publish(ctx context.Context, channel string, envelope Envelope) error

	// Subscribe registers handler for envelopes published to channel.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
}

// dispatcher delivers envelopes to one handler on its own goroutine,
// preserving order without blocking the publisher.
type dispatcher struct {
	handler Handler
	queue   *serial.Queue
}

func newDispatcher(handler Handler) *dispatcher {
	return &dispatcher{handler: handler, queue: serial.New()}
}

func (d *dispatcher) enqueue(envelope Envelope) {
	d.queue.Post(func() { d.handler(envelope) })
}

func (d *dispatcher) stop() {
	d.queue.Stop()
}
