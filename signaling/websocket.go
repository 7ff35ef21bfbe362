// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Bus = (*WebSocketBus)(nil)

// WebSocketBusConfig configures a relay client.
type WebSocketBusConfig struct {
	// URL is the relay endpoint (ws:// or wss://).
	URL string

	// Header is sent with the upgrade request.
	Header http.Header

	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Logger *slog.Logger
}

// WebSocketBus is a Bus backed by a RelayServer connection.
type WebSocketBus struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	channels map[string]map[*websocketSubscription]struct{}
	acks     map[string]chan error
	closed   bool

	done chan struct{}
}

// DialWebSocket connects to a relay. The connection is served until
// Close or until the relay disconnects; check Done.
func DialWebSocket(ctx context.Context, config WebSocketBusConfig) (*WebSocketBus, error) {
	dialer := config.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	conn, _, err := dialer.DialContext(ctx, config.URL, config.Header)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", config.URL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	bus := &WebSocketBus{
		conn:     conn,
		logger:   logger,
		channels: make(map[string]map[*websocketSubscription]struct{}),
		acks:     make(map[string]chan error),
		done:     make(chan struct{}),
	}
	go bus.readLoop()
	return bus, nil
}

// Done is closed when the relay connection ends.
func (b *WebSocketBus) Done() <-chan struct{} { return b.done }

// Close disconnects from the relay and stops every subscription.
func (b *WebSocketBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var dispatchers []*dispatcher
	for _, subscriptions := range b.channels {
		for subscription := range subscriptions {
			dispatchers = append(dispatchers, subscription.dispatcher)
		}
	}
	b.channels = make(map[string]map[*websocketSubscription]struct{})
	b.mu.Unlock()

	for _, dispatcher := range dispatchers {
		dispatcher.stop()
	}

	b.writeMu.Lock()
	b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	b.writeMu.Unlock()
	return b.conn.Close()
}

// Publish implements Bus.
func (b *WebSocketBus) Publish(ctx context.Context, channel string, envelope Envelope) error {
	if err := envelope.Validate(); err != nil {
		return err
	}
	return b.write(ctx, Frame{Op: OpPublish, Channel: channel, Envelope: &envelope})
}

// Subscribe implements Bus. The relay is told about a channel only on
// its first local subscription, and Subscribe returns once the relay
// has acknowledged it, so envelopes published afterwards are delivered.
func (b *WebSocketBus) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	subscription := &websocketSubscription{bus: b, channel: channel, dispatcher: newDispatcher(handler)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		subscription.dispatcher.stop()
		return nil, ErrClosed
	}
	subscribers := b.channels[channel]
	first := subscribers == nil
	if first {
		subscribers = make(map[*websocketSubscription]struct{})
		b.channels[channel] = subscribers
	}
	subscribers[subscription] = struct{}{}
	var ack chan error
	if first {
		ack = make(chan error, 1)
		b.acks[channel] = ack
	}
	b.mu.Unlock()

	if !first {
		return subscription, nil
	}
	if err := b.write(ctx, Frame{Op: OpSubscribe, Channel: channel}); err != nil {
		subscription.Unsubscribe()
		return nil, err
	}
	select {
	case err := <-ack:
		if err != nil {
			subscription.Unsubscribe()
			return nil, err
		}
		return subscription, nil
	case <-b.done:
		subscription.Unsubscribe()
		return nil, ErrClosed
	case <-ctx.Done():
		subscription.Unsubscribe()
		return nil, ctx.Err()
	}
}

// resolveAck completes a pending Subscribe for channel.
func (b *WebSocketBus) resolveAck(channel string, err error) bool {
	b.mu.Lock()
	ack, pending := b.acks[channel]
	delete(b.acks, channel)
	b.mu.Unlock()
	if pending {
		ack <- err
	}
	return pending
}

func (b *WebSocketBus) write(ctx context.Context, frame Frame) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	deadline := time.Now().Add(relayWriteWait)
	if contextDeadline, ok := ctx.Deadline(); ok && contextDeadline.Before(deadline) {
		deadline = contextDeadline
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(deadline)
	if err := b.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", frame.Op, err)
	}
	return nil
}

func (b *WebSocketBus) readLoop() {
	defer close(b.done)
	for {
		var frame Frame
		if err := b.conn.ReadJSON(&frame); err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if !closed {
				b.logger.Warn("relay connection lost", "error", err)
			}
			return
		}

		switch frame.Op {
		case OpMessage:
			if frame.Envelope == nil {
				continue
			}
			b.mu.Lock()
			for subscription := range b.channels[frame.Channel] {
				subscription.dispatcher.enqueue(*frame.Envelope)
			}
			b.mu.Unlock()
		case OpSubscribed:
			b.resolveAck(frame.Channel, nil)
		case OpError:
			if b.resolveAck(frame.Channel, fmt.Errorf("relay refused subscription to %s: %s", frame.Channel, frame.Error)) {
				continue
			}
			b.logger.Warn("relay rejected frame", "channel", frame.Channel, "error", frame.Error)
		default:
			b.logger.Debug("ignoring unexpected relay frame", "op", frame.Op)
		}
	}
}

type websocketSubscription struct {
	bus        *WebSocketBus
	channel    string
	dispatcher *dispatcher
	once       sync.Once
}

func (s *websocketSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.dispatcher.stop()

		s.bus.mu.Lock()
		subscribers := s.bus.channels[s.channel]
		last := false
		if subscribers != nil {
			delete(subscribers, s)
			if len(subscribers) == 0 {
				delete(s.bus.channels, s.channel)
				last = true
			}
		}
		closed := s.bus.closed
		s.bus.mu.Unlock()

		if last && !closed {
			ctx, cancel := context.WithTimeout(context.Background(), relayWriteWait)
			defer cancel()
			err = s.bus.write(ctx, Frame{Op: OpUnsubscribe, Channel: s.channel})
		}
	})
	return err
}
