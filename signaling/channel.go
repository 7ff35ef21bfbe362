// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// Channel is one participant's view of the relay: it receives on its
// own session channel and sends to peers' session channels.
type Channel struct {
	bus       Bus
	sessionID string
	logger    *slog.Logger
}

// NewChannel creates a Channel for sessionID.
func NewChannel(bus Bus, sessionID string, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Channel{bus: bus, sessionID: sessionID, logger: logger}
}

// SessionID returns the local session id.
func (c *Channel) SessionID() string { return c.sessionID }

// Send publishes a message of type name to the peer session to.
func (c *Channel) Send(ctx context.Context, to string, name MessageType, payload any) error {
	envelope, err := NewEnvelope(name, c.sessionID, payload)
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, ChannelName(to), envelope); err != nil {
		return fmt.Errorf("publishing %s to %s: %w", name, to, err)
	}
	return nil
}

// Subscribe delivers valid envelopes addressed to this session. Invalid
// envelopes and envelopes claiming to come from this session are
// dropped before reaching handler.
func (c *Channel) Subscribe(ctx context.Context, handler Handler) (Subscription, error) {
	return c.bus.Subscribe(ctx, ChannelName(c.sessionID), func(envelope Envelope) {
		if err := envelope.Validate(); err != nil {
			c.logger.Warn("dropping invalid signaling envelope", "error", err)
			return
		}
		if envelope.Data.From == c.sessionID {
			c.logger.Debug("dropping envelope from own session", "name", envelope.Name)
			return
		}
		handler(envelope)
	})
}
