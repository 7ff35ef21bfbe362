// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/pqchat/signaling"
)

// offer creates the joiner's negotiator and publishes its offer to the
// host.
func (c *Coordinator) offer(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	current, err := c.newAttemptLocked(c.peerID)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	description, err := current.negotiator.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("creating offer: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != current || c.state == StateClosed {
		return ErrClosed
	}
	c.publishDescriptorLocked(current, signaling.MessageOffer, signaling.OfferPayload{
		Offer:   description,
		IDToken: c.idToken,
	})
	c.logger.Info("offer published", "peer", c.peerID)
	return nil
}

// handleAnswer verifies the host's answer and applies it. An answer
// with an invalid token is dropped without a response.
func (c *Coordinator) handleAnswer(envelope signaling.Envelope) {
	from := envelope.Data.From
	if c.role != Joiner {
		c.logger.Debug("host ignoring answer", "peer", from)
		return
	}
	payload, err := envelope.Answer()
	if err != nil {
		c.logger.Warn("dropping malformed answer", "peer", from, "error", err)
		return
	}

	c.mu.Lock()
	current := c.attempt
	if c.state == StateClosed || current == nil || current.peerID != from || current.answering {
		c.mu.Unlock()
		return
	}
	current.answering = true
	c.mu.Unlock()

	go c.acceptAnswer(current, payload)
}

func (c *Coordinator) acceptAnswer(current *attempt, answer signaling.AnswerPayload) {
	claims, err := c.verify(answer.IDToken)
	if err != nil {
		c.logger.Warn("dropping answer with invalid identity token", "peer", current.peerID, "error", err)
		c.mu.Lock()
		current.answering = false
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.attempt != current || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	current.peer = claims
	current.verified = true
	c.mu.Unlock()

	if err := current.negotiator.AcceptAnswer(c.ctx, answer.Answer); err != nil {
		c.logger.Warn("applying answer failed", "peer", current.peerID, "error", err)
		c.mu.Lock()
		current.answering = false
		c.mu.Unlock()
		return
	}
	c.logger.Info("answer accepted", "peer", current.peerID, "identity", claims.DisplayName())
}

// handleDeny ends the session when the host refuses this joiner before
// the channel opens.
func (c *Coordinator) handleDeny(envelope signaling.Envelope) {
	from := envelope.Data.From
	if c.role != Joiner {
		return
	}

	c.mu.Lock()
	current := c.attempt
	if c.state == StateClosed || current == nil || current.peerID != from || current.open {
		c.mu.Unlock()
		return
	}
	c.logger.Info("host denied the join request", "peer", from)
	c.notifyLocked(Notification{Kind: NotifyDenied})
	release := c.teardownLocked(EventDenied)
	c.mu.Unlock()
	release()
}
