// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"time"

	"github.com/bureau-foundation/pqchat/admission"
	"github.com/bureau-foundation/pqchat/identity"
	"github.com/bureau-foundation/pqchat/signaling"
)

// handleOffer records an offer and starts its verification. Offers
// from a second peer while one is admitted are denied. A repeated offer
// from a peer under review replaces the pending one without starting a
// second review.
func (c *Coordinator) handleOffer(envelope signaling.Envelope) {
	from := envelope.Data.From
	if c.role != Host {
		c.logger.Debug("joiner ignoring offer", "peer", from)
		return
	}
	payload, err := envelope.Offer()
	if err != nil {
		c.logger.Warn("dropping malformed offer", "peer", from, "error", err)
		return
	}
	receivedAt := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if current := c.attempt; current != nil {
		if current.peerID == from {
			c.logger.Debug("ignoring repeated offer from admitted peer", "peer", from)
			return
		}
		c.logger.Info("denying offer, session already has a peer", "peer", from)
		c.sendLocked(from, signaling.MessageDeny, signaling.DenyPayload{})
		return
	}

	pending := c.pendingLocked(from, true)
	if pending == nil {
		return
	}
	if pending.offer != nil {
		// Candidates buffered so far belong to the replaced negotiation.
		c.logger.Info("offer replaced by a newer offer from the same peer", "peer", from, "discarded_candidates", len(pending.candidates))
		pending.offer = &payload
		pending.candidates = nil
		return
	}
	pending.offer = &payload
	go c.review(from, payload, receivedAt)
}

// review verifies the offer's token, asks the admission gate, and
// admits or denies the peer. An invalid token is dropped without a
// response.
func (c *Coordinator) review(peerID string, offer signaling.OfferPayload, receivedAt time.Time) {
	claims, err := c.verify(offer.IDToken)
	if err != nil {
		c.logger.Warn("dropping offer with invalid identity token", "peer", peerID, "error", err)
		c.mu.Lock()
		delete(c.pending, peerID)
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	if c.state == StateClosed || c.pending[peerID] == nil {
		c.mu.Unlock()
		return
	}
	if c.attempt != nil {
		delete(c.pending, peerID)
		c.logger.Info("denying verified offer, session already has a peer", "peer", peerID, "identity", claims.DisplayName())
		c.sendLocked(peerID, signaling.MessageDeny, signaling.DenyPayload{})
		c.mu.Unlock()
		return
	}
	c.reviewing++
	c.transitionLocked(EventOfferVerified)
	c.mu.Unlock()

	c.logger.Info("offer verified, awaiting admission", "peer", peerID, "identity", claims.DisplayName())
	decision, err := c.gate.Review(c.ctx, admission.Request{
		PeerID:     peerID,
		Claims:     claims,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		c.logger.Info("admission review ended without a decision", "peer", peerID, "error", err)
		decision = admission.Deny
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// A replacing offer may carry a fresh token. It must verify and name
	// the identity the reviewer accepted.
	verifiedToken := offer.IDToken
	for decision == admission.Accept && c.state != StateClosed {
		pending := c.pending[peerID]
		if pending == nil || pending.offer == nil || pending.offer.IDToken == verifiedToken {
			break
		}
		token := pending.offer.IDToken
		c.mu.Unlock()
		latest, err := c.verify(token)
		c.mu.Lock()
		if err != nil || latest.Issuer != claims.Issuer || latest.Subject != claims.Subject {
			c.logger.Warn("replacing offer does not carry the reviewed identity", "peer", peerID, "error", err)
			decision = admission.Deny
			break
		}
		claims = latest
		verifiedToken = token
	}

	c.reviewing--
	if c.state == StateClosed {
		return
	}
	pending := c.pending[peerID]
	delete(c.pending, peerID)

	if decision != admission.Accept || pending == nil || pending.offer == nil || c.attempt != nil {
		c.logger.Info("peer denied", "peer", peerID, "identity", claims.DisplayName())
		c.sendLocked(peerID, signaling.MessageDeny, signaling.DenyPayload{})
		c.settleLocked()
		return
	}
	c.admitLocked(peerID, claims, pending)
}

// admitLocked creates the negotiator for an accepted peer, hands it the
// peer's buffered candidates in receipt order and answers the offer.
func (c *Coordinator) admitLocked(peerID string, claims identity.Claims, pending *pendingPeer) {
	current, err := c.newAttemptLocked(peerID)
	if err != nil {
		c.logger.Error("cannot answer admitted peer", "peer", peerID, "error", err)
		c.sendLocked(peerID, signaling.MessageDeny, signaling.DenyPayload{})
		c.settleLocked()
		return
	}
	current.peer = claims
	current.verified = true

	for _, candidate := range pending.candidates {
		if err := current.negotiator.AddCandidate(candidate); err != nil {
			c.logger.Debug("buffered candidate rejected", "peer", peerID, "error", err)
		}
	}
	c.logger.Info("peer admitted", "peer", peerID, "identity", claims.DisplayName(), "buffered_candidates", len(pending.candidates))
	c.dropOfferlessLocked()
	c.transitionLocked(EventAdmitted)
	go c.answer(current, *pending.offer)
}

// answer applies the admitted peer's offer and publishes the answer.
func (c *Coordinator) answer(current *attempt, offer signaling.OfferPayload) {
	description, err := current.negotiator.AcceptOffer(c.ctx, offer.Offer)

	c.mu.Lock()
	if c.attempt != current || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.logger.Warn("applying offer failed", "peer", current.peerID, "error", err)
		c.attempt = nil
		c.sendLocked(current.peerID, signaling.MessageDeny, signaling.DenyPayload{})
		c.settleLocked()
		c.mu.Unlock()
		current.negotiator.Close()
		return
	}
	c.publishDescriptorLocked(current, signaling.MessageAnswer, signaling.AnswerPayload{
		Answer:  description,
		IDToken: c.idToken,
	})
	c.mu.Unlock()
	c.logger.Info("answer published", "peer", current.peerID)
}

// settleLocked returns the host to waiting for offers when no review
// is pending and no peer is admitted.
func (c *Coordinator) settleLocked() {
	if c.attempt == nil && c.reviewing == 0 {
		c.transitionLocked(EventReviewsSettled)
	}
}
