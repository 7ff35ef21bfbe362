// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"

	"github.com/bureau-foundation/pqchat/keyexchange"
	"github.com/bureau-foundation/pqchat/protocol"
	"github.com/bureau-foundation/pqchat/securechannel"
)

// channelOpen starts the key exchange on a freshly opened channel.
func (c *Coordinator) channelOpen(current *attempt) {
	c.mu.Lock()
	if c.attempt != current || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	current.open = true
	c.transportTimer.Stop()
	c.transitionLocked(EventChannelOpen)
	c.startHandshakeTimerLocked(current)
	c.mu.Unlock()

	c.logger.Info("data channel open, starting key exchange", "peer", current.peerID)
	outcome, err := c.engine.Start()
	if err != nil {
		c.logger.Error("starting key exchange failed", "error", err)
		return
	}
	c.applyOutcome(current, outcome)
}

// channelClosed ends the session: the peer left or the connection
// failed.
func (c *Coordinator) channelClosed(current *attempt) {
	c.mu.Lock()
	if c.attempt != current || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.logger.Info("peer left", "peer", current.peerID)
	c.notifyLocked(Notification{Kind: NotifyPeerLeft, Peer: current.peer})
	release := c.teardownLocked(EventChannelClosed)
	c.mu.Unlock()
	release()
}

// handleMessage processes one data channel envelope. Messages for one
// attempt arrive sequentially.
func (c *Coordinator) handleMessage(current *attempt, data []byte) {
	c.mu.Lock()
	live := c.attempt == current && c.state != StateClosed
	c.mu.Unlock()
	if !live {
		return
	}

	envelope, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warn("dropping malformed data channel message", "error", err)
		return
	}

	switch envelope.Type {
	case protocol.TypePublicKey:
		publicKey, err := envelope.PublicKey()
		if err != nil {
			c.logger.Warn("dropping malformed public key", "error", err)
			return
		}
		outcome, err := c.engine.ReceivePublicKey(publicKey)
		if err != nil {
			c.logger.Warn("rejecting peer public key", "error", err)
			return
		}
		c.applyOutcome(current, outcome)

	case protocol.TypeSharedSecret:
		ciphertext, err := envelope.SharedSecret()
		if err != nil {
			c.logger.Warn("dropping malformed key ciphertext", "error", err)
			return
		}
		outcome, err := c.engine.ReceiveCiphertext(ciphertext)
		if errors.Is(err, keyexchange.ErrUnexpectedMessage) {
			c.logger.Warn("dropping key ciphertext sent to the host")
			return
		}
		if err != nil {
			c.logger.Warn("key exchange failed", "error", err)
			c.cryptoFailure(current)
			return
		}
		c.applyOutcome(current, outcome)

	case protocol.TypeChat:
		sealed, err := envelope.Chat()
		if err != nil {
			c.logger.Warn("dropping malformed chat envelope", "error", err)
			return
		}
		message, err := c.secure.Open(sealed)
		if errors.Is(err, securechannel.ErrNotReady) {
			c.logger.Debug("dropping chat message received before the key")
			return
		}
		if err != nil {
			c.logger.Warn("discarding chat message that failed authentication")
			c.cryptoFailure(current)
			return
		}

		c.mu.Lock()
		if c.attempt == current && c.state != StateClosed {
			c.cryptoFailures = 0
			c.notifyLocked(Notification{Kind: NotifyMessage, Message: message, Peer: current.peer})
		}
		c.mu.Unlock()
	}
}

// applyOutcome sends what the engine produced, in order, and installs
// the key once derived. The ciphertext leaves before the key is
// installed so no chat record can overtake it. Outcomes of a handshake
// that has since restarted are dropped.
func (c *Coordinator) applyOutcome(current *attempt, outcome keyexchange.Outcome) {
	c.exchangeMu.Lock()
	defer c.exchangeMu.Unlock()
	if !c.engine.Current(outcome.Generation) {
		if outcome.PublicKey != nil || outcome.Ciphertext != nil || outcome.Derived {
			c.logger.Debug("dropping key exchange output of a restarted handshake")
		}
		return
	}

	if outcome.Rekeyed {
		c.mu.Lock()
		if c.attempt == current && c.state != StateClosed {
			c.logger.Info("peer restarted the key exchange")
			c.secure.Clear()
			c.transitionLocked(EventRekey)
			c.startHandshakeTimerLocked(current)
			c.notifyLocked(Notification{Kind: NotifyRekeying})
		}
		c.mu.Unlock()
	}

	if outcome.PublicKey != nil {
		raw, err := protocol.EncodePublicKey(outcome.PublicKey)
		if err == nil {
			c.sendData(current, raw)
		}
	}
	if outcome.Ciphertext != nil {
		raw, err := protocol.EncodeSharedSecret(outcome.Ciphertext)
		if err == nil {
			c.sendData(current, raw)
		}
	}
	if outcome.Derived {
		c.keyDerived(current)
	}
}

func (c *Coordinator) sendData(current *attempt, raw []byte) {
	if err := current.negotiator.Send(raw); err != nil {
		c.logger.Warn("data channel send failed", "peer", current.peerID, "error", err)
	}
}

// keyDerived installs the derived key and moves to Ready. The key is
// read and installed under c.mu so a concurrent teardown cannot free
// it in between.
func (c *Coordinator) keyDerived(current *attempt) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != current || c.state == StateClosed {
		return
	}
	key, err := c.engine.Key()
	if err != nil {
		c.logger.Warn("key derivation reported but no key available", "error", err)
		return
	}
	if err := c.secure.Install(key); err != nil {
		c.logger.Error("installing session key failed", "error", err)
		return
	}
	c.cryptoFailures = 0
	c.handshakeTimer.Stop()
	c.transitionLocked(EventKeyDerived)

	fingerprint := c.engine.Fingerprint()
	c.logger.Info("session ready", "peer", current.peerID, "fingerprint", fingerprint)
	c.notifyLocked(Notification{Kind: NotifyReady, Fingerprint: fingerprint, Peer: current.peer})
}

// cryptoFailure counts an undecryptable message and restarts the
// handshake once the limit is reached.
func (c *Coordinator) cryptoFailure(current *attempt) {
	c.mu.Lock()
	if c.attempt != current || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.cryptoFailures++
	if c.cryptoFailures < c.maxCryptoFailures {
		c.mu.Unlock()
		return
	}
	c.cryptoFailures = 0
	c.mu.Unlock()
	c.restartHandshake(current, "repeated decryption failures")
}

// restartHandshake discards the key and announces a fresh public key.
// The peer sees a different public key and rekeys in turn. Only a Ready
// session restarts; a handshake in progress runs to completion or times
// out.
func (c *Coordinator) restartHandshake(current *attempt, reason string) {
	c.mu.Lock()
	if current == nil || c.attempt != current || !current.open || c.state != StateReady {
		c.mu.Unlock()
		return
	}
	c.logger.Info("restarting key exchange", "reason", reason)
	c.engine.Reset()
	c.secure.Clear()
	c.transitionLocked(EventRekey)
	c.startHandshakeTimerLocked(current)
	c.notifyLocked(Notification{Kind: NotifyRekeying, Reason: reason})
	c.mu.Unlock()

	outcome, err := c.engine.Start()
	if err != nil {
		c.logger.Error("restarting key exchange failed", "error", err)
		return
	}
	c.applyOutcome(current, outcome)
}

func (c *Coordinator) startHandshakeTimerLocked(current *attempt) {
	c.handshakeTimer.Stop()
	if c.handshakeTimeout <= 0 {
		return
	}
	c.handshakeTimer = c.clock.AfterFunc(c.handshakeTimeout, func() { c.handshakeTimedOut(current) })
}

func (c *Coordinator) handshakeTimedOut(current *attempt) {
	c.mu.Lock()
	if c.attempt != current || c.state != StateAwaitingKeyExchange {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("key exchange timed out", "peer", current.peerID)
	c.notifyLocked(Notification{Kind: NotifyTimeout, Reason: "key exchange did not complete"})
	release := c.teardownLocked(EventTimeout)
	c.mu.Unlock()
	release()
}

// transportTimedOut abandons an attempt whose channel never opened. A
// joiner gives up; a host drops the peer and waits for new offers.
func (c *Coordinator) transportTimedOut(current *attempt) {
	c.mu.Lock()
	if c.attempt != current || current.open || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("peer connection was not established in time", "peer", current.peerID)
	c.notifyLocked(Notification{Kind: NotifyTimeout, Reason: "peer connection was not established"})

	if c.role == Joiner {
		release := c.teardownLocked(EventTimeout)
		c.mu.Unlock()
		release()
		return
	}
	c.attempt = nil
	c.settleLocked()
	c.mu.Unlock()
	current.negotiator.Close()
}
