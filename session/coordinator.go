// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/pqchat/admission"
	"github.com/bureau-foundation/pqchat/identity"
	"github.com/bureau-foundation/pqchat/keyexchange"
	"github.com/bureau-foundation/pqchat/lib/clock"
	"github.com/bureau-foundation/pqchat/lib/serial"
	"github.com/bureau-foundation/pqchat/protocol"
	"github.com/bureau-foundation/pqchat/securechannel"
	"github.com/bureau-foundation/pqchat/signaling"
	"github.com/bureau-foundation/pqchat/transport"
)

const (
	DefaultHandshakeTimeout  = 60 * time.Second
	DefaultTransportTimeout  = 90 * time.Second
	DefaultVerifyTimeout     = 15 * time.Second
	DefaultMaxCryptoFailures = 3

	// maxPendingPeers bounds the peers a host tracks before admission.
	maxPendingPeers = 32

	// maxPendingCandidates bounds the candidates held per pending peer
	// and the local candidates held before the descriptor is published.
	maxPendingCandidates = 256

	// pendingCandidateTTL is how long candidates from a peer that has
	// not sent an offer are kept once the pending bound is reached.
	pendingCandidateTTL = 30 * time.Second

	// sendTimeout bounds one signaling publish.
	sendTimeout = 10 * time.Second
)

var (
	// ErrNotReady is returned by Send before the session key exists.
	ErrNotReady = errors.New("session: not ready")

	// ErrClosed is returned by operations on a closed session.
	ErrClosed = errors.New("session: closed")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")
)

// TokenVerifier checks a peer's id token. *identity.Verifier
// implements it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (identity.Claims, error)
}

// Config configures a Coordinator.
type Config struct {
	// SessionID is the local session id. Empty generates one.
	SessionID string

	// PeerID is the host's session id when joining. Empty selects the
	// host role.
	PeerID string

	// Bus carries signaling envelopes.
	Bus signaling.Bus

	// Negotiators creates one transport negotiator per connection
	// attempt.
	Negotiators transport.Factory

	// Verifier checks the peer's id token.
	Verifier TokenVerifier

	// IDToken is the local id token sent with offers and answers.
	IDToken string

	// Gate decides on verified peers (host only). Nil admits everyone.
	Gate admission.Gate

	// Avatar is attached to outgoing chat messages.
	Avatar string

	// Scheme overrides the KEM. Nil selects ML-KEM-1024.
	Scheme kem.Scheme

	// Clock drives timeouts and message timestamps. Nil selects the
	// real clock.
	Clock clock.Clock

	// HandshakeTimeout bounds channel open to key derivation.
	// TransportTimeout bounds descriptor publication to channel open.
	// VerifyTimeout bounds one token verification. Zero selects the
	// default; negative disables the timeout.
	HandshakeTimeout time.Duration
	TransportTimeout time.Duration
	VerifyTimeout    time.Duration

	// MaxCryptoFailures is how many undecryptable messages in a row
	// restart the handshake. Zero selects the default.
	MaxCryptoFailures int

	// Notify receives notifications sequentially, in order, on a
	// dedicated goroutine. Nil discards them.
	Notify func(Notification)

	Logger *slog.Logger
}

// Coordinator runs one chat session: signaling, admission, transport
// negotiation, key exchange and the encrypted channel. Coordinators
// are safe for concurrent use.
type Coordinator struct {
	role        Role
	sessionID   string
	peerID      string
	signals     *signaling.Channel
	negotiators transport.Factory
	verifier    TokenVerifier
	idToken     string
	gate        admission.Gate
	avatar      string
	clock       clock.Clock
	logger      *slog.Logger
	notify      func(Notification)

	handshakeTimeout  time.Duration
	transportTimeout  time.Duration
	verifyTimeout     time.Duration
	maxCryptoFailures int

	engine *keyexchange.Engine
	secure *securechannel.Channel

	// outbox publishes signaling envelopes in the order they are
	// queued. notices delivers notifications in order.
	outbox  *serial.Queue
	notices *serial.Queue

	ctx    context.Context
	cancel context.CancelFunc

	// exchangeMu orders key exchange sends against engine restarts so a
	// stale handshake message never follows a fresh public key. It is
	// taken before mu.
	exchangeMu sync.Mutex

	mu             sync.Mutex
	state          State
	started        bool
	subscription   signaling.Subscription
	attempt        *attempt
	pending        map[string]*pendingPeer
	reviewing      int
	cryptoFailures int
	lastSeenOrder  uint64
	transportTimer *clock.Timer
	handshakeTimer *clock.Timer
}

// attempt is one transport negotiation with one peer. Callbacks from a
// replaced attempt are ignored by comparing against Coordinator.attempt.
type attempt struct {
	peerID     string
	negotiator transport.Negotiator

	peer     identity.Claims
	verified bool

	// published is set once the local descriptor is queued for
	// sending; local candidates are held until then.
	published bool
	held      []*webrtc.ICECandidateInit

	answering bool
	open      bool
}

// pendingPeer is a host-side offer (and its early candidates) awaiting
// verification and admission.
type pendingPeer struct {
	offer      *signaling.OfferPayload
	candidates []*webrtc.ICECandidateInit

	// lastSeen and seen order offer-less entries for expiry and
	// eviction.
	lastSeen time.Time
	seen     uint64
}

// New validates config and creates an idle Coordinator.
func New(config Config) (*Coordinator, error) {
	if config.Bus == nil {
		return nil, errors.New("session: signaling bus is required")
	}
	if config.Negotiators == nil {
		return nil, errors.New("session: negotiator factory is required")
	}
	if config.Verifier == nil {
		return nil, errors.New("session: token verifier is required")
	}

	sessionID := config.SessionID
	if sessionID == "" {
		sessionID = NewSessionID()
	}
	if sessionID == config.PeerID {
		return nil, fmt.Errorf("session: peer id %q equals the local session id", config.PeerID)
	}
	role := RoleFor(config.PeerID)

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("session", sessionID, "role", role.String())

	gate := config.Gate
	if gate == nil {
		gate = admission.AcceptAll
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	notify := config.Notify
	if notify == nil {
		notify = func(Notification) {}
	}

	engineRole := keyexchange.Encapsulator
	if role == Joiner {
		engineRole = keyexchange.Decapsulator
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		role:              role,
		sessionID:         sessionID,
		peerID:            config.PeerID,
		signals:           signaling.NewChannel(config.Bus, sessionID, logger),
		negotiators:       config.Negotiators,
		verifier:          config.Verifier,
		idToken:           config.IDToken,
		gate:              gate,
		avatar:            config.Avatar,
		clock:             clk,
		logger:            logger,
		notify:            notify,
		handshakeTimeout:  durationOrDefault(config.HandshakeTimeout, DefaultHandshakeTimeout),
		transportTimeout:  durationOrDefault(config.TransportTimeout, DefaultTransportTimeout),
		verifyTimeout:     durationOrDefault(config.VerifyTimeout, DefaultVerifyTimeout),
		maxCryptoFailures: intOrDefault(config.MaxCryptoFailures, DefaultMaxCryptoFailures),
		engine: keyexchange.New(keyexchange.Config{
			Role:   engineRole,
			Scheme: config.Scheme,
			Logger: logger,
		}),
		secure:  securechannel.New(securechannel.Config{}),
		outbox:  serial.New(),
		notices: serial.New(),
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]*pendingPeer),
	}, nil
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value == 0 {
		return fallback
	}
	return value
}

func intOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

// Role returns the local role.
func (c *Coordinator) Role() Role { return c.role }

// SessionID returns the local session id.
func (c *Coordinator) SessionID() string { return c.sessionID }

// PeerID returns the host's session id for a joiner, or "" for a host.
func (c *Coordinator) PeerID() string { return c.peerID }

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the verified identity of the connected peer.
func (c *Coordinator) Peer() (identity.Claims, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt == nil || !c.attempt.verified {
		return identity.Claims{}, false
	}
	return c.attempt.peer, true
}

// Fingerprint returns the safety fingerprint of the current key, or ""
// before the key is derived.
func (c *Coordinator) Fingerprint() string {
	return c.engine.Fingerprint()
}

// Start subscribes to the local signaling channel. A joiner then
// publishes its offer to the host.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	subscription, err := c.signals.Subscribe(ctx, c.handleEnvelope)
	if err != nil {
		return fmt.Errorf("subscribing to signaling channel: %w", err)
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		subscription.Unsubscribe()
		return ErrClosed
	}
	c.subscription = subscription
	c.transitionLocked(EventStart)
	c.mu.Unlock()

	c.logger.Info("session started")
	if c.role == Joiner {
		return c.offer(ctx)
	}
	return nil
}

// Send encrypts text as a chat record and sends it to the peer. The
// returned record is the local copy (IsUser set).
func (c *Coordinator) Send(text string) (protocol.ChatMessage, error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return protocol.ChatMessage{}, ErrClosed
	}
	if c.state != StateReady || c.attempt == nil {
		c.mu.Unlock()
		return protocol.ChatMessage{}, ErrNotReady
	}
	negotiator := c.attempt.negotiator
	message := protocol.NewChatMessage(text, c.avatar, c.clock.Now())
	sealed, err := c.secure.Seal(message)
	c.mu.Unlock()

	if errors.Is(err, securechannel.ErrNotReady) {
		return protocol.ChatMessage{}, ErrNotReady
	}
	if err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("sealing chat message: %w", err)
	}
	raw, err := protocol.EncodeChat(sealed)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if err := negotiator.Send(raw); err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("sending chat message: %w", err)
	}
	return message, nil
}

// Rekey discards the session key and restarts the key exchange on the
// open channel. It returns ErrNotReady unless the session is Ready.
func (c *Coordinator) Rekey() error {
	c.mu.Lock()
	state := c.state
	current := c.attempt
	c.mu.Unlock()

	switch {
	case state == StateClosed:
		return ErrClosed
	case state != StateReady:
		return ErrNotReady
	}
	c.restartHandshake(current, "requested")
	return nil
}

// Close tears the session down. Close is idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	release := c.teardownLocked(EventClose)
	c.mu.Unlock()
	release()
	return nil
}

// transitionLocked applies event and reports whether it was valid. A
// state change is announced with a NotifyState notification.
func (c *Coordinator) transitionLocked(event Event) bool {
	next, ok := Transition(c.role, c.state, event)
	if !ok {
		c.logger.Debug("ignoring event in current state", "event", event.String(), "state", c.state.String())
		return false
	}
	if next != c.state {
		c.logger.Info("session state change", "from", c.state.String(), "to", next.String(), "event", event.String())
		c.state = next
		c.notifyLocked(Notification{Kind: NotifyState, State: next})
	}
	return true
}

func (c *Coordinator) notifyLocked(notification Notification) {
	if notification.Kind != NotifyState {
		notification.State = c.state
	}
	c.notices.Post(func() { c.notify(notification) })
}

// sendLocked queues a signaling envelope for to. Envelopes leave in
// queue order.
func (c *Coordinator) sendLocked(to string, name signaling.MessageType, payload any) {
	c.outbox.Post(func() {
		ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
		defer cancel()
		if err := c.signals.Send(ctx, to, name, payload); err != nil {
			c.logger.Warn("signaling send failed", "peer", to, "name", string(name), "error", err)
		}
	})
}

// teardownLocked moves to Closed and releases everything the session
// holds. The returned function performs the blocking part and must be
// called without c.mu held.
func (c *Coordinator) teardownLocked(event Event) func() {
	if c.state == StateClosed {
		return func() {}
	}
	if !c.transitionLocked(event) {
		c.transitionLocked(EventClose)
	}

	c.transportTimer.Stop()
	c.handshakeTimer.Stop()
	c.cancel()

	subscription := c.subscription
	c.subscription = nil
	var negotiator transport.Negotiator
	if c.attempt != nil {
		negotiator = c.attempt.negotiator
		c.attempt = nil
	}
	clear(c.pending)

	c.engine.Reset()
	c.secure.Clear()
	c.outbox.StopAfterDrain()
	c.notices.StopAfterDrain()
	c.logger.Info("session closed")

	return func() {
		if subscription != nil {
			if err := subscription.Unsubscribe(); err != nil {
				c.logger.Debug("unsubscribing from signaling channel", "error", err)
			}
		}
		if negotiator != nil {
			negotiator.Close()
		}
	}
}

// newAttemptLocked creates a negotiator for peerID whose events are
// bound to the new attempt.
func (c *Coordinator) newAttemptLocked(peerID string) (*attempt, error) {
	current := &attempt{peerID: peerID}
	negotiator, err := c.negotiators(transport.Events{
		OnLocalCandidate: func(candidate *webrtc.ICECandidateInit) { c.handleLocalCandidate(current, candidate) },
		OnStateChange:    func(state transport.ConnectionState) { c.handleConnectionState(current, state) },
		OnChannelOpen:    func() { c.channelOpen(current) },
		OnChannelClose:   func() { c.channelClosed(current) },
		OnMessage:        func(data []byte) { c.handleMessage(current, data) },
	})
	if err != nil {
		return nil, fmt.Errorf("creating transport negotiator: %w", err)
	}
	current.negotiator = negotiator
	c.attempt = current
	return current, nil
}

// publishDescriptorLocked queues the local descriptor, then every held
// local candidate, then starts the transport timeout.
func (c *Coordinator) publishDescriptorLocked(current *attempt, name signaling.MessageType, payload any) {
	c.sendLocked(current.peerID, name, payload)
	current.published = true
	for _, candidate := range current.held {
		c.sendLocked(current.peerID, signaling.MessageICE, candidate)
	}
	current.held = nil

	c.transportTimer.Stop()
	if c.transportTimeout > 0 {
		c.transportTimer = c.clock.AfterFunc(c.transportTimeout, func() { c.transportTimedOut(current) })
	}
}

func (c *Coordinator) handleLocalCandidate(current *attempt, candidate *webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != current || c.state == StateClosed {
		return
	}
	if !current.published {
		if len(current.held) >= maxPendingCandidates {
			c.logger.Warn("dropping local candidate, too many held", "peer", current.peerID)
			return
		}
		current.held = append(current.held, candidate)
		return
	}
	c.sendLocked(current.peerID, signaling.MessageICE, candidate)
}

func (c *Coordinator) handleConnectionState(current *attempt, state transport.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attempt != current || c.state == StateClosed {
		return
	}
	c.logger.Info("transport state change", "peer", current.peerID, "state", state.String())
	c.notifyLocked(Notification{Kind: NotifyConnection, Connection: state})
}

// handleEnvelope routes one signaling envelope. Envelopes arrive
// sequentially.
func (c *Coordinator) handleEnvelope(envelope signaling.Envelope) {
	switch envelope.Name {
	case signaling.MessageOffer:
		c.handleOffer(envelope)
	case signaling.MessageAnswer:
		c.handleAnswer(envelope)
	case signaling.MessageICE:
		c.handleCandidate(envelope)
	case signaling.MessageDeny:
		c.handleDeny(envelope)
	}
}

// handleCandidate forwards a remote candidate to the current attempt's
// negotiator, which queues it until the remote descriptor is set. A
// host buffers candidates from peers it has not admitted yet.
func (c *Coordinator) handleCandidate(envelope signaling.Envelope) {
	candidate, err := envelope.Candidate()
	if err != nil {
		c.logger.Warn("dropping malformed candidate", "peer", envelope.Data.From, "error", err)
		return
	}
	from := envelope.Data.From

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if current := c.attempt; current != nil {
		if current.peerID != from {
			return
		}
		if err := current.negotiator.AddCandidate(candidate); err != nil {
			c.logger.Debug("remote candidate rejected", "peer", from, "error", err)
		}
		return
	}
	if c.role != Host {
		return
	}

	pending := c.pendingLocked(from, false)
	if pending == nil {
		return
	}
	if len(pending.candidates) >= maxPendingCandidates {
		c.logger.Warn("dropping candidate, too many buffered for peer", "peer", from)
		return
	}
	pending.candidates = append(pending.candidates, candidate)
}

// pendingLocked returns the pending entry for peerID, creating it if
// the bound allows. At the bound, offer-less entries idle for
// pendingCandidateTTL are expired first; an offer additionally evicts
// the oldest offer-less entry.
func (c *Coordinator) pendingLocked(peerID string, forOffer bool) *pendingPeer {
	now := c.clock.Now()
	c.lastSeenOrder++
	if pending, ok := c.pending[peerID]; ok {
		pending.lastSeen = now
		pending.seen = c.lastSeenOrder
		return pending
	}
	if len(c.pending) >= maxPendingPeers {
		c.expirePendingLocked(now)
	}
	if len(c.pending) >= maxPendingPeers && forOffer {
		c.evictOldestOfferlessLocked()
	}
	if len(c.pending) >= maxPendingPeers {
		c.logger.Warn("dropping signaling from new peer, too many pending", "peer", peerID)
		return nil
	}
	pending := &pendingPeer{lastSeen: now, seen: c.lastSeenOrder}
	c.pending[peerID] = pending
	return pending
}

func (c *Coordinator) expirePendingLocked(now time.Time) {
	for peerID, pending := range c.pending {
		if pending.offer == nil && now.Sub(pending.lastSeen) >= pendingCandidateTTL {
			c.logger.Debug("expiring candidates from peer without an offer", "peer", peerID, "candidates", len(pending.candidates))
			delete(c.pending, peerID)
		}
	}
}

func (c *Coordinator) evictOldestOfferlessLocked() {
	var oldestID string
	var oldest *pendingPeer
	for peerID, pending := range c.pending {
		if pending.offer != nil {
			continue
		}
		if oldest == nil || pending.seen < oldest.seen {
			oldestID, oldest = peerID, pending
		}
	}
	if oldest != nil {
		c.logger.Info("evicting candidates from peer without an offer", "peer", oldestID, "candidates", len(oldest.candidates))
		delete(c.pending, oldestID)
	}
}

// dropOfferlessLocked clears candidate buffers of peers that never
// offered. Once a peer is admitted they can only be denied.
func (c *Coordinator) dropOfferlessLocked() {
	for peerID, pending := range c.pending {
		if pending.offer == nil {
			delete(c.pending, peerID)
		}
	}
}

// verify checks token within the verify timeout.
func (c *Coordinator) verify(token string) (identity.Claims, error) {
	ctx := c.ctx
	if c.verifyTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.verifyTimeout)
		defer cancel()
	}
	return c.verifier.Verify(ctx, token)
}
