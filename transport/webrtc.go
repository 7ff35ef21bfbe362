// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// PeerConfig configures a PeerNegotiator.
type PeerConfig struct {
	// ICE lists the STUN/TURN servers used for candidate gathering.
	ICE ICEConfig

	// Logger receives connection diagnostics. Nil discards.
	Logger *slog.Logger
}

// PeerNegotiator implements Negotiator over a pion PeerConnection with
// trickle ICE and one detached data channel.
type PeerNegotiator struct {
	connection *webrtc.PeerConnection
	events     Events
	logger     *slog.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   candidateQueue
	channel   *messageChannel
	opened    bool

	// closed is read without mu on pion callback goroutines.
	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Negotiator = (*PeerNegotiator)(nil)

// NewPeerFactory returns a Factory producing PeerNegotiators.
func NewPeerFactory(config PeerConfig) Factory {
	return func(events Events) (Negotiator, error) {
		return NewPeerNegotiator(config, events)
	}
}

// NewPeerNegotiator creates a PeerConnection and registers its
// callbacks. Gathering starts when the local description is set.
func NewPeerNegotiator(config PeerConfig, events Events) (*PeerNegotiator, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	// Detached channels give a message-oriented ReadWriteCloser with a
	// dedicated reader. Loopback candidates let two peers on one host
	// connect when loopback is the only interface.
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	connection, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: config.ICE.Servers,
	})
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	n := &PeerNegotiator{
		connection: connection,
		events:     events,
		logger:     logger,
	}

	connection.OnICECandidate(n.handleLocalCandidate)
	connection.OnConnectionStateChange(n.handleStateChange)
	connection.OnDataChannel(n.handleInboundDataChannel)
	return n, nil
}

// CreateOffer creates the chat data channel and returns the local offer.
func (n *PeerNegotiator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := n.checkOpen(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}

	ordered := true
	dataChannel, err := n.connection.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating data channel: %w", err)
	}
	n.attach(dataChannel)

	offer, err := n.connection.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating SDP offer: %w", err)
	}
	if err := n.connection.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	n.logger.Debug("offer created")
	return offer, nil
}

// AcceptOffer sets the remote offer, flushes queued candidates and
// returns the local answer.
func (n *PeerNegotiator) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := n.checkOpen(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("descriptor type %s is not an offer", offer.Type)
	}
	if err := n.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := n.connection.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("creating SDP answer: %w", err)
	}
	if err := n.connection.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("setting local description: %w", err)
	}
	n.logger.Debug("answer created")
	return answer, nil
}

// AcceptAnswer sets the remote answer and flushes queued candidates.
func (n *PeerNegotiator) AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := n.checkOpen(ctx); err != nil {
		return err
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("descriptor type %s is not an answer", answer.Type)
	}
	return n.setRemote(answer)
}

// AddCandidate applies a remote candidate or queues it until the remote
// descriptor is set.
func (n *PeerNegotiator) AddCandidate(candidate *webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed.Load() {
		return ErrClosed
	}
	if !n.remoteSet {
		return n.pending.push(candidate)
	}
	return n.applyLocked(candidate)
}

// Send writes one text message on the data channel.
func (n *PeerNegotiator) Send(data []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	n.mu.Lock()
	channel := n.channel
	opened := n.opened
	n.mu.Unlock()

	if !opened || channel == nil {
		return ErrNotOpen
	}
	return channel.send(data)
}

// Close closes the data channel and the PeerConnection.
func (n *PeerNegotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed.Store(true)
		channel := n.channel
		n.pending.drain()
		n.mu.Unlock()

		if channel != nil {
			channel.close()
		}
		err = n.connection.Close()
	})
	return err
}

func (n *PeerNegotiator) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.closed.Load() {
		return ErrClosed
	}
	return nil
}

// setRemote sets the remote description, then applies every queued
// candidate in receipt order. Candidates arriving during the flush
// queue behind it because remoteSet flips under the same lock.
func (n *PeerNegotiator) setRemote(description webrtc.SessionDescription) error {
	if err := n.connection.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("setting remote description: %w", err)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed.Load() {
		return ErrClosed
	}
	n.remoteSet = true
	queued := n.pending.drain()
	for _, candidate := range queued {
		if err := n.applyLocked(candidate); err != nil {
			n.logger.Warn("discarding queued remote candidate", "error", err)
		}
	}
	if len(queued) > 0 {
		n.logger.Debug("flushed queued remote candidates", "count", len(queued))
	}
	return nil
}

func (n *PeerNegotiator) applyLocked(candidate *webrtc.ICECandidateInit) error {
	// An empty candidate string is pion's end-of-candidates marker.
	value := webrtc.ICECandidateInit{}
	if candidate != nil {
		value = *candidate
	}
	if err := n.connection.AddICECandidate(value); err != nil {
		return fmt.Errorf("adding remote candidate: %w", err)
	}
	return nil
}

func (n *PeerNegotiator) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if n.isClosed() {
		return
	}
	if candidate == nil {
		n.logger.Debug("local candidate gathering complete")
		n.events.localCandidate(nil)
		return
	}
	value := candidate.ToJSON()
	n.events.localCandidate(&value)
}

func (n *PeerNegotiator) handleStateChange(state webrtc.PeerConnectionState) {
	n.logger.Info("peer connection state change", "state", state.String())
	if n.isClosed() {
		return
	}

	mapped := mapConnectionState(state)
	n.events.stateChange(mapped)

	if mapped == StateFailed || mapped == StateClosed {
		n.channelClosed()
	}
}

func mapConnectionState(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// handleInboundDataChannel accepts the chat channel created by the
// offering peer and rejects any other label.
func (n *PeerNegotiator) handleInboundDataChannel(dataChannel *webrtc.DataChannel) {
	if dataChannel.Label() != ChannelLabel {
		n.logger.Warn("rejecting unexpected data channel", "label", dataChannel.Label())
		dataChannel.OnOpen(func() { dataChannel.Close() })
		return
	}
	n.attach(dataChannel)
}

// attach detaches dataChannel when it opens and starts its reader.
func (n *PeerNegotiator) attach(dataChannel *webrtc.DataChannel) {
	dataChannel.OnOpen(func() {
		raw, err := dataChannel.Detach()
		if err != nil {
			n.logger.Error("detaching data channel failed", "error", err)
			return
		}
		channel := newMessageChannel(raw)

		n.mu.Lock()
		if n.closed.Load() || n.channel != nil {
			n.mu.Unlock()
			channel.close()
			return
		}
		n.channel = channel
		n.opened = true
		n.mu.Unlock()

		n.logger.Info("data channel opened", "label", dataChannel.Label())
		n.events.channelOpen()
		go n.readLoop(channel)
	})
}

func (n *PeerNegotiator) readLoop(channel *messageChannel) {
	err := channel.readLoop(func(data []byte) {
		if n.isClosed() {
			return
		}
		n.events.message(data)
	})
	if n.isClosed() {
		return
	}
	if errors.Is(err, io.EOF) {
		n.logger.Info("data channel closed by peer")
	} else {
		n.logger.Warn("data channel read failed", "error", err)
	}
	channel.close()
	n.channelClosed()
}

// channelClosed reports OnChannelClose once, and only for a channel
// that had opened.
func (n *PeerNegotiator) channelClosed() {
	n.mu.Lock()
	if !n.opened || n.closed.Load() {
		n.mu.Unlock()
		return
	}
	n.opened = false
	n.mu.Unlock()
	n.events.channelClose()
}

func (n *PeerNegotiator) isClosed() bool {
	return n.closed.Load()
}
