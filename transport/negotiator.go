// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ChannelLabel is the label of the chat data channel.
const ChannelLabel = "chatChannel"

// MaxMessageSize bounds a single data channel message.
const MaxMessageSize = 256 << 10

var (
	// ErrClosed is returned by operations on a closed negotiator.
	ErrClosed = errors.New("transport: negotiator closed")

	// ErrNotOpen is returned by Send before the data channel opens.
	ErrNotOpen = errors.New("transport: data channel not open")

	// ErrCandidateQueueFull is returned when too many remote candidates
	// arrive before the remote descriptor.
	ErrCandidateQueueFull = errors.New("transport: too many queued candidates")

	// ErrMessageTooLarge is returned by Send for oversized messages.
	ErrMessageTooLarge = errors.New("transport: message too large")
)

// ConnectionState is the connectivity state of a negotiated peer
// connection.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Events receives notifications from a Negotiator. Nil fields are
// ignored. Callbacks may run on internal goroutines and must not call
// Close synchronously on the negotiator that invoked them.
type Events struct {
	// OnLocalCandidate reports a locally discovered candidate. A nil
	// candidate marks the end of gathering.
	OnLocalCandidate func(candidate *webrtc.ICECandidateInit)

	// OnStateChange reports connection state transitions.
	OnStateChange func(state ConnectionState)

	// OnChannelOpen is called once when the data channel is ready.
	OnChannelOpen func()

	// OnChannelClose is called once when an open data channel closes
	// for any reason other than a local Close.
	OnChannelClose func()

	// OnMessage delivers one data channel message. Messages are
	// delivered sequentially in arrival order.
	OnMessage func(data []byte)
}

func (e Events) localCandidate(candidate *webrtc.ICECandidateInit) {
	if e.OnLocalCandidate != nil {
		e.OnLocalCandidate(candidate)
	}
}

func (e Events) stateChange(state ConnectionState) {
	if e.OnStateChange != nil {
		e.OnStateChange(state)
	}
}

func (e Events) channelOpen() {
	if e.OnChannelOpen != nil {
		e.OnChannelOpen()
	}
}

func (e Events) channelClose() {
	if e.OnChannelClose != nil {
		e.OnChannelClose()
	}
}

func (e Events) message(data []byte) {
	if e.OnMessage != nil {
		e.OnMessage(data)
	}
}

// Negotiator drives one peer connection from descriptor exchange to an
// open data channel.
type Negotiator interface {
	// CreateOffer creates the data channel and returns the local offer.
	// Used by the joiner.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)

	// AcceptOffer sets the remote offer, flushes queued candidates and
	// returns the local answer. Used by the host.
	AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

	// AcceptAnswer sets the remote answer and flushes queued candidates.
	AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) error

	// AddCandidate applies a remote candidate, or queues it when the
	// remote descriptor is not set yet. A nil candidate marks the end
	// of the remote peer's candidates.
	AddCandidate(candidate *webrtc.ICECandidateInit) error

	// Send writes one message on the data channel.
	Send(data []byte) error

	// Close tears down the connection. No events are delivered after
	// Close returns. Close is idempotent.
	Close() error
}

// Factory creates a Negotiator that reports to events.
type Factory func(events Events) (Negotiator, error)
