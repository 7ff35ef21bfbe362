// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "fmt"

// State is the coordinator's position in the session lifecycle.
type State int

const (
	StateIdle State = iota
	// StateAwaitingTransport: waiting for an offer (host) or for the
	// data channel to open.
	StateAwaitingTransport
	// StateAwaitingAdmission: at least one verified peer awaits a
	// decision (host only).
	StateAwaitingAdmission
	// StateAwaitingKeyExchange: the data channel is open and the key
	// is not derived yet.
	StateAwaitingKeyExchange
	// StateReady: chat is possible.
	StateReady
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingTransport:
		return "awaiting-transport"
	case StateAwaitingAdmission:
		return "awaiting-admission"
	case StateAwaitingKeyExchange:
		return "awaiting-key-exchange"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event drives a state transition.
type Event int

const (
	EventStart Event = iota
	// EventOfferVerified: a peer's offer passed identity checks and
	// went to review.
	EventOfferVerified
	// EventReviewsSettled: no review is pending and no peer is admitted.
	EventReviewsSettled
	// EventAdmitted: a reviewed peer was accepted.
	EventAdmitted
	// EventDenied: the host refused this joiner.
	EventDenied
	EventChannelOpen
	EventKeyDerived
	// EventRekey: the handshake restarts on an open channel.
	EventRekey
	EventChannelClosed
	EventTimeout
	EventClose
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventOfferVerified:
		return "offer-verified"
	case EventReviewsSettled:
		return "reviews-settled"
	case EventAdmitted:
		return "admitted"
	case EventDenied:
		return "denied"
	case EventChannelOpen:
		return "channel-open"
	case EventKeyDerived:
		return "key-derived"
	case EventRekey:
		return "rekey"
	case EventChannelClosed:
		return "channel-closed"
	case EventTimeout:
		return "timeout"
	case EventClose:
		return "close"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Transition returns the state reached from `from` on event for role,
// and false when the event is not valid there. It has no side effects.
func Transition(role Role, from State, event Event) (State, bool) {
	if from == StateClosed {
		return StateClosed, false
	}
	switch event {
	case EventClose:
		return StateClosed, true
	case EventStart:
		if from == StateIdle {
			return StateAwaitingTransport, true
		}
	case EventOfferVerified:
		if role == Host && (from == StateAwaitingTransport || from == StateAwaitingAdmission) {
			return StateAwaitingAdmission, true
		}
	case EventReviewsSettled, EventAdmitted:
		if role == Host && (from == StateAwaitingAdmission || from == StateAwaitingTransport) {
			return StateAwaitingTransport, true
		}
	case EventDenied:
		if role == Joiner && from == StateAwaitingTransport {
			return StateClosed, true
		}
	case EventChannelOpen:
		if from == StateAwaitingTransport || from == StateAwaitingAdmission {
			return StateAwaitingKeyExchange, true
		}
	case EventKeyDerived:
		if from == StateAwaitingKeyExchange {
			return StateReady, true
		}
	case EventRekey:
		if from == StateReady || from == StateAwaitingKeyExchange {
			return StateAwaitingKeyExchange, true
		}
	case EventChannelClosed:
		if from == StateAwaitingKeyExchange || from == StateReady {
			return StateClosed, true
		}
	case EventTimeout:
		if from != StateIdle {
			return StateClosed, true
		}
	}
	return from, false
}
