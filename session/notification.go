// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/bureau-foundation/pqchat/identity"
	"github.com/bureau-foundation/pqchat/protocol"
	"github.com/bureau-foundation/pqchat/transport"
)

// NotificationKind classifies a Notification.
type NotificationKind int

const (
	// NotifyState reports a state change; State is set.
	NotifyState NotificationKind = iota
	// NotifyConnection reports a transport connectivity change;
	// Connection is set.
	NotifyConnection
	// NotifyReady reports a derived key; Fingerprint and Peer are set.
	NotifyReady
	// NotifyRekeying reports a restarted handshake.
	NotifyRekeying
	// NotifyMessage delivers a decrypted chat record; Message is set.
	NotifyMessage
	// NotifyDenied reports that the host refused this joiner.
	NotifyDenied
	// NotifyPeerLeft reports that the data channel closed; Peer is set
	// when the peer's identity was verified.
	NotifyPeerLeft
	// NotifyTimeout reports an abandoned connection attempt or
	// handshake; Reason is set.
	NotifyTimeout
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyState:
		return "state"
	case NotifyConnection:
		return "connection"
	case NotifyReady:
		return "ready"
	case NotifyRekeying:
		return "rekeying"
	case NotifyMessage:
		return "message"
	case NotifyDenied:
		return "denied"
	case NotifyPeerLeft:
		return "peer-left"
	case NotifyTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Notification is a user-visible session event. It never carries raw
// error detail.
type Notification struct {
	Kind        NotificationKind
	State       State
	Connection  transport.ConnectionState
	Peer        identity.Claims
	Fingerprint string
	Message     protocol.ChatMessage
	Reason      string
}
