// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

// Op is the operation of a relay frame.
type Op string

const (
	// Client to relay.
	OpSubscribe   Op = "subscribe"
	OpUnsubscribe Op = "unsubscribe"
	OpPublish     Op = "publish"

	// Relay to client.
	OpSubscribed Op = "subscribed"
	OpMessage    Op = "message"
	OpError      Op = "error"
)

// Frame is one WebSocket message between a client and the relay.
type Frame struct {
	Op       Op        `json:"op"`
	Channel  string    `json:"channel,omitempty"`
	Envelope *Envelope `json:"envelope,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// maxFrameSize bounds a single relay frame. Offers carry full SDP
// descriptors, which stay well under this.
const maxFrameSize = 512 * 1024
