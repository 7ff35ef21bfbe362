// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport negotiates the direct peer-to-peer byte stream that
// carries a chat session.
//
// A [Negotiator] produces and consumes transport descriptors
// (offer/answer) and trickled ICE candidates. The signaling layer moves
// those between peers; this package never talks to the relay. Local
// candidates are reported through [Events.OnLocalCandidate] as they are
// discovered, with a nil candidate marking the end of gathering.
//
// Remote candidates that arrive before the remote descriptor is set are
// held in a FIFO queue. Setting the descriptor flushes the queue in
// receipt order and discards it, so later candidates are applied
// directly.
//
// The production implementation, [PeerNegotiator], uses pion/webrtc
// with a single ordered data channel labelled [ChannelLabel]. The
// offering side (the joiner) creates the channel. The channel is
// detached from pion's callback API and read on a dedicated goroutine,
// so [Events.OnMessage] is called sequentially in arrival order.
//
// [MemoryNetwork] connects negotiators in-process for tests. It follows
// the same descriptor and candidate rules, and only opens the channel
// once both sides hold a remote descriptor and at least one remote
// candidate.
//
// [ICEConfig] holds STUN/TURN server configuration; [ICEConfigFromConfig]
// builds it from the YAML configuration.
package transport
