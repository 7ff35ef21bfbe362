// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package session coordinates one two-party chat session end to end.
//
// A [Coordinator] owns the whole lifecycle: it subscribes to its
// signaling channel, negotiates a peer-to-peer data channel, runs the
// post-quantum key exchange over it and then seals and opens chat
// records. The role follows from the configuration alone: a
// coordinator given the host's session id joins it; one without
// creates a session and hands out a share link built by [ShareURL].
//
// The host verifies every offer's identity token before anything
// reaches the admission gate. Offers with invalid tokens are dropped
// without a response. Verified peers are reviewed by an
// [admission.Gate]; the first accepted peer gets an answer and every
// later one is denied. Remote ICE candidates that arrive before the
// offer is accepted are buffered per peer and applied in receipt
// order.
//
// Lifecycle transitions are a pure function, [Transition], so the
// table can be tested without a network. Notifications reach the
// caller in order through [Config.Notify] and never carry raw error
// detail.
package session
