// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signaling carries connection negotiation messages between two
// peers through a relay that neither peer trusts with plaintext.
//
// The relay is modeled as a named-channel publish/subscribe [Bus]. Each
// participant subscribes to the channel named after its own session id
// ("signaling:<id>") and publishes to the channel of the peer it is
// talking to. [Channel] wraps a Bus with that addressing and stamps the
// sender id into every [Envelope].
//
// Four message types exist: rtc:offer, rtc:answer, rtc:ice and
// rtc:deny. Offers and answers carry a transport descriptor plus the
// sender's id token; ice carries one candidate or null for
// end-of-candidates; deny carries an empty object.
//
// Delivery is in publish order per sender and arbitrary across senders,
// and may duplicate. Consumers apply descriptors idempotently and buffer
// early candidates; this package does not deduplicate.
//
// Implementations:
//
//   - [MemoryBus]: in-process, for tests and embedding
//   - [WebSocketBus]: client of a relay reached over WebSocket
//   - [RelayServer]: the WebSocket relay itself, an http.Handler
package signaling
