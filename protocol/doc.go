// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages exchanged over the peer data
// channel once transport negotiation has completed.
//
// Every data channel message is a JSON [Envelope] tagged with one of
// three types:
//
//   - "pk": a KEM public key ([PublicKeyData])
//   - "sharedSecret": a KEM ciphertext ([SharedSecretData]), never the
//     shared secret itself
//   - "chat": an AEAD-sealed [ChatMessage] ([ChatData])
//
// Binary fields are standard base64 so that browser peers using
// btoa/atob interoperate. [ChatMessage] is the plaintext record sealed
// inside a chat envelope; its IsUser flag is local display state and
// is never serialized.
package protocol
