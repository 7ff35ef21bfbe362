// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity verifies the bearer id tokens peers attach to
// connection offers and answers.
//
// Tokens are OpenID Connect id tokens: compact JWS with registered
// claims plus profile claims (email, nickname, picture). A [Verifier]
// checks, in order:
//
//   - the token parses and uses an allowed signature algorithm
//   - the signing key is present in the issuer's key set ([KeySource])
//   - the signature verifies
//   - issuer and audience match the configuration
//   - the token has not expired
//   - the issued-at time lies within the freshness window
//
// The freshness window (one hour by default) stops a captured offer
// from being replayed long after the user signed in, even if the
// issuer hands out long-lived tokens.
//
// Every failure is reported as one of the sentinel errors below;
// callers treat any error as "not valid" and drop the message without
// replying. Keys come either from a fixed set ([StaticKeys]) or from
// the issuer's published JWKS document ([RemoteKeys]), which is cached
// and refetched when an unknown key id appears.
package identity
