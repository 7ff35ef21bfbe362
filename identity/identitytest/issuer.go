// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identitytest provides an in-process id token issuer for
// tests. It mints ES256-signed tokens and serves its key set the way a
// real OpenID provider publishes /.well-known/jwks.json.
package identitytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/bureau-foundation/pqchat/identity"
)

// Token describes the claims of a minted token. Zero fields take the
// issuer's defaults.
type Token struct {
	Subject  string
	Email    string
	Nickname string
	Picture  string

	// Issuer and Audience override the issuer's own values, for
	// minting deliberately mismatched tokens.
	Issuer   string
	Audience string

	// IssuedAt defaults to Now; Lifetime defaults to one hour.
	IssuedAt time.Time
	Lifetime time.Duration

	// OmitKeyID mints a token without a kid header.
	OmitKeyID bool
}

// Issuer signs tokens with a private ES256 key.
type Issuer struct {
	issuer   string
	audience string
	keyID    string
	key      *ecdsa.PrivateKey
	now      func() time.Time

	fetches atomic.Int64
}

// New creates an issuer with a fresh key. now supplies the default
// issued-at time; nil selects time.Now.
func New(issuer, audience, keyID string, now func() time.Time) (*Issuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating issuer key: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{issuer: issuer, audience: audience, keyID: keyID, key: key, now: now}, nil
}

// IssuerURL returns the iss value of minted tokens.
func (i *Issuer) IssuerURL() string { return i.issuer }

// Audience returns the aud value of minted tokens.
func (i *Issuer) Audience() string { return i.audience }

// KeySet returns the public key set.
func (i *Issuer) KeySet() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &i.key.PublicKey,
		KeyID:     i.keyID,
		Algorithm: string(jose.ES256),
		Use:       "sig",
	}}}
}

// Keys returns a static key source holding the public key.
func (i *Issuer) Keys() identity.KeySource {
	return identity.StaticKeys(i.KeySet())
}

// Verifier returns a verifier for this issuer's tokens.
func (i *Issuer) Verifier(config identity.Config) (*identity.Verifier, error) {
	config.Issuer = i.issuer
	config.Audience = i.audience
	if config.Keys == nil {
		config.Keys = i.Keys()
	}
	return identity.NewVerifier(config)
}

// Mint signs a token.
func (i *Issuer) Mint(token Token) (string, error) {
	signingKey := jose.JSONWebKey{Key: i.key, KeyID: i.keyID}
	if token.OmitKeyID {
		signingKey.KeyID = ""
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: signingKey},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", fmt.Errorf("creating signer: %w", err)
	}

	issuedAt := token.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = i.now()
	}
	lifetime := token.Lifetime
	if lifetime == 0 {
		lifetime = time.Hour
	}
	issuer := token.Issuer
	if issuer == "" {
		issuer = i.issuer
	}
	audience := token.Audience
	if audience == "" {
		audience = i.audience
	}
	subject := token.Subject
	if subject == "" {
		subject = "user|" + token.Email
	}

	registered := jwt.Claims{
		Issuer:   issuer,
		Subject:  subject,
		Audience: jwt.Audience{audience},
		IssuedAt: jwt.NewNumericDate(issuedAt),
		Expiry:   jwt.NewNumericDate(issuedAt.Add(lifetime)),
	}
	profile := map[string]any{
		"email":          token.Email,
		"email_verified": token.Email != "",
		"nickname":       token.Nickname,
		"picture":        token.Picture,
	}
	return jwt.Signed(signer).Claims(registered).Claims(profile).Serialize()
}

// MustMint is Mint for test setup, panicking on failure.
func (i *Issuer) MustMint(token Token) string {
	minted, err := i.Mint(token)
	if err != nil {
		panic(err)
	}
	return minted
}

// Fetches returns how many times the JWKS handler has been served.
func (i *Issuer) Fetches() int64 { return i.fetches.Load() }

// ServeHTTP serves the public key set as a JWKS document.
func (i *Issuer) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		http.Error(writer, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	i.fetches.Add(1)
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(i.KeySet())
}
