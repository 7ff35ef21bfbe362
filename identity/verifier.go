// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/bureau-foundation/pqchat/lib/clock"
)

// DefaultFreshnessWindow bounds how old a token's issued-at may be.
const DefaultFreshnessWindow = time.Hour

// DefaultLeeway is the clock skew tolerance for time-based checks.
const DefaultLeeway = 30 * time.Second

// DefaultAlgorithms are the signature algorithms accepted when the
// configuration names none.
var DefaultAlgorithms = []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.EdDSA}

// Errors returned by Verify.
var (
	ErrMalformedToken    = errors.New("identity: malformed token")
	ErrUnknownKey        = errors.New("identity: signing key not in issuer key set")
	ErrInvalidSignature  = errors.New("identity: invalid signature")
	ErrIssuerMismatch    = errors.New("identity: issuer does not match")
	ErrAudienceMismatch  = errors.New("identity: audience does not match")
	ErrTokenExpired      = errors.New("identity: token has expired")
	ErrTokenNotYetValid  = errors.New("identity: token is not yet valid")
	ErrTokenStale        = errors.New("identity: token issued outside freshness window")
	ErrKeySetUnavailable = errors.New("identity: issuer key set unavailable")
)

// Claims are the verified claims of an id token.
type Claims struct {
	Issuer        string
	Subject       string
	Email         string
	EmailVerified bool
	Nickname      string
	Name          string
	Picture       string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

// DisplayName returns the most human-friendly identifier available:
// email, then nickname, then name, then subject.
func (c Claims) DisplayName() string {
	for _, candidate := range []string{c.Email, c.Nickname, c.Name} {
		if candidate != "" {
			return candidate
		}
	}
	return c.Subject
}

// profileClaims are the OpenID Connect standard claims we read.
type profileClaims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Nickname      string `json:"nickname"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Config configures a Verifier.
type Config struct {
	// Issuer is the exact expected "iss" value.
	Issuer string

	// Audience must appear in the token's "aud".
	Audience string

	// Keys resolves signing keys.
	Keys KeySource

	// FreshnessWindow bounds token age. Zero selects
	// DefaultFreshnessWindow.
	FreshnessWindow time.Duration

	// Leeway is the clock skew tolerance. Zero selects DefaultLeeway;
	// use a negative value for no leeway.
	Leeway time.Duration

	// Algorithms restricts accepted signature algorithms. Nil selects
	// DefaultAlgorithms.
	Algorithms []jose.SignatureAlgorithm

	// Clock supplies the current time. Nil selects the real clock.
	Clock clock.Clock
}

// Verifier checks id tokens against one issuer and audience. Verifiers
// are safe for concurrent use.
type Verifier struct {
	issuer          string
	audience        string
	keys            KeySource
	freshnessWindow time.Duration
	leeway          time.Duration
	algorithms      []jose.SignatureAlgorithm
	clock           clock.Clock
}

// NewVerifier validates config and creates a Verifier.
func NewVerifier(config Config) (*Verifier, error) {
	if config.Issuer == "" {
		return nil, fmt.Errorf("identity: issuer is required")
	}
	if config.Audience == "" {
		return nil, fmt.Errorf("identity: audience is required")
	}
	if config.Keys == nil {
		return nil, fmt.Errorf("identity: key source is required")
	}

	verifier := &Verifier{
		issuer:          config.Issuer,
		audience:        config.Audience,
		keys:            config.Keys,
		freshnessWindow: config.FreshnessWindow,
		leeway:          config.Leeway,
		algorithms:      config.Algorithms,
		clock:           config.Clock,
	}
	if verifier.freshnessWindow <= 0 {
		verifier.freshnessWindow = DefaultFreshnessWindow
	}
	switch {
	case verifier.leeway == 0:
		verifier.leeway = DefaultLeeway
	case verifier.leeway < 0:
		verifier.leeway = 0
	}
	if len(verifier.algorithms) == 0 {
		verifier.algorithms = DefaultAlgorithms
	}
	if verifier.clock == nil {
		verifier.clock = clock.Real()
	}
	return verifier, nil
}

// Verify checks token and returns its claims. Every failure wraps one
// of the package sentinel errors.
func (v *Verifier) Verify(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}
	parsed, err := jwt.ParseSigned(token, v.algorithms)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if len(parsed.Headers) != 1 {
		return Claims{}, fmt.Errorf("%w: expected one signature, got %d", ErrMalformedToken, len(parsed.Headers))
	}
	header := parsed.Headers[0]

	key, err := v.keys.Key(ctx, header.KeyID)
	if err != nil {
		return Claims{}, err
	}
	if key.Algorithm != "" && key.Algorithm != header.Algorithm {
		return Claims{}, fmt.Errorf("%w: key %q is for %s, token uses %s", ErrInvalidSignature, key.KeyID, key.Algorithm, header.Algorithm)
	}

	var registered jwt.Claims
	var profile profileClaims
	if err := parsed.Claims(key.Key, &registered, &profile); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	now := v.clock.Now()
	if registered.Expiry == nil {
		return Claims{}, fmt.Errorf("%w: missing exp", ErrMalformedToken)
	}
	if registered.IssuedAt == nil {
		return Claims{}, fmt.Errorf("%w: missing iat", ErrMalformedToken)
	}
	expected := jwt.Expected{
		Issuer:      v.issuer,
		AnyAudience: jwt.Audience{v.audience},
		Time:        now,
	}
	if err := registered.ValidateWithLeeway(expected, v.leeway); err != nil {
		return Claims{}, mapValidationError(err)
	}

	issuedAt := registered.IssuedAt.Time()
	if age := now.Sub(issuedAt); age > v.freshnessWindow+v.leeway {
		return Claims{}, fmt.Errorf("%w: issued %s ago", ErrTokenStale, age.Truncate(time.Second))
	}

	return Claims{
		Issuer:        registered.Issuer,
		Subject:       registered.Subject,
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		Nickname:      profile.Nickname,
		Name:          profile.Name,
		Picture:       profile.Picture,
		IssuedAt:      issuedAt,
		ExpiresAt:     registered.Expiry.Time(),
	}, nil
}

func mapValidationError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrInvalidAudience):
		return ErrAudienceMismatch
	case errors.Is(err, jwt.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, jwt.ErrNotValidYet), errors.Is(err, jwt.ErrIssuedInTheFuture):
		return ErrTokenNotYetValid
	default:
		return fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
}
