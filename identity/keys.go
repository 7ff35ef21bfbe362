// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/bureau-foundation/pqchat/lib/clock"
)

// KeySource resolves the public key an issuer signed with.
type KeySource interface {
	// Key returns the key with the given id. An empty id selects the
	// only key when the set holds exactly one. Unknown ids return an
	// error wrapping ErrUnknownKey.
	Key(ctx context.Context, keyID string) (jose.JSONWebKey, error)
}

// StaticKeys is a fixed key set.
type StaticKeys jose.JSONWebKeySet

// Key implements KeySource.
func (s StaticKeys) Key(_ context.Context, keyID string) (jose.JSONWebKey, error) {
	set := jose.JSONWebKeySet(s)
	return lookup(&set, keyID)
}

func lookup(set *jose.JSONWebKeySet, keyID string) (jose.JSONWebKey, error) {
	if keyID == "" {
		if len(set.Keys) == 1 {
			return set.Keys[0], nil
		}
		return jose.JSONWebKey{}, fmt.Errorf("%w: token has no kid and key set holds %d keys", ErrUnknownKey, len(set.Keys))
	}
	matches := set.Key(keyID)
	if len(matches) == 0 {
		return jose.JSONWebKey{}, fmt.Errorf("%w: kid %q", ErrUnknownKey, keyID)
	}
	return matches[0], nil
}

// maxKeySetSize bounds a fetched JWKS document.
const maxKeySetSize = 1 << 20

// DefaultRefresh is how long a fetched key set is trusted.
const DefaultRefresh = 10 * time.Minute

// minRefetchInterval rate-limits refetches triggered by unknown key ids,
// so a stream of tokens with random kids cannot hammer the issuer.
const minRefetchInterval = 30 * time.Second

// RemoteKeysConfig configures a RemoteKeys source.
type RemoteKeysConfig struct {
	// URL of the issuer's JWKS document.
	URL string

	// Client performs the fetch. Nil selects http.DefaultClient.
	Client *http.Client

	// Refresh is how long a fetched set is cached. Zero selects
	// DefaultRefresh.
	Refresh time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// RemoteKeys fetches and caches an issuer's published key set.
type RemoteKeys struct {
	url     string
	client  *http.Client
	refresh time.Duration
	clock   clock.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	set       jose.JSONWebKeySet
	fetchedAt time.Time
}

// NewRemoteKeys creates a key source. No fetch happens until the first
// lookup.
func NewRemoteKeys(config RemoteKeysConfig) *RemoteKeys {
	remote := &RemoteKeys{
		url:     config.URL,
		client:  config.Client,
		refresh: config.Refresh,
		clock:   config.Clock,
		logger:  config.Logger,
	}
	if remote.client == nil {
		remote.client = http.DefaultClient
	}
	if remote.refresh <= 0 {
		remote.refresh = DefaultRefresh
	}
	if remote.clock == nil {
		remote.clock = clock.Real()
	}
	if remote.logger == nil {
		remote.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return remote
}

// Key implements KeySource.
func (r *RemoteKeys) Key(ctx context.Context, keyID string) (jose.JSONWebKey, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.fetchedAt.IsZero() || now.Sub(r.fetchedAt) >= r.refresh {
		if err := r.fetchLocked(ctx); err != nil {
			if r.fetchedAt.IsZero() {
				return jose.JSONWebKey{}, err
			}
			r.logger.Warn("key set refresh failed, using cached keys", "url", r.url, "error", err)
		}
	}

	key, err := lookup(&r.set, keyID)
	if err == nil || keyID == "" || now.Sub(r.fetchedAt) < minRefetchInterval {
		return key, err
	}

	// The issuer may have rotated keys since the last fetch.
	if fetchErr := r.fetchLocked(ctx); fetchErr != nil {
		r.logger.Warn("key set refetch failed", "url", r.url, "error", fetchErr)
		return jose.JSONWebKey{}, err
	}
	return lookup(&r.set, keyID)
}

func (r *RemoteKeys) fetchLocked(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	request.Header.Set("Accept", "application/json")

	response, err := r.client.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrKeySetUnavailable, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %s", ErrKeySetUnavailable, r.url, response.Status)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(response.Body, maxKeySetSize)).Decode(&set); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrKeySetUnavailable, r.url, err)
	}

	r.set = set
	r.fetchedAt = r.clock.Now()
	r.logger.Debug("fetched issuer key set", "url", r.url, "keys", len(set.Keys))
	return nil
}
