// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// PeerIDParameter is the query parameter of a share link that carries
// the host's session id.
const PeerIDParameter = "peerId"

// Role is a participant's side of a session.
type Role int

const (
	// Host created the session and hands out the share link. The host
	// answers offers, admits peers and encapsulates the session key.
	Host Role = iota
	// Joiner arrived through a share link. The joiner offers, creates
	// the data channel and decapsulates the session key.
	Joiner
)

func (r Role) String() string {
	switch r {
	case Host:
		return "host"
	case Joiner:
		return "joiner"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// RoleFor returns the role implied by a peer id: none means host.
func RoleFor(peerID string) Role {
	if peerID == "" {
		return Host
	}
	return Joiner
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// ParseJoinURL extracts the host's session id from a share link. A link
// without the parameter yields "" (host role).
func ParseJoinURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing join URL: %w", err)
	}
	return parsed.Query().Get(PeerIDParameter), nil
}

// ShareURL returns the link a joiner opens to reach sessionID.
func ShareURL(base, sessionID string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing share base URL: %w", err)
	}
	query := parsed.Query()
	query.Set(PeerIDParameter, sessionID)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
