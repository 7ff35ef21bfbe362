// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bureau-foundation/pqchat/identity"
	"github.com/bureau-foundation/pqchat/lib/config"
)

// Decision is the outcome of a review.
type Decision int

const (
	// Deny refuses the peer. The zero value, so an unanswered review
	// never admits anyone.
	Deny Decision = iota
	// Accept admits the peer.
	Accept
)

func (d Decision) String() string {
	switch d {
	case Accept:
		return "accept"
	case Deny:
		return "deny"
	default:
		return fmt.Sprintf("Decision(%d)", int(d))
	}
}

// Request describes a peer asking to join.
type Request struct {
	// PeerID is the requester's session id.
	PeerID string

	// Claims is the requester's verified identity.
	Claims identity.Claims

	// ReceivedAt is when the offer arrived.
	ReceivedAt time.Time
}

// Gate reviews join requests.
type Gate interface {
	// Review returns the decision for request. An error means no
	// decision was reached (for example ctx was cancelled) and is
	// treated as Deny by callers.
	Review(ctx context.Context, request Request) (Decision, error)
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(ctx context.Context, request Request) (Decision, error)

func (f GateFunc) Review(ctx context.Context, request Request) (Decision, error) {
	return f(ctx, request)
}

// AcceptAll admits every peer.
var AcceptAll Gate = GateFunc(func(context.Context, Request) (Decision, error) {
	return Accept, nil
})

// DenyAll refuses every peer.
var DenyAll Gate = GateFunc(func(context.Context, Request) (Decision, error) {
	return Deny, nil
})

// AllowList admits peers whose verified email appears in the list.
// Matching is case-insensitive. Unverified emails never match.
type AllowList struct {
	emails map[string]struct{}
}

// NewAllowList builds an AllowList from email addresses.
func NewAllowList(emails []string) *AllowList {
	list := &AllowList{emails: make(map[string]struct{}, len(emails))}
	for _, email := range emails {
		email = strings.ToLower(strings.TrimSpace(email))
		if email != "" {
			list.emails[email] = struct{}{}
		}
	}
	return list
}

func (a *AllowList) Review(_ context.Context, request Request) (Decision, error) {
	if !request.Claims.EmailVerified || request.Claims.Email == "" {
		return Deny, nil
	}
	if _, ok := a.emails[strings.ToLower(request.Claims.Email)]; ok {
		return Accept, nil
	}
	return Deny, nil
}

// FromConfig returns the gate selected by cfg.Mode. The prompt mode
// uses queue, which must be non-nil in that mode.
func FromConfig(cfg config.AdmissionConfig, queue *Queue) (Gate, error) {
	switch cfg.Mode {
	case config.AdmissionPrompt, "":
		if queue == nil {
			return nil, fmt.Errorf("admission mode %q requires a review queue", config.AdmissionPrompt)
		}
		return queue, nil
	case config.AdmissionAccept:
		return AcceptAll, nil
	case config.AdmissionDeny:
		return DenyAll, nil
	case config.AdmissionAllowList:
		return NewAllowList(cfg.Allow), nil
	default:
		return nil, fmt.Errorf("unknown admission mode %q", cfg.Mode)
	}
}
