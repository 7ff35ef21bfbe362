// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrUnknownRequest is returned by Resolve when no review is
	// pending for the peer.
	ErrUnknownRequest = errors.New("admission: no pending request for peer")

	// ErrDuplicateRequest is returned by Review when a review for the
	// same peer is already pending.
	ErrDuplicateRequest = errors.New("admission: request already pending for peer")
)

// QueueConfig configures a Queue.
type QueueConfig struct {
	// OnRequest is called once per new pending request, outside the
	// queue lock. The reviewer answers with Resolve.
	OnRequest func(Request)

	// OnWithdrawn is called when a pending request is abandoned
	// because its Review context ended.
	OnWithdrawn func(peerID string)

	Logger *slog.Logger
}

// Queue is a Gate answered by an external reviewer. Each Review blocks
// until Resolve is called for its peer or its context ends.
type Queue struct {
	config QueueConfig
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingReview
}

type pendingReview struct {
	request  Request
	decision chan Decision
}

var _ Gate = (*Queue)(nil)

// NewQueue creates an empty review queue.
func NewQueue(config QueueConfig) *Queue {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Queue{
		config:  config,
		logger:  logger,
		pending: make(map[string]*pendingReview),
	}
}

// Review parks request until Resolve or ctx ends.
func (q *Queue) Review(ctx context.Context, request Request) (Decision, error) {
	review := &pendingReview{
		request:  request,
		decision: make(chan Decision, 1),
	}

	q.mu.Lock()
	if _, exists := q.pending[request.PeerID]; exists {
		q.mu.Unlock()
		return Deny, ErrDuplicateRequest
	}
	q.pending[request.PeerID] = review
	q.mu.Unlock()

	q.logger.Info("admission review pending",
		"peer", request.PeerID,
		"identity", request.Claims.DisplayName(),
	)
	if q.config.OnRequest != nil {
		q.config.OnRequest(request)
	}

	select {
	case decision := <-review.decision:
		return decision, nil
	case <-ctx.Done():
		q.mu.Lock()
		current, ok := q.pending[request.PeerID]
		if ok && current == review {
			delete(q.pending, request.PeerID)
		}
		q.mu.Unlock()

		// Resolve may have raced the cancellation.
		select {
		case decision := <-review.decision:
			return decision, nil
		default:
		}
		if ok && current == review && q.config.OnWithdrawn != nil {
			q.config.OnWithdrawn(request.PeerID)
		}
		return Deny, ctx.Err()
	}
}

// Resolve answers the pending review for peerID.
func (q *Queue) Resolve(peerID string, decision Decision) error {
	q.mu.Lock()
	review, ok := q.pending[peerID]
	if ok {
		delete(q.pending, peerID)
	}
	q.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	q.logger.Info("admission decided", "peer", peerID, "decision", decision.String())
	review.decision <- decision
	return nil
}

// Pending returns the requests awaiting a decision, oldest first.
func (q *Queue) Pending() []Request {
	q.mu.Lock()
	requests := make([]Request, 0, len(q.pending))
	for _, review := range q.pending {
		requests = append(requests, review.request)
	}
	q.mu.Unlock()

	sort.Slice(requests, func(i, j int) bool {
		if requests[i].ReceivedAt.Equal(requests[j].ReceivedAt) {
			return requests[i].PeerID < requests[j].PeerID
		}
		return requests[i].ReceivedAt.Before(requests[j].ReceivedAt)
	})
	return requests
}
