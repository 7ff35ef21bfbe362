// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/pqchat/identity"
	"github.com/bureau-foundation/pqchat/lib/testutil"
)

type reviewResult struct {
	decision Decision
	err      error
}

func startReview(queue *Queue, ctx context.Context, request Request) <-chan reviewResult {
	results := make(chan reviewResult, 1)
	go func() {
		decision, err := queue.Review(ctx, request)
		results <- reviewResult{decision, err}
	}()
	return results
}

func TestQueue_ResolveAccept(t *testing.T) {
	requested := make(chan Request, 1)
	queue := NewQueue(QueueConfig{OnRequest: func(r Request) { requested <- r }})

	request := Request{PeerID: "peer-1", Claims: identity.Claims{Email: "alice@example.org"}}
	results := startReview(queue, context.Background(), request)

	got := testutil.RequireReceive(t, requested, 5*time.Second, "OnRequest")
	if got.PeerID != "peer-1" || got.Claims.Email != "alice@example.org" {
		t.Errorf("OnRequest got %+v", got)
	}
	if pending := queue.Pending(); len(pending) != 1 || pending[0].PeerID != "peer-1" {
		t.Errorf("Pending = %+v", pending)
	}

	if err := queue.Resolve("peer-1", Accept); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	result := testutil.RequireReceive(t, results, 5*time.Second, "review result")
	if result.err != nil || result.decision != Accept {
		t.Errorf("Review = %v, %v; want accept", result.decision, result.err)
	}
	if len(queue.Pending()) != 0 {
		t.Error("request still pending after Resolve")
	}
}

func TestQueue_IndependentPeers(t *testing.T) {
	requested := make(chan Request, 2)
	queue := NewQueue(QueueConfig{OnRequest: func(r Request) { requested <- r }})

	first := startReview(queue, context.Background(), Request{PeerID: "first"})
	second := startReview(queue, context.Background(), Request{PeerID: "second"})
	testutil.RequireReceive(t, requested, 5*time.Second)
	testutil.RequireReceive(t, requested, 5*time.Second)

	// Deciding the second peer does not wait for the first.
	if err := queue.Resolve("second", Deny); err != nil {
		t.Fatalf("Resolve second: %v", err)
	}
	result := testutil.RequireReceive(t, second, 5*time.Second, "second result")
	if result.decision != Deny {
		t.Errorf("second decision = %v, want deny", result.decision)
	}

	select {
	case <-first:
		t.Fatal("first review finished without a decision")
	default:
	}

	if err := queue.Resolve("first", Accept); err != nil {
		t.Fatalf("Resolve first: %v", err)
	}
	if result := testutil.RequireReceive(t, first, 5*time.Second); result.decision != Accept {
		t.Errorf("first decision = %v, want accept", result.decision)
	}
}

func TestQueue_ResolveUnknown(t *testing.T) {
	queue := NewQueue(QueueConfig{})
	if err := queue.Resolve("nobody", Accept); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Resolve = %v, want ErrUnknownRequest", err)
	}
}

func TestQueue_DuplicateRequest(t *testing.T) {
	requested := make(chan Request, 2)
	queue := NewQueue(QueueConfig{OnRequest: func(r Request) { requested <- r }})
	results := startReview(queue, context.Background(), Request{PeerID: "peer-1"})
	testutil.RequireReceive(t, requested, 5*time.Second)

	decision, err := queue.Review(context.Background(), Request{PeerID: "peer-1"})
	if !errors.Is(err, ErrDuplicateRequest) || decision != Deny {
		t.Errorf("duplicate Review = %v, %v; want deny, ErrDuplicateRequest", decision, err)
	}

	queue.Resolve("peer-1", Accept)
	testutil.RequireReceive(t, results, 5*time.Second)
}

func TestQueue_CancelWithdraws(t *testing.T) {
	requested := make(chan Request, 1)
	withdrawn := make(chan string, 1)
	queue := NewQueue(QueueConfig{
		OnRequest:   func(r Request) { requested <- r },
		OnWithdrawn: func(peerID string) { withdrawn <- peerID },
	})

	ctx, cancel := context.WithCancel(context.Background())
	results := startReview(queue, ctx, Request{PeerID: "peer-1"})
	testutil.RequireReceive(t, requested, 5*time.Second)
	cancel()

	result := testutil.RequireReceive(t, results, 5*time.Second, "cancelled review")
	if !errors.Is(result.err, context.Canceled) || result.decision != Deny {
		t.Errorf("Review = %v, %v; want deny, context.Canceled", result.decision, result.err)
	}
	if peer := testutil.RequireReceive(t, withdrawn, 5*time.Second); peer != "peer-1" {
		t.Errorf("withdrawn peer = %q", peer)
	}
	if err := queue.Resolve("peer-1", Accept); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Resolve after cancel = %v, want ErrUnknownRequest", err)
	}
}

func TestQueue_PendingOrder(t *testing.T) {
	requested := make(chan Request, 3)
	queue := NewQueue(QueueConfig{OnRequest: func(r Request) { requested <- r }})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, peer := range []string{"c", "a", "b"} {
		startReview(queue, context.Background(), Request{PeerID: peer, ReceivedAt: base.Add(time.Duration(i) * time.Second)})
		testutil.RequireReceive(t, requested, 5*time.Second)
	}
	pending := queue.Pending()
	if len(pending) != 3 {
		t.Fatalf("Pending = %d entries, want 3", len(pending))
	}
	for i, want := range []string{"c", "a", "b"} {
		if pending[i].PeerID != want {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].PeerID, want)
		}
	}
	for _, peer := range []string{"a", "b", "c"} {
		queue.Resolve(peer, Deny)
	}
}
