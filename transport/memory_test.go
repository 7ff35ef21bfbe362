// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/pqchat/lib/testutil"
)

// recorder collects Events into channels.
type recorder struct {
	candidates chan *webrtc.ICECandidateInit
	states     chan ConnectionState
	opened     chan struct{}
	closed     chan struct{}
	messages   chan []byte
}

func newRecorder() *recorder {
	return &recorder{
		candidates: make(chan *webrtc.ICECandidateInit, 64),
		states:     make(chan ConnectionState, 64),
		opened:     make(chan struct{}, 1),
		closed:     make(chan struct{}, 1),
		messages:   make(chan []byte, 64),
	}
}

func (r *recorder) events() Events {
	return Events{
		OnLocalCandidate: func(candidate *webrtc.ICECandidateInit) { r.candidates <- candidate },
		OnStateChange:    func(state ConnectionState) { r.states <- state },
		OnChannelOpen:    func() { r.opened <- struct{}{} },
		OnChannelClose:   func() { r.closed <- struct{}{} },
		OnMessage:        func(data []byte) { r.messages <- data },
	}
}

// forwardCandidates relays every local candidate from one recorder to
// the remote negotiator until the end marker.
func forwardCandidates(t *testing.T, from *recorder, to Negotiator) {
	t.Helper()
	for {
		candidate := testutil.RequireReceive(t, from.candidates, 5*time.Second, "waiting for local candidate")
		if err := to.AddCandidate(candidate); err != nil {
			t.Fatalf("AddCandidate: %v", err)
		}
		if candidate == nil {
			return
		}
	}
}

func connectMemoryPair(t *testing.T) (joiner, host *MemoryNegotiator, joinerEvents, hostEvents *recorder) {
	t.Helper()
	ctx := context.Background()
	network := NewMemoryNetwork()
	joinerEvents = newRecorder()
	hostEvents = newRecorder()
	joiner = network.NewNegotiator(joinerEvents.events())
	host = network.NewNegotiator(hostEvents.events())
	t.Cleanup(func() {
		joiner.Close()
		host.Close()
	})

	offer, err := joiner.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	// The host receives the joiner's candidates before the offer.
	forwardCandidates(t, joinerEvents, host)

	answer, err := host.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if err := joiner.AcceptAnswer(ctx, answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	forwardCandidates(t, hostEvents, joiner)

	testutil.RequireReceive(t, joinerEvents.opened, 5*time.Second, "joiner channel open")
	testutil.RequireReceive(t, hostEvents.opened, 5*time.Second, "host channel open")
	return joiner, host, joinerEvents, hostEvents
}

func TestMemoryNegotiator_ConnectAndExchange(t *testing.T) {
	joiner, host, joinerEvents, hostEvents := connectMemoryPair(t)

	if err := joiner.Send([]byte("first")); err != nil {
		t.Fatalf("joiner Send: %v", err)
	}
	if err := joiner.Send([]byte("second")); err != nil {
		t.Fatalf("joiner Send: %v", err)
	}
	if got := testutil.RequireReceive(t, hostEvents.messages, 5*time.Second); string(got) != "first" {
		t.Errorf("host first message = %q", got)
	}
	if got := testutil.RequireReceive(t, hostEvents.messages, 5*time.Second); string(got) != "second" {
		t.Errorf("host second message = %q", got)
	}

	if err := host.Send([]byte("reply")); err != nil {
		t.Fatalf("host Send: %v", err)
	}
	if got := testutil.RequireReceive(t, joinerEvents.messages, 5*time.Second); string(got) != "reply" {
		t.Errorf("joiner message = %q", got)
	}
}

func TestMemoryNegotiator_QueuedCandidatesAppliedInOrder(t *testing.T) {
	ctx := context.Background()
	network := NewMemoryNetwork()
	joiner := network.NewNegotiator(Events{})
	host := network.NewNegotiator(Events{})
	defer joiner.Close()
	defer host.Close()

	offer, err := joiner.CreateOffer(ctx)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	const count = 20
	for i := 0; i < count; i++ {
		if err := host.AddCandidate(hostCandidate(6000 + i)); err != nil {
			t.Fatalf("AddCandidate %d: %v", i, err)
		}
	}
	if host.Queued() != count {
		t.Fatalf("Queued = %d, want %d", host.Queued(), count)
	}
	if len(host.Applied()) != 0 {
		t.Fatal("candidates applied before the remote descriptor")
	}

	if _, err := host.AcceptOffer(ctx, offer); err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if host.Queued() != 0 {
		t.Errorf("Queued after descriptor = %d, want 0", host.Queued())
	}

	// A candidate after the descriptor is applied directly, after the
	// flushed ones.
	if err := host.AddCandidate(hostCandidate(6000 + count)); err != nil {
		t.Fatalf("AddCandidate after descriptor: %v", err)
	}

	applied := host.Applied()
	if len(applied) != count+1 {
		t.Fatalf("applied %d candidates, want %d", len(applied), count+1)
	}
	for i, candidate := range applied {
		if want := hostCandidate(6000 + i).Candidate; candidate.Candidate != want {
			t.Errorf("applied[%d] = %q, want %q", i, candidate.Candidate, want)
		}
	}
}

func TestMemoryNegotiator_SendBeforeOpen(t *testing.T) {
	network := NewMemoryNetwork()
	negotiator := network.NewNegotiator(Events{})
	defer negotiator.Close()

	if err := negotiator.Send([]byte("early")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send before open = %v, want ErrNotOpen", err)
	}
}

func TestMemoryNegotiator_NoOpenWithoutCandidates(t *testing.T) {
	ctx := context.Background()
	network := NewMemoryNetwork()
	joiner := network.NewNegotiator(Events{})
	host := network.NewNegotiator(Events{})
	defer joiner.Close()
	defer host.Close()

	offer, _ := joiner.CreateOffer(ctx)
	answer, err := host.AcceptOffer(ctx, offer)
	if err != nil {
		t.Fatalf("AcceptOffer: %v", err)
	}
	if err := joiner.AcceptAnswer(ctx, answer); err != nil {
		t.Fatalf("AcceptAnswer: %v", err)
	}
	if joiner.Open() || host.Open() {
		t.Error("channel opened without any candidates exchanged")
	}
}

func TestMemoryNegotiator_UnknownOffer(t *testing.T) {
	network := NewMemoryNetwork()
	host := network.NewNegotiator(Events{})
	defer host.Close()

	_, err := host.AcceptOffer(context.Background(), webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "memory endpoint-404",
	})
	if !errors.Is(err, ErrUnknownDescriptor) {
		t.Errorf("AcceptOffer = %v, want ErrUnknownDescriptor", err)
	}
}

func TestMemoryNegotiator_WrongDescriptorType(t *testing.T) {
	network := NewMemoryNetwork()
	joiner := network.NewNegotiator(Events{})
	defer joiner.Close()

	offer, _ := joiner.CreateOffer(context.Background())
	if err := joiner.AcceptAnswer(context.Background(), offer); err == nil {
		t.Error("AcceptAnswer accepted an offer")
	}
}

func TestMemoryNegotiator_CloseNotifiesPeer(t *testing.T) {
	joiner, host, _, hostEvents := connectMemoryPair(t)

	joiner.Close()
	testutil.RequireReceive(t, hostEvents.closed, 5*time.Second, "host sees channel close")
	if err := host.Send([]byte("late")); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Send after peer close = %v, want ErrNotOpen", err)
	}
	if err := joiner.Send([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Send after Close = %v, want ErrClosed", err)
	}
	if err := joiner.AddCandidate(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("AddCandidate after Close = %v, want ErrClosed", err)
	}
}
