// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/pqchat/lib/serial"
)

const memorySDPPrefix = "memory "

// ErrUnknownDescriptor is returned when a MemoryNegotiator receives a
// descriptor that names no live endpoint on its network.
var ErrUnknownDescriptor = errors.New("transport: unknown memory descriptor")

// MemoryNetwork connects MemoryNegotiators in-process. Descriptors name
// the endpoint that produced them, so an offer can be answered by any
// negotiator on the same network.
type MemoryNetwork struct {
	mu        sync.Mutex
	counter   int
	endpoints map[string]*MemoryNegotiator
	created   []*MemoryNegotiator
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryNegotiator)}
}

// Factory returns a Factory producing negotiators on this network.
func (m *MemoryNetwork) Factory() Factory {
	return func(events Events) (Negotiator, error) {
		return m.NewNegotiator(events), nil
	}
}

// NewNegotiator creates a negotiator on this network.
func (m *MemoryNetwork) NewNegotiator(events Events) *MemoryNegotiator {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	n := &MemoryNegotiator{
		network: m,
		id:      fmt.Sprintf("endpoint-%d", m.counter),
		port:    40000 + m.counter,
		events:  events,
		queue:   serial.New(),
	}
	m.endpoints[n.id] = n
	m.created = append(m.created, n)
	return n
}

// Negotiators returns every negotiator created on this network, in
// creation order.
func (m *MemoryNetwork) Negotiators() []*MemoryNegotiator {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MemoryNegotiator(nil), m.created...)
}

// MemoryNegotiator is an in-process Negotiator. All state is guarded by
// the network lock; events are delivered on a per-negotiator goroutine.
type MemoryNegotiator struct {
	network *MemoryNetwork
	id      string
	port    int
	events  Events
	queue   *serial.Queue

	peer      *MemoryNegotiator
	localSet  bool
	remoteSet bool
	pending   candidateQueue
	applied   []*webrtc.ICECandidateInit
	open      bool
	closed    bool
}

var _ Negotiator = (*MemoryNegotiator)(nil)

// ID returns the endpoint name carried in this negotiator's descriptors.
func (n *MemoryNegotiator) ID() string { return n.id }

// Applied returns the remote candidates applied so far, in order. Nil
// entries are end-of-candidates markers.
func (n *MemoryNegotiator) Applied() []*webrtc.ICECandidateInit {
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	return append([]*webrtc.ICECandidateInit(nil), n.applied...)
}

// Queued returns the number of remote candidates waiting for the remote
// descriptor.
func (n *MemoryNegotiator) Queued() int {
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	return n.pending.len()
}

// Open reports whether the data channel is open.
func (n *MemoryNegotiator) Open() bool {
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	return n.open
}

func (n *MemoryNegotiator) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	if n.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	n.setLocalLocked()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: memorySDPPrefix + n.id}, nil
}

func (n *MemoryNegotiator) AcceptOffer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("descriptor type %s is not an offer", offer.Type)
	}
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	if n.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if err := n.setRemoteLocked(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	n.setLocalLocked()
	n.maybeOpenLocked()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: memorySDPPrefix + n.id}, nil
}

func (n *MemoryNegotiator) AcceptAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("descriptor type %s is not an answer", answer.Type)
	}
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if err := n.setRemoteLocked(answer); err != nil {
		return err
	}
	n.maybeOpenLocked()
	return nil
}

func (n *MemoryNegotiator) AddCandidate(candidate *webrtc.ICECandidateInit) error {
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if !n.remoteSet {
		return n.pending.push(candidate)
	}
	n.applyLocked(candidate)
	n.maybeOpenLocked()
	return nil
}

func (n *MemoryNegotiator) Send(data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	if !n.open {
		return ErrNotOpen
	}
	peer := n.peer
	if peer.closed {
		return ErrNotOpen
	}
	message := append([]byte(nil), data...)
	peer.queue.Post(func() { peer.events.message(message) })
	return nil
}

// Close closes this endpoint. An open peer observes the channel close.
func (n *MemoryNegotiator) Close() error {
	n.network.mu.Lock()
	defer n.network.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.pending.drain()
	n.queue.Stop()
	delete(n.network.endpoints, n.id)

	peer := n.peer
	if n.open && peer != nil && !peer.closed && peer.open {
		peer.open = false
		peer.queue.Post(func() {
			peer.events.channelClose()
			peer.events.stateChange(StateClosed)
		})
	}
	n.open = false
	return nil
}

func (n *MemoryNegotiator) setLocalLocked() {
	if n.localSet {
		return
	}
	n.localSet = true
	candidate := &webrtc.ICECandidateInit{
		Candidate: fmt.Sprintf("candidate:1 1 udp 2130706431 127.0.0.1 %d typ host", n.port),
	}
	n.queue.Post(func() {
		n.events.localCandidate(candidate)
		n.events.localCandidate(nil)
	})
}

func (n *MemoryNegotiator) setRemoteLocked(description webrtc.SessionDescription) error {
	if n.remoteSet {
		return errors.New("remote descriptor already set")
	}
	id, ok := strings.CutPrefix(description.SDP, memorySDPPrefix)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDescriptor, description.SDP)
	}
	peer, ok := n.network.endpoints[id]
	if !ok || peer == n {
		return fmt.Errorf("%w: %q", ErrUnknownDescriptor, id)
	}
	if peer.peer != nil && peer.peer != n {
		return fmt.Errorf("%w: endpoint %s is already connected", ErrUnknownDescriptor, id)
	}
	n.peer = peer
	n.remoteSet = true
	for _, candidate := range n.pending.drain() {
		n.applyLocked(candidate)
	}
	n.queue.Post(func() { n.events.stateChange(StateConnecting) })
	return nil
}

func (n *MemoryNegotiator) applyLocked(candidate *webrtc.ICECandidateInit) {
	n.applied = append(n.applied, candidate)
}

func (n *MemoryNegotiator) hasRemoteCandidateLocked() bool {
	for _, candidate := range n.applied {
		if candidate != nil {
			return true
		}
	}
	return false
}

// maybeOpenLocked opens the channel on both ends once each side holds
// the other's descriptor and at least one of its candidates.
func (n *MemoryNegotiator) maybeOpenLocked() {
	peer := n.peer
	if peer == nil || peer.peer != n || n.open || peer.closed {
		return
	}
	if !n.remoteSet || !peer.remoteSet {
		return
	}
	if !n.hasRemoteCandidateLocked() || !peer.hasRemoteCandidateLocked() {
		return
	}
	for _, endpoint := range []*MemoryNegotiator{n, peer} {
		endpoint.open = true
		endpoint.queue.Post(func() {
			endpoint.events.stateChange(StateConnected)
			endpoint.events.channelOpen()
		})
	}
}
