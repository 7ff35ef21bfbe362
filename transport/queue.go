// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/pion/webrtc/v4"

// maxQueuedCandidates bounds the remote candidates held before the
// remote descriptor arrives.
const maxQueuedCandidates = 256

// candidateQueue holds remote candidates received before the remote
// descriptor, in receipt order. A nil entry is an end-of-candidates
// marker. Not safe for concurrent use.
type candidateQueue struct {
	items []*webrtc.ICECandidateInit
}

func (q *candidateQueue) push(candidate *webrtc.ICECandidateInit) error {
	if len(q.items) >= maxQueuedCandidates {
		return ErrCandidateQueueFull
	}
	if candidate != nil {
		copied := *candidate
		candidate = &copied
	}
	q.items = append(q.items, candidate)
	return nil
}

// drain returns the queued candidates in FIFO order and empties the
// queue.
func (q *candidateQueue) drain() []*webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

func (q *candidateQueue) len() int { return len(q.items) }
