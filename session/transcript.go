// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"slices"
	"sync"

	"github.com/bureau-foundation/pqchat/protocol"
)

// reorderWindow is how many of the newest messages are kept sorted by
// timestamp. Older messages are never moved.
const reorderWindow = 10

// Transcript is the ordered message history shown to the user.
// Messages from two clocks can arrive out of timestamp order; each
// insert re-sorts only the newest reorderWindow entries.
type Transcript struct {
	mu       sync.Mutex
	messages []protocol.ChatMessage
	seen     map[string]struct{}
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{seen: make(map[string]struct{})}
}

// Add inserts message and reports whether it was new. A message whose
// id is already present is ignored.
func (t *Transcript) Add(message protocol.ChatMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[message.ID]; ok {
		return false
	}
	t.seen[message.ID] = struct{}{}
	t.messages = append(t.messages, message)

	start := max(len(t.messages)-reorderWindow, 0)
	slices.SortStableFunc(t.messages[start:], func(a, b protocol.ChatMessage) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return true
}

// Messages returns a copy of the transcript in display order.
func (t *Transcript) Messages() []protocol.ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.messages)
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}
