// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/pqchat/protocol"
)

var transcriptEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func messageAt(id string, offset time.Duration) protocol.ChatMessage {
	return protocol.ChatMessage{ID: id, Text: id, Timestamp: transcriptEpoch.Add(offset)}
}

func transcriptIDs(transcript *Transcript) []string {
	var ids []string
	for _, message := range transcript.Messages() {
		ids = append(ids, message.ID)
	}
	return ids
}

func TestTranscript_SortsRecentByTimestamp(t *testing.T) {
	transcript := NewTranscript()
	transcript.Add(messageAt("b", 2*time.Second))
	transcript.Add(messageAt("a", 1*time.Second))
	transcript.Add(messageAt("c", 3*time.Second))

	got := fmt.Sprint(transcriptIDs(transcript))
	if got != "[a b c]" {
		t.Errorf("order = %s, want [a b c]", got)
	}
}

func TestTranscript_DuplicateIgnored(t *testing.T) {
	transcript := NewTranscript()
	if !transcript.Add(messageAt("a", 0)) {
		t.Fatal("first Add reported duplicate")
	}
	if transcript.Add(messageAt("a", time.Second)) {
		t.Error("second Add with the same id reported new")
	}
	if transcript.Len() != 1 {
		t.Errorf("Len = %d, want 1", transcript.Len())
	}
}

func TestTranscript_OlderMessagesStayPut(t *testing.T) {
	transcript := NewTranscript()
	for i := range reorderWindow + 2 {
		transcript.Add(messageAt(fmt.Sprintf("m%02d", i), time.Duration(i+10)*time.Second))
	}
	// Earlier than everything, but only the newest window is re-sorted.
	transcript.Add(messageAt("late", 0))

	ids := transcriptIDs(transcript)
	if ids[0] != "m00" || ids[1] != "m01" || ids[2] != "m02" {
		t.Errorf("messages outside the window moved: %v", ids[:3])
	}
	windowStart := len(ids) - reorderWindow
	if ids[windowStart] != "late" {
		t.Errorf("ids[%d] = %q, want the late message at the start of the window", windowStart, ids[windowStart])
	}
}

func TestTranscript_MessagesIsCopy(t *testing.T) {
	transcript := NewTranscript()
	transcript.Add(messageAt("a", 0))
	messages := transcript.Messages()
	messages[0].Text = "changed"
	if transcript.Messages()[0].Text != "a" {
		t.Error("Messages exposes internal storage")
	}
}
