// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TimestampFormat matches JavaScript's Date.prototype.toISOString.
const TimestampFormat = "2006-01-02T15:04:05.000Z07:00"

// ChatMessage is the plaintext record sealed inside a chat envelope.
type ChatMessage struct {
	ID        string
	Text      string
	Timestamp time.Time
	Avatar    string

	// IsUser marks messages composed locally. It is never transmitted;
	// decoded messages always have it false.
	IsUser bool
}

type chatMessageJSON struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	Avatar    string `json:"avatar"`
}

// NewChatMessage creates an outgoing message with a random id.
func NewChatMessage(text, avatar string, now time.Time) ChatMessage {
	return ChatMessage{
		ID:        uuid.NewString(),
		Text:      text,
		Timestamp: now.UTC(),
		Avatar:    avatar,
		IsUser:    true,
	}
}

// MarshalJSON encodes the wire form of the record, omitting IsUser.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal(chatMessageJSON{
		ID:        m.ID,
		Text:      m.Text,
		Timestamp: m.Timestamp.UTC().Format(TimestampFormat),
		Avatar:    m.Avatar,
	})
}

// UnmarshalJSON decodes the wire form. Any RFC 3339 timestamp is
// accepted; IsUser is always false afterwards.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var wire chatMessageJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if wire.ID == "" {
		return fmt.Errorf("%w: chat message without id", ErrMalformed)
	}
	timestamp, err := time.Parse(time.RFC3339Nano, wire.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: chat timestamp: %v", ErrMalformed, err)
	}
	*m = ChatMessage{
		ID:        wire.ID,
		Text:      wire.Text,
		Timestamp: timestamp,
		Avatar:    wire.Avatar,
	}
	return nil
}
