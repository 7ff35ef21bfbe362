// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType names a signaling message.
type MessageType string

const (
	MessageOffer  MessageType = "rtc:offer"
	MessageAnswer MessageType = "rtc:answer"
	MessageICE    MessageType = "rtc:ice"
	MessageDeny   MessageType = "rtc:deny"
)

// Valid reports whether t is one of the four signaling message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageOffer, MessageAnswer, MessageICE, MessageDeny:
		return true
	}
	return false
}

// ErrInvalidEnvelope is returned for envelopes that fail validation.
var ErrInvalidEnvelope = errors.New("signaling: invalid envelope")

// Envelope is one signaling message as it travels over the relay.
type Envelope struct {
	Name MessageType  `json:"name"`
	Data EnvelopeData `json:"data"`
}

// EnvelopeData carries the sender's session id and the type-specific
// payload.
type EnvelopeData struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// OfferPayload is the payload of rtc:offer.
type OfferPayload struct {
	Offer   webrtc.SessionDescription `json:"offer"`
	IDToken string                    `json:"idToken"`
}

// AnswerPayload is the payload of rtc:answer.
type AnswerPayload struct {
	Answer  webrtc.SessionDescription `json:"answer"`
	IDToken string                    `json:"idToken"`
}

// DenyPayload is the payload of rtc:deny.
type DenyPayload struct{}

// NewEnvelope marshals payload into an envelope. A nil payload encodes
// as JSON null, which rtc:ice uses for end-of-candidates.
func NewEnvelope(name MessageType, from string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", name, err)
	}
	envelope := Envelope{Name: name, Data: EnvelopeData{From: from, Payload: raw}}
	if err := envelope.Validate(); err != nil {
		return Envelope{}, err
	}
	return envelope, nil
}

// Validate checks the envelope's name, sender and payload presence.
func (e Envelope) Validate() error {
	if !e.Name.Valid() {
		return fmt.Errorf("%w: unknown name %q", ErrInvalidEnvelope, e.Name)
	}
	if e.Data.From == "" {
		return fmt.Errorf("%w: %s without sender", ErrInvalidEnvelope, e.Name)
	}
	if len(e.Data.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrInvalidEnvelope, e.Name)
	}
	if e.Name != MessageICE && isNull(e.Data.Payload) {
		return fmt.Errorf("%w: %s with null payload", ErrInvalidEnvelope, e.Name)
	}
	return nil
}

// Offer decodes an rtc:offer payload.
func (e Envelope) Offer() (OfferPayload, error) {
	var payload OfferPayload
	if err := e.decode(MessageOffer, &payload); err != nil {
		return OfferPayload{}, err
	}
	if payload.Offer.Type != webrtc.SDPTypeOffer || payload.Offer.SDP == "" {
		return OfferPayload{}, fmt.Errorf("%w: offer payload without an offer descriptor", ErrInvalidEnvelope)
	}
	return payload, nil
}

// Answer decodes an rtc:answer payload.
func (e Envelope) Answer() (AnswerPayload, error) {
	var payload AnswerPayload
	if err := e.decode(MessageAnswer, &payload); err != nil {
		return AnswerPayload{}, err
	}
	if payload.Answer.Type != webrtc.SDPTypeAnswer || payload.Answer.SDP == "" {
		return AnswerPayload{}, fmt.Errorf("%w: answer payload without an answer descriptor", ErrInvalidEnvelope)
	}
	return payload, nil
}

// Candidate decodes an rtc:ice payload. A nil candidate with a nil
// error means end-of-candidates.
func (e Envelope) Candidate() (*webrtc.ICECandidateInit, error) {
	if e.Name != MessageICE {
		return nil, fmt.Errorf("%w: want %s, got %s", ErrInvalidEnvelope, MessageICE, e.Name)
	}
	if isNull(e.Data.Payload) {
		return nil, nil
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(e.Data.Payload, &candidate); err != nil {
		return nil, fmt.Errorf("%w: ice payload: %v", ErrInvalidEnvelope, err)
	}
	return &candidate, nil
}

func (e Envelope) decode(want MessageType, target any) error {
	if e.Name != want {
		return fmt.Errorf("%w: want %s, got %s", ErrInvalidEnvelope, want, e.Name)
	}
	if err := json.Unmarshal(e.Data.Payload, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidEnvelope, want, err)
	}
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
