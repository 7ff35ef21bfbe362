// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxEnvelopeSize bounds a single data channel message. An ML-KEM-1024
// public key is 1568 bytes (about 2.1 KiB in base64); chat messages are
// the only variable-size payload.
const MaxEnvelopeSize = 256 * 1024

// EnvelopeType tags the payload of a data channel message.
type EnvelopeType string

const (
	TypePublicKey    EnvelopeType = "pk"
	TypeSharedSecret EnvelopeType = "sharedSecret"
	TypeChat         EnvelopeType = "chat"
)

// Valid reports whether t is one of the known envelope types.
func (t EnvelopeType) Valid() bool {
	switch t {
	case TypePublicKey, TypeSharedSecret, TypeChat:
		return true
	}
	return false
}

var (
	// ErrMalformed is returned for messages that are not a well-formed
	// envelope or whose payload does not match the tagged type.
	ErrMalformed = errors.New("protocol: malformed envelope")

	// ErrUnknownType is returned for envelopes with an unrecognized tag.
	ErrUnknownType = errors.New("protocol: unknown envelope type")

	// ErrTooLarge is returned for messages exceeding MaxEnvelopeSize.
	ErrTooLarge = errors.New("protocol: envelope too large")
)

// Envelope is the outer frame of every data channel message.
type Envelope struct {
	Type EnvelopeType    `json:"type"`
	Data json.RawMessage `json:"data"`
}

// PublicKeyData carries a base64 KEM public key.
type PublicKeyData struct {
	PK string `json:"pk"`
}

// SharedSecretData carries a base64 KEM ciphertext.
type SharedSecretData struct {
	KEMCiphertext string `json:"kemCt"`
}

// ChatData carries a sealed chat record and the nonce it was sealed
// under, both base64.
type ChatData struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

// Encode marshals a typed payload into an envelope.
func Encode(envelopeType EnvelopeType, data any) ([]byte, error) {
	if !envelopeType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, envelopeType)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", envelopeType, err)
	}
	return json.Marshal(Envelope{Type: envelopeType, Data: payload})
}

// EncodePublicKey builds a "pk" envelope.
func EncodePublicKey(publicKey []byte) ([]byte, error) {
	return Encode(TypePublicKey, PublicKeyData{PK: base64.StdEncoding.EncodeToString(publicKey)})
}

// EncodeSharedSecret builds a "sharedSecret" envelope from a KEM
// ciphertext.
func EncodeSharedSecret(ciphertext []byte) ([]byte, error) {
	return Encode(TypeSharedSecret, SharedSecretData{KEMCiphertext: base64.StdEncoding.EncodeToString(ciphertext)})
}

// EncodeChat builds a "chat" envelope.
func EncodeChat(data ChatData) ([]byte, error) {
	return Encode(TypeChat, data)
}

// Decode parses a data channel message. The payload is left raw; use
// the typed accessors to interpret it.
func Decode(raw []byte) (Envelope, error) {
	if len(raw) > MaxEnvelopeSize {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(raw))
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !envelope.Type.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, envelope.Type)
	}
	if len(envelope.Data) == 0 {
		return Envelope{}, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	return envelope, nil
}

// PublicKey returns the decoded public key of a "pk" envelope.
func (e Envelope) PublicKey() ([]byte, error) {
	var data PublicKeyData
	if err := e.payload(TypePublicKey, &data); err != nil {
		return nil, err
	}
	return decodeField("pk", data.PK)
}

// SharedSecret returns the decoded KEM ciphertext of a "sharedSecret"
// envelope.
func (e Envelope) SharedSecret() ([]byte, error) {
	var data SharedSecretData
	if err := e.payload(TypeSharedSecret, &data); err != nil {
		return nil, err
	}
	return decodeField("kemCt", data.KEMCiphertext)
}

// Chat returns the sealed payload of a "chat" envelope. The base64
// fields are validated but left encoded.
func (e Envelope) Chat() (ChatData, error) {
	var data ChatData
	if err := e.payload(TypeChat, &data); err != nil {
		return ChatData{}, err
	}
	if _, err := decodeField("ciphertext", data.Ciphertext); err != nil {
		return ChatData{}, err
	}
	if _, err := decodeField("iv", data.IV); err != nil {
		return ChatData{}, err
	}
	return data, nil
}

func (e Envelope) payload(want EnvelopeType, target any) error {
	if e.Type != want {
		return fmt.Errorf("%w: want %s, got %s", ErrMalformed, want, e.Type)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, want, err)
	}
	return nil
}

func decodeField(name, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("%w: empty %s", ErrMalformed, name)
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not base64: %v", ErrMalformed, name, err)
	}
	return decoded, nil
}
