// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPublicKeyEnvelope(t *testing.T) {
	key := []byte{0x00, 0x01, 0xfe, 0xff}
	raw, err := EncodePublicKey(key)
	if err != nil {
		t.Fatalf("EncodePublicKey: %v", err)
	}
	if !strings.Contains(string(raw), `"type":"pk"`) || !strings.Contains(string(raw), `"pk":"AAH+/w=="`) {
		t.Errorf("wire form = %s", raw)
	}

	envelope, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := envelope.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Errorf("PublicKey = %x, want %x", got, key)
	}
}

func TestSharedSecretEnvelope_FieldName(t *testing.T) {
	raw, err := EncodeSharedSecret([]byte("ciphertext"))
	if err != nil {
		t.Fatalf("EncodeSharedSecret: %v", err)
	}
	if !strings.Contains(string(raw), `"kemCt"`) {
		t.Errorf("wire form %s lacks kemCt", raw)
	}
	envelope, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := envelope.SharedSecret()
	if err != nil || string(got) != "ciphertext" {
		t.Errorf("SharedSecret = %q, %v", got, err)
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `hello`, ErrMalformed},
		{"unknown type", `{"type":"ping","data":{}}`, ErrUnknownType},
		{"missing data", `{"type":"pk"}`, ErrMalformed},
		{"too large", `{"type":"chat","data":"` + strings.Repeat("a", MaxEnvelopeSize) + `"}`, ErrTooLarge},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Decode([]byte(test.raw)); !errors.Is(err, test.want) {
				t.Errorf("Decode() error = %v, want %v", err, test.want)
			}
		})
	}
}

func TestAccessors_RejectBadPayloads(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		access func(Envelope) error
	}{
		{"pk not base64", `{"type":"pk","data":{"pk":"!!"}}`, func(e Envelope) error { _, err := e.PublicKey(); return err }},
		{"pk empty", `{"type":"pk","data":{"pk":""}}`, func(e Envelope) error { _, err := e.PublicKey(); return err }},
		{"wrong accessor", `{"type":"pk","data":{"pk":"AA=="}}`, func(e Envelope) error { _, err := e.SharedSecret(); return err }},
		{"chat missing iv", `{"type":"chat","data":{"ciphertext":"AA=="}}`, func(e Envelope) error { _, err := e.Chat(); return err }},
		{"chat data not object", `{"type":"chat","data":"x"}`, func(e Envelope) error { _, err := e.Chat(); return err }},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			envelope, err := Decode([]byte(test.raw))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if err := test.access(envelope); !errors.Is(err, ErrMalformed) {
				t.Errorf("accessor error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestEncode_UnknownType(t *testing.T) {
	if _, err := Encode("ping", struct{}{}); !errors.Is(err, ErrUnknownType) {
		t.Errorf("Encode() error = %v, want ErrUnknownType", err)
	}
}

func TestChatMessage_IsUserNeverTransmitted(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 45, 123456789, time.UTC)
	message := NewChatMessage("hello", "https://example.com/a.png", now)
	if !message.IsUser {
		t.Fatal("NewChatMessage should mark the message as local")
	}
	if message.ID == "" {
		t.Fatal("NewChatMessage produced an empty id")
	}

	raw, err := json.Marshal(message)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(strings.ToLower(string(raw)), "isuser") {
		t.Errorf("wire form %s contains the local flag", raw)
	}
	if !strings.Contains(string(raw), `"timestamp":"2026-03-01T12:30:45.123Z"`) {
		t.Errorf("wire form %s lacks millisecond ISO timestamp", raw)
	}

	var decoded ChatMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.IsUser {
		t.Error("decoded message has IsUser = true")
	}
	if decoded.Text != "hello" || decoded.ID != message.ID {
		t.Errorf("decoded = %+v, want text hello and id %s", decoded, message.ID)
	}
}

func TestChatMessage_RejectsMissingFields(t *testing.T) {
	var message ChatMessage
	if err := json.Unmarshal([]byte(`{"text":"x","timestamp":"2026-01-01T00:00:00Z"}`), &message); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing id: error = %v", err)
	}
	if err := json.Unmarshal([]byte(`{"id":"a","text":"x","timestamp":"yesterday"}`), &message); !errors.Is(err, ErrMalformed) {
		t.Errorf("bad timestamp: error = %v", err)
	}
}
