// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package securechannel seals and opens chat records under the key
// produced by the key exchange.
//
// Records are encrypted with AES-256-GCM. Every call to [Channel.Encrypt]
// draws a fresh 96-bit nonce from the random source; nonces are never
// counters and never cached, so a restarted process cannot repeat one
// under the same key. The nonce travels next to the ciphertext in the
// "iv" field, both base64.
//
// Before [Channel.Install] is called every operation fails with
// [ErrNotReady]. A message that fails authentication returns
// [ErrDecrypt] and leaves the channel usable for the next message.
package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bureau-foundation/pqchat/protocol"
)

// KeySize is the required key length.
const KeySize = 32

// NonceSize is the GCM nonce length carried in the "iv" field.
const NonceSize = 12

var (
	// ErrNotReady is returned when no key has been installed.
	ErrNotReady = errors.New("securechannel: no key installed")

	// ErrDecrypt is returned when a sealed record fails authentication
	// or does not decode. The record must be discarded.
	ErrDecrypt = errors.New("securechannel: message failed authentication")
)

// Config configures a Channel.
type Config struct {
	// Random supplies nonces. Nil selects crypto/rand.
	Random io.Reader
}

// Channel holds the AEAD for one session. Channels are safe for
// concurrent use.
type Channel struct {
	random io.Reader

	mu   sync.RWMutex
	aead cipher.AEAD
}

// New creates a channel with no key installed.
func New(config Config) *Channel {
	random := config.Random
	if random == nil {
		random = rand.Reader
	}
	return &Channel{random: random}
}

// Install sets the chat key, replacing any previous one. The key bytes
// are copied into the cipher; the caller keeps ownership of key.
func (c *Channel) Install(key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("securechannel: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("securechannel: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("securechannel: creating GCM: %w", err)
	}

	c.mu.Lock()
	c.aead = aead
	c.mu.Unlock()
	return nil
}

// Ready reports whether a key is installed.
func (c *Channel) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.aead != nil
}

// Clear removes the installed key.
func (c *Channel) Clear() {
	c.mu.Lock()
	c.aead = nil
	c.mu.Unlock()
}

// Encrypt seals plaintext under a fresh random nonce.
func (c *Channel) Encrypt(plaintext []byte) (protocol.ChatData, error) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	if aead == nil {
		return protocol.ChatData{}, ErrNotReady
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return protocol.ChatData{}, fmt.Errorf("securechannel: generating nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return protocol.ChatData{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		IV:         base64.StdEncoding.EncodeToString(nonce),
	}, nil
}

// Decrypt opens a sealed payload.
func (c *Channel) Decrypt(data protocol.ChatData) ([]byte, error) {
	c.mu.RLock()
	aead := c.aead
	c.mu.RUnlock()
	if aead == nil {
		return nil, ErrNotReady
	}

	nonce, err := base64.StdEncoding.DecodeString(data.IV)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecrypt)
	}
	sealed, err := base64.StdEncoding.DecodeString(data.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecrypt)
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Seal encrypts a chat record.
func (c *Channel) Seal(message protocol.ChatMessage) (protocol.ChatData, error) {
	if !c.Ready() {
		return protocol.ChatData{}, ErrNotReady
	}
	plaintext, err := json.Marshal(message)
	if err != nil {
		return protocol.ChatData{}, fmt.Errorf("securechannel: encoding message: %w", err)
	}
	return c.Encrypt(plaintext)
}

// Open decrypts a chat record. The returned message always has IsUser
// false.
func (c *Channel) Open(data protocol.ChatData) (protocol.ChatMessage, error) {
	plaintext, err := c.Decrypt(data)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	var message protocol.ChatMessage
	if err := json.Unmarshal(plaintext, &message); err != nil {
		return protocol.ChatMessage{}, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	message.IsUser = false
	return message, nil
}
