// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyexchange

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/pqchat/lib/secret"
)

// KeySize is the length of the derived chat key.
const KeySize = 32

// KeyLabel is the HKDF info string binding derived keys to this
// protocol version.
const KeyLabel = "pqchat/v1 session key"

const fingerprintLabel = "pqchat/v1 fingerprint"

// Role selects which half of the KEM exchange an engine performs.
type Role int

const (
	// Encapsulator encapsulates against the peer's public key (host).
	Encapsulator Role = iota
	// Decapsulator decapsulates the peer's ciphertext (joiner).
	Decapsulator
)

func (r Role) String() string {
	switch r {
	case Encapsulator:
		return "encapsulator"
	case Decapsulator:
		return "decapsulator"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// State is the handshake progress of an engine.
type State int

const (
	StateIdle State = iota
	StateLocalKeypairReady
	StatePublicKeyExchanged
	StateSecretEstablished
	StateKeyDerived
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocalKeypairReady:
		return "local-keypair-ready"
	case StatePublicKeyExchanged:
		return "public-key-exchanged"
	case StateSecretEstablished:
		return "secret-established"
	case StateKeyDerived:
		return "key-derived"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrNoKey is returned by Key before a key has been derived.
	ErrNoKey = errors.New("keyexchange: no derived key")

	// ErrAlreadyStarted is returned by Start on an engine that already
	// holds a local keypair.
	ErrAlreadyStarted = errors.New("keyexchange: already started")

	// ErrInvalidPublicKey is returned for peer public keys that do not
	// parse under the engine's KEM.
	ErrInvalidPublicKey = errors.New("keyexchange: invalid public key")

	// ErrInvalidCiphertext is returned for ciphertexts of the wrong size.
	ErrInvalidCiphertext = errors.New("keyexchange: invalid ciphertext")

	// ErrUnexpectedMessage is returned when the peer sends a message its
	// role never sends, such as a ciphertext sent to the encapsulator.
	ErrUnexpectedMessage = errors.New("keyexchange: unexpected message for role")
)

// Config configures an Engine.
type Config struct {
	Role Role

	// Scheme is the KEM. Nil selects ML-KEM-1024.
	Scheme kem.Scheme

	Logger *slog.Logger
}

// Outcome reports what the caller must send after an engine call, and
// whether the key became available.
type Outcome struct {
	// PublicKey, when non-nil, must be sent to the peer as a "pk"
	// envelope. Set by Start and by a rekey.
	PublicKey []byte

	// Ciphertext, when non-nil, must be sent to the peer as a
	// "sharedSecret" envelope. Only the encapsulator produces one.
	// Send it after PublicKey when both are set.
	Ciphertext []byte

	// Derived is true when this call produced the chat key.
	Derived bool

	// Rekeyed is true when a new peer public key restarted the
	// handshake, discarding any derived key.
	Rekeyed bool

	// Generation identifies the handshake that produced the outcome.
	// Callers drop outcomes for which Current reports false.
	Generation uint64
}

// Engine runs one side of the key exchange for one session. Engines are
// safe for concurrent use.
type Engine struct {
	role   Role
	scheme kem.Scheme
	logger *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	inFlight   bool

	// awaitingPeerKey is set by Reset. Ciphertexts arriving before the
	// peer's next public key were made for the discarded keypair.
	awaitingPeerKey bool

	localPublic  []byte
	localPrivate kem.PrivateKey
	peerPublic   []byte
	ciphertext   []byte

	key         *secret.Buffer
	fingerprint string
}

// New creates an idle engine.
func New(config Config) *Engine {
	scheme := config.Scheme
	if scheme == nil {
		scheme = mlkem1024.Scheme()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		role:   config.Role,
		scheme: scheme,
		logger: logger.With("role", config.Role.String()),
	}
}

// Role returns the engine's role.
func (e *Engine) Role() Role { return e.role }

// State returns the current handshake state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start generates the local keypair. The returned outcome always
// carries the public key to announce; it may also complete the
// handshake if peer input arrived before Start.
func (e *Engine) Start() (Outcome, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return Outcome{}, ErrAlreadyStarted
	}
	publicKey, err := e.generateLocked()
	if err != nil {
		e.mu.Unlock()
		return Outcome{}, err
	}
	job := e.nextStepLocked()
	generation := e.generation
	e.mu.Unlock()

	return e.run(job, Outcome{PublicKey: publicKey, Generation: generation})
}

// ReceivePublicKey records the peer's public key. A different key
// from a peer that already sent one means the peer restarted: once
// this side holds a keypair, the handshake restarts with a fresh one.
func (e *Engine) ReceivePublicKey(publicKey []byte) (Outcome, error) {
	if _, err := e.scheme.UnmarshalBinaryPublicKey(publicKey); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	e.mu.Lock()
	var outcome Outcome
	switch {
	case e.peerPublic == nil:
		e.peerPublic = bytes.Clone(publicKey)
	case bytes.Equal(e.peerPublic, publicKey):
		e.mu.Unlock()
		e.logger.Debug("ignoring duplicate peer public key")
		return Outcome{}, nil
	case e.state == StateIdle:
		e.logger.Debug("peer replaced its public key before the local keypair existed")
		e.peerPublic = bytes.Clone(publicKey)
	default:
		e.logger.Info("peer restarted key exchange, rekeying", "state", e.state.String())
		e.resetLocked()
		e.peerPublic = bytes.Clone(publicKey)
		generated, err := e.generateLocked()
		if err != nil {
			e.mu.Unlock()
			return Outcome{}, err
		}
		outcome.PublicKey = generated
		outcome.Rekeyed = true
	}
	e.awaitingPeerKey = false
	if e.state == StateLocalKeypairReady {
		e.state = StatePublicKeyExchanged
	}
	job := e.nextStepLocked()
	outcome.Generation = e.generation
	e.mu.Unlock()

	return e.run(job, outcome)
}

// ReceiveCiphertext records the encapsulator's ciphertext. Only a
// Decapsulator accepts ciphertexts.
func (e *Engine) ReceiveCiphertext(ciphertext []byte) (Outcome, error) {
	if e.role != Decapsulator {
		return Outcome{}, ErrUnexpectedMessage
	}
	if len(ciphertext) != e.scheme.CiphertextSize() {
		return Outcome{}, fmt.Errorf("%w: %d bytes, want %d", ErrInvalidCiphertext, len(ciphertext), e.scheme.CiphertextSize())
	}

	e.mu.Lock()
	switch {
	case e.awaitingPeerKey:
		e.mu.Unlock()
		e.logger.Debug("discarding ciphertext made before the local restart")
		return Outcome{}, nil
	case e.ciphertext == nil:
		e.ciphertext = bytes.Clone(ciphertext)
	case bytes.Equal(e.ciphertext, ciphertext):
		e.mu.Unlock()
		e.logger.Debug("ignoring duplicate ciphertext")
		return Outcome{}, nil
	default:
		state := e.state
		e.mu.Unlock()
		e.logger.Warn("ignoring second ciphertext", "state", state.String())
		return Outcome{}, nil
	}
	job := e.nextStepLocked()
	generation := e.generation
	e.mu.Unlock()

	return e.run(job, Outcome{Generation: generation})
}

// Current reports whether generation is the engine's live handshake.
func (e *Engine) Current(generation uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation == generation
}

// Key returns the derived chat key. The slice aliases locked memory and
// is valid until the next Reset.
func (e *Engine) Key() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateKeyDerived || e.key == nil {
		return nil, ErrNoKey
	}
	return e.key.Bytes(), nil
}

// Fingerprint returns the handshake fingerprint, or "" before the key
// is derived.
func (e *Engine) Fingerprint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fingerprint
}

// Reset discards all key material and returns to Idle. Any in-flight
// encapsulation or decapsulation is cancelled, and ciphertexts are
// discarded until the peer's next public key arrives.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetLocked()
	e.awaitingPeerKey = true
}

func (e *Engine) resetLocked() {
	e.generation++
	e.inFlight = false
	e.awaitingPeerKey = false
	e.state = StateIdle
	e.localPublic = nil
	e.localPrivate = nil
	e.peerPublic = nil
	e.ciphertext = nil
	e.fingerprint = ""
	if e.key != nil {
		e.key.Close()
		e.key = nil
	}
}

func (e *Engine) generateLocked() ([]byte, error) {
	publicKey, privateKey, err := e.scheme.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	encoded, err := publicKey.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encoding public key: %w", err)
	}
	e.localPublic = encoded
	e.localPrivate = privateKey
	e.state = StateLocalKeypairReady
	if e.peerPublic != nil {
		e.state = StatePublicKeyExchanged
	}
	return bytes.Clone(encoded), nil
}

// step is a snapshot of the inputs to one encapsulation or
// decapsulation, taken under the lock and run outside it.
type step struct {
	generation   uint64
	peerPublic   []byte
	localPrivate kem.PrivateKey
	ciphertext   []byte
}

func (e *Engine) nextStepLocked() *step {
	if e.inFlight || e.state != StatePublicKeyExchanged || e.localPrivate == nil {
		return nil
	}
	if e.role == Decapsulator && e.ciphertext == nil {
		return nil
	}
	e.inFlight = true
	return &step{
		generation:   e.generation,
		peerPublic:   e.peerPublic,
		localPrivate: e.localPrivate,
		ciphertext:   e.ciphertext,
	}
}

func (e *Engine) run(job *step, outcome Outcome) (Outcome, error) {
	if job == nil {
		return outcome, nil
	}

	var ciphertext, sharedSecret []byte
	var err error
	switch e.role {
	case Encapsulator:
		var peerKey kem.PublicKey
		peerKey, err = e.scheme.UnmarshalBinaryPublicKey(job.peerPublic)
		if err == nil {
			ciphertext, sharedSecret, err = e.scheme.Encapsulate(peerKey)
		}
	case Decapsulator:
		ciphertext = job.ciphertext
		sharedSecret, err = e.scheme.Decapsulate(job.localPrivate, job.ciphertext)
	}
	defer secret.Zero(sharedSecret)

	e.mu.Lock()
	defer e.mu.Unlock()

	if job.generation != e.generation {
		e.logger.Debug("discarding key exchange result from cancelled handshake")
		return Outcome{}, nil
	}
	e.inFlight = false

	if err != nil {
		if e.role == Decapsulator {
			e.ciphertext = nil
		}
		return outcome, fmt.Errorf("%s failed: %w", e.role, err)
	}
	e.state = StateSecretEstablished

	key, err := deriveKey(sharedSecret)
	if err != nil {
		return outcome, err
	}
	e.key = key
	e.localPrivate = nil
	e.fingerprint = e.fingerprintLocked(ciphertext)
	e.state = StateKeyDerived

	if e.role == Encapsulator {
		e.ciphertext = ciphertext
		outcome.Ciphertext = bytes.Clone(ciphertext)
	}
	outcome.Derived = true
	e.logger.Info("session key derived", "fingerprint", e.fingerprint)
	return outcome, nil
}

// deriveKey expands a KEM shared secret into the chat key.
func deriveKey(sharedSecret []byte) (*secret.Buffer, error) {
	key := make([]byte, KeySize)
	reader := hkdf.New(sha256.New, sharedSecret, nil, []byte(KeyLabel))
	if _, err := io.ReadFull(reader, key); err != nil {
		secret.Zero(key)
		return nil, fmt.Errorf("deriving session key: %w", err)
	}
	buffer, err := secret.NewFromBytes(key)
	if err != nil {
		return nil, fmt.Errorf("storing session key: %w", err)
	}
	return buffer, nil
}

func (e *Engine) fingerprintLocked(ciphertext []byte) string {
	hostPublic, joinerPublic := e.localPublic, e.peerPublic
	if e.role == Decapsulator {
		hostPublic, joinerPublic = e.peerPublic, e.localPublic
	}
	return Fingerprint(hostPublic, joinerPublic, ciphertext)
}

// Fingerprint computes the safety fingerprint of a handshake transcript
// as five dash-separated groups of four hex digits.
func Fingerprint(hostPublic, joinerPublic, ciphertext []byte) string {
	hasher := blake3.New()
	hasher.Write([]byte(fingerprintLabel))
	hasher.Write(hostPublic)
	hasher.Write(joinerPublic)
	hasher.Write(ciphertext)
	digest := hex.EncodeToString(hasher.Sum(nil)[:10])

	groups := make([]string, 0, 5)
	for index := 0; index < len(digest); index += 4 {
		groups = append(groups, digest[index:index+4])
	}
	return strings.Join(groups, "-")
}
