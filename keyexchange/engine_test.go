// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keyexchange

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem1024"

	"github.com/bureau-foundation/pqchat/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newPair(t *testing.T) (host, joiner *Engine) {
	t.Helper()
	host = New(Config{Role: Encapsulator, Logger: testLogger()})
	joiner = New(Config{Role: Decapsulator, Logger: testLogger()})
	t.Cleanup(func() {
		host.Reset()
		joiner.Reset()
	})
	return host, joiner
}

func mustStart(t *testing.T, engine *Engine) Outcome {
	t.Helper()
	outcome, err := engine.Start()
	if err != nil {
		t.Fatalf("Start(%s): %v", engine.Role(), err)
	}
	if outcome.PublicKey == nil {
		t.Fatalf("Start(%s) returned no public key", engine.Role())
	}
	return outcome
}

func requireSameKey(t *testing.T, host, joiner *Engine) {
	t.Helper()
	hostKey, err := host.Key()
	if err != nil {
		t.Fatalf("host Key: %v", err)
	}
	joinerKey, err := joiner.Key()
	if err != nil {
		t.Fatalf("joiner Key: %v", err)
	}
	if len(hostKey) != KeySize {
		t.Fatalf("key length = %d, want %d", len(hostKey), KeySize)
	}
	if !bytes.Equal(hostKey, joinerKey) {
		t.Fatal("host and joiner derived different keys")
	}
	if host.Fingerprint() == "" || host.Fingerprint() != joiner.Fingerprint() {
		t.Fatalf("fingerprints differ: host %q, joiner %q", host.Fingerprint(), joiner.Fingerprint())
	}
}

func TestKEM_DecapsulateRecoversSharedSecret(t *testing.T) {
	scheme := mlkem1024.Scheme()
	for range 8 {
		publicKey, privateKey, err := scheme.GenerateKeyPair()
		if err != nil {
			t.Fatalf("GenerateKeyPair: %v", err)
		}
		ciphertext, sharedSecret, err := scheme.Encapsulate(publicKey)
		if err != nil {
			t.Fatalf("Encapsulate: %v", err)
		}
		recovered, err := scheme.Decapsulate(privateKey, ciphertext)
		if err != nil {
			t.Fatalf("Decapsulate: %v", err)
		}
		if !bytes.Equal(recovered, sharedSecret) {
			t.Fatal("decapsulated secret differs from encapsulated secret")
		}
	}
}

func TestHandshake(t *testing.T) {
	host, joiner := newPair(t)

	hostStart := mustStart(t, host)
	joinerStart := mustStart(t, joiner)

	// Host learns the joiner's key and encapsulates.
	hostOutcome, err := host.ReceivePublicKey(joinerStart.PublicKey)
	if err != nil {
		t.Fatalf("host ReceivePublicKey: %v", err)
	}
	if !hostOutcome.Derived || hostOutcome.Ciphertext == nil {
		t.Fatalf("host outcome = %+v, want derived with ciphertext", hostOutcome)
	}
	if host.State() != StateKeyDerived {
		t.Errorf("host state = %s, want key-derived", host.State())
	}

	// Joiner needs both the host key and the ciphertext.
	outcome, err := joiner.ReceivePublicKey(hostStart.PublicKey)
	if err != nil {
		t.Fatalf("joiner ReceivePublicKey: %v", err)
	}
	if outcome.Derived {
		t.Fatal("joiner derived a key before receiving the ciphertext")
	}
	if joiner.State() != StatePublicKeyExchanged {
		t.Errorf("joiner state = %s, want public-key-exchanged", joiner.State())
	}
	if _, err := joiner.Key(); !errors.Is(err, ErrNoKey) {
		t.Errorf("joiner Key() before ciphertext: err = %v, want ErrNoKey", err)
	}

	outcome, err = joiner.ReceiveCiphertext(hostOutcome.Ciphertext)
	if err != nil {
		t.Fatalf("joiner ReceiveCiphertext: %v", err)
	}
	if !outcome.Derived {
		t.Fatal("joiner did not derive a key after ciphertext")
	}
	requireSameKey(t, host, joiner)
}

func TestHandshake_CiphertextBeforePublicKey(t *testing.T) {
	host, joiner := newPair(t)

	hostStart := mustStart(t, host)
	joinerStart := mustStart(t, joiner)
	hostOutcome, err := host.ReceivePublicKey(joinerStart.PublicKey)
	if err != nil {
		t.Fatalf("host ReceivePublicKey: %v", err)
	}

	outcome, err := joiner.ReceiveCiphertext(hostOutcome.Ciphertext)
	if err != nil {
		t.Fatalf("ReceiveCiphertext: %v", err)
	}
	if outcome.Derived {
		t.Fatal("joiner derived a key before receiving the host public key")
	}

	outcome, err = joiner.ReceivePublicKey(hostStart.PublicKey)
	if err != nil {
		t.Fatalf("ReceivePublicKey: %v", err)
	}
	if !outcome.Derived {
		t.Fatal("second prerequisite did not trigger derivation")
	}
	requireSameKey(t, host, joiner)
}

func TestHandshake_PeerInputBeforeStart(t *testing.T) {
	host, joiner := newPair(t)

	joinerStart := mustStart(t, joiner)
	if _, err := host.ReceivePublicKey(joinerStart.PublicKey); err != nil {
		t.Fatalf("ReceivePublicKey before Start: %v", err)
	}
	if host.State() != StateIdle {
		t.Errorf("host state = %s, want idle", host.State())
	}

	hostStart, err := host.Start()
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !hostStart.Derived || hostStart.PublicKey == nil || hostStart.Ciphertext == nil {
		t.Fatalf("Start outcome = %+v, want public key, ciphertext and derived", hostStart)
	}

	if _, err := joiner.ReceivePublicKey(hostStart.PublicKey); err != nil {
		t.Fatalf("joiner ReceivePublicKey: %v", err)
	}
	if _, err := joiner.ReceiveCiphertext(hostStart.Ciphertext); err != nil {
		t.Fatalf("joiner ReceiveCiphertext: %v", err)
	}
	requireSameKey(t, host, joiner)
}

func TestHandshake_DuplicatesIgnored(t *testing.T) {
	host, joiner := newPair(t)
	hostStart := mustStart(t, host)
	joinerStart := mustStart(t, joiner)

	first, err := host.ReceivePublicKey(joinerStart.PublicKey)
	if err != nil || !first.Derived {
		t.Fatalf("first ReceivePublicKey = %+v, %v", first, err)
	}
	second, err := host.ReceivePublicKey(joinerStart.PublicKey)
	if err != nil {
		t.Fatalf("duplicate ReceivePublicKey: %v", err)
	}
	if second.Derived || second.Ciphertext != nil {
		t.Fatalf("duplicate public key triggered a second encapsulation: %+v", second)
	}

	if _, err := joiner.ReceivePublicKey(hostStart.PublicKey); err != nil {
		t.Fatal(err)
	}
	if outcome, _ := joiner.ReceiveCiphertext(first.Ciphertext); !outcome.Derived {
		t.Fatal("joiner did not derive")
	}
	if outcome, err := joiner.ReceiveCiphertext(first.Ciphertext); err != nil || outcome.Derived {
		t.Fatalf("duplicate ciphertext = %+v, %v", outcome, err)
	}
	requireSameKey(t, host, joiner)
}

func TestHandshake_DifferentPublicKeyMidHandshakeRestarts(t *testing.T) {
	joiner := New(Config{Role: Decapsulator, Logger: testLogger()})
	defer joiner.Reset()
	joinerStart := mustStart(t, joiner)

	firstHost := New(Config{Role: Encapsulator, Logger: testLogger()})
	defer firstHost.Reset()
	restartedHost := New(Config{Role: Encapsulator, Logger: testLogger()})
	defer restartedHost.Reset()
	firstStart := mustStart(t, firstHost)
	restartedStart := mustStart(t, restartedHost)

	if _, err := joiner.ReceivePublicKey(firstStart.PublicKey); err != nil {
		t.Fatal(err)
	}
	restart, err := joiner.ReceivePublicKey(restartedStart.PublicKey)
	if err != nil {
		t.Fatalf("ReceivePublicKey: %v", err)
	}
	if !restart.Rekeyed || restart.PublicKey == nil {
		t.Fatalf("restart outcome = %+v, want a fresh public key", restart)
	}
	if bytes.Equal(restart.PublicKey, joinerStart.PublicKey) {
		t.Fatal("restart reused the previous keypair")
	}
	if !joiner.Current(restart.Generation) {
		t.Error("restart outcome is not current")
	}

	encapsulated, err := restartedHost.ReceivePublicKey(restart.PublicKey)
	if err != nil || !encapsulated.Derived {
		t.Fatalf("host ReceivePublicKey = %+v, %v", encapsulated, err)
	}
	if outcome, err := joiner.ReceiveCiphertext(encapsulated.Ciphertext); err != nil || !outcome.Derived {
		t.Fatalf("joiner ReceiveCiphertext = %+v, %v", outcome, err)
	}
	requireSameKey(t, restartedHost, joiner)
}

func TestReset_DiscardsCiphertextForDiscardedKeypair(t *testing.T) {
	host, joiner := newPair(t)
	hostStart := mustStart(t, host)
	joinerStart := mustStart(t, joiner)
	if _, err := joiner.ReceivePublicKey(hostStart.PublicKey); err != nil {
		t.Fatal(err)
	}
	// The host encapsulates against the joiner's first key while the
	// joiner restarts.
	stale, err := host.ReceivePublicKey(joinerStart.PublicKey)
	if err != nil || stale.Ciphertext == nil {
		t.Fatalf("host ReceivePublicKey = %+v, %v", stale, err)
	}
	joiner.Reset()
	restart := mustStart(t, joiner)

	outcome, err := joiner.ReceiveCiphertext(stale.Ciphertext)
	if err != nil || outcome.Derived {
		t.Fatalf("stale ciphertext = %+v, %v", outcome, err)
	}
	if joiner.State() != StateLocalKeypairReady {
		t.Errorf("state after stale ciphertext = %s, want local-keypair-ready", joiner.State())
	}

	rekey, err := host.ReceivePublicKey(restart.PublicKey)
	if err != nil || !rekey.Rekeyed || rekey.PublicKey == nil || rekey.Ciphertext == nil {
		t.Fatalf("host rekey = %+v, %v", rekey, err)
	}
	if outcome, err := joiner.ReceivePublicKey(rekey.PublicKey); err != nil || outcome.Derived {
		t.Fatalf("joiner ReceivePublicKey = %+v, %v", outcome, err)
	}
	if outcome, err := joiner.ReceiveCiphertext(rekey.Ciphertext); err != nil || !outcome.Derived {
		t.Fatalf("joiner ReceiveCiphertext = %+v, %v", outcome, err)
	}
	requireSameKey(t, host, joiner)
}

func TestCurrent(t *testing.T) {
	engine := New(Config{Role: Encapsulator, Logger: testLogger()})
	defer engine.Reset()
	outcome := mustStart(t, engine)
	if !engine.Current(outcome.Generation) {
		t.Fatal("Start outcome is not current")
	}
	engine.Reset()
	if engine.Current(outcome.Generation) {
		t.Error("outcome is still current after Reset")
	}
}

func TestRekeyAfterPeerRestart(t *testing.T) {
	host, joiner := newPair(t)
	hostStart := mustStart(t, host)
	joinerStart := mustStart(t, joiner)
	hostOutcome, _ := host.ReceivePublicKey(joinerStart.PublicKey)
	joiner.ReceivePublicKey(hostStart.PublicKey)
	joiner.ReceiveCiphertext(hostOutcome.Ciphertext)
	requireSameKey(t, host, joiner)
	oldKey, _ := host.Key()
	oldKey = bytes.Clone(oldKey)

	// The joiner restarts its handshake after repeated decrypt failures.
	joiner.Reset()
	restart := mustStart(t, joiner)

	rekey, err := host.ReceivePublicKey(restart.PublicKey)
	if err != nil {
		t.Fatalf("host rekey: %v", err)
	}
	if !rekey.Rekeyed || !rekey.Derived || rekey.PublicKey == nil || rekey.Ciphertext == nil {
		t.Fatalf("rekey outcome = %+v", rekey)
	}

	joiner.ReceivePublicKey(rekey.PublicKey)
	if outcome, err := joiner.ReceiveCiphertext(rekey.Ciphertext); err != nil || !outcome.Derived {
		t.Fatalf("joiner after rekey = %+v, %v", outcome, err)
	}
	requireSameKey(t, host, joiner)

	newKey, _ := host.Key()
	if bytes.Equal(oldKey, newKey) {
		t.Error("rekey produced the same key")
	}
}

func TestSecretsDiscardedAfterDerivation(t *testing.T) {
	host, joiner := newPair(t)
	hostStart := mustStart(t, host)
	joinerStart := mustStart(t, joiner)
	hostOutcome, _ := host.ReceivePublicKey(joinerStart.PublicKey)
	joiner.ReceivePublicKey(hostStart.PublicKey)
	joiner.ReceiveCiphertext(hostOutcome.Ciphertext)

	for _, engine := range []*Engine{host, joiner} {
		engine.mu.Lock()
		privateKey := engine.localPrivate
		engine.mu.Unlock()
		if privateKey != nil {
			t.Errorf("%s retained its KEM secret key after derivation", engine.Role())
		}
	}
}

func TestReset(t *testing.T) {
	host, joiner := newPair(t)
	hostStart := mustStart(t, host)
	joinerStart := mustStart(t, joiner)
	hostOutcome, _ := host.ReceivePublicKey(joinerStart.PublicKey)
	joiner.ReceivePublicKey(hostStart.PublicKey)
	joiner.ReceiveCiphertext(hostOutcome.Ciphertext)

	joiner.Reset()
	if joiner.State() != StateIdle {
		t.Errorf("state after Reset = %s, want idle", joiner.State())
	}
	if _, err := joiner.Key(); !errors.Is(err, ErrNoKey) {
		t.Errorf("Key() after Reset: err = %v, want ErrNoKey", err)
	}
	if joiner.Fingerprint() != "" {
		t.Error("fingerprint survived Reset")
	}
	if _, err := joiner.Start(); err != nil {
		t.Errorf("Start after Reset: %v", err)
	}
}

func TestStartTwice(t *testing.T) {
	engine := New(Config{Role: Encapsulator, Logger: testLogger()})
	defer engine.Reset()
	mustStart(t, engine)
	if _, err := engine.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start: err = %v, want ErrAlreadyStarted", err)
	}
}

func TestRejectsInvalidInput(t *testing.T) {
	host, joiner := newPair(t)
	mustStart(t, host)
	mustStart(t, joiner)

	if _, err := host.ReceivePublicKey([]byte("short")); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("short public key: err = %v, want ErrInvalidPublicKey", err)
	}
	if _, err := joiner.ReceiveCiphertext([]byte("short")); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("short ciphertext: err = %v, want ErrInvalidCiphertext", err)
	}
	ciphertext := make([]byte, mlkem1024.Scheme().CiphertextSize())
	if _, err := host.ReceiveCiphertext(ciphertext); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("ciphertext to encapsulator: err = %v, want ErrUnexpectedMessage", err)
	}
}

// gatedScheme blocks the first Encapsulate until released, so tests can
// cancel a handshake while encapsulation is in flight.
type gatedScheme struct {
	kem.Scheme
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGatedScheme() *gatedScheme {
	return &gatedScheme{
		Scheme:  mlkem1024.Scheme(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *gatedScheme) Encapsulate(publicKey kem.PublicKey) ([]byte, []byte, error) {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return s.Scheme.Encapsulate(publicKey)
}

func TestReset_CancelsInFlightStep(t *testing.T) {
	scheme := newGatedScheme()
	host := New(Config{Role: Encapsulator, Scheme: scheme, Logger: testLogger()})
	defer host.Reset()
	joiner := New(Config{Role: Decapsulator, Logger: testLogger()})
	defer joiner.Reset()

	mustStart(t, host)
	joinerStart := mustStart(t, joiner)

	results := make(chan Outcome, 1)
	go func() {
		outcome, _ := host.ReceivePublicKey(joinerStart.PublicKey)
		results <- outcome
	}()
	testutil.RequireClosed(t, scheme.entered, 5*time.Second, "encapsulation started")

	// A duplicate arriving while the first is in flight must not start
	// a second encapsulation.
	if outcome, err := host.ReceivePublicKey(joinerStart.PublicKey); err != nil || outcome.Derived {
		t.Fatalf("duplicate during in-flight step = %+v, %v", outcome, err)
	}
	if calls := scheme.calls.Load(); calls != 1 {
		t.Fatalf("Encapsulate called %d times, want 1", calls)
	}

	host.Reset()
	close(scheme.release)

	outcome := testutil.RequireReceive(t, results, 5*time.Second, "cancelled step returns")
	if outcome.Derived || outcome.Ciphertext != nil {
		t.Fatalf("cancelled step reported %+v", outcome)
	}
	if host.State() != StateIdle {
		t.Errorf("state after cancelled step = %s, want idle", host.State())
	}
	if _, err := host.Key(); !errors.Is(err, ErrNoKey) {
		t.Errorf("cancelled step installed a key: %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	first := Fingerprint([]byte("host"), []byte("joiner"), []byte("ct"))
	if !regexp.MustCompile(`^[0-9a-f]{4}(-[0-9a-f]{4}){4}$`).MatchString(first) {
		t.Errorf("Fingerprint = %q, want five groups of four hex digits", first)
	}
	if first != Fingerprint([]byte("host"), []byte("joiner"), []byte("ct")) {
		t.Error("Fingerprint is not deterministic")
	}
	if first == Fingerprint([]byte("joiner"), []byte("host"), []byte("ct")) {
		t.Error("Fingerprint ignores role order")
	}
}

func TestHandshake_PeerRestartDuringEncapsulation(t *testing.T) {
	scheme := newGatedScheme()
	host := New(Config{Role: Encapsulator, Scheme: scheme, Logger: testLogger()})
	defer host.Reset()
	joiner := New(Config{Role: Decapsulator, Logger: testLogger()})
	defer joiner.Reset()

	mustStart(t, host)
	joinerStart := mustStart(t, joiner)

	results := make(chan Outcome, 1)
	go func() {
		outcome, _ := host.ReceivePublicKey(joinerStart.PublicKey)
		results <- outcome
	}()
	testutil.RequireClosed(t, scheme.entered, 5*time.Second, "encapsulation started")

	// The joiner restarts while the host is still encapsulating against
	// its first key.
	joiner.Reset()
	restart := mustStart(t, joiner)
	rekey, err := host.ReceivePublicKey(restart.PublicKey)
	if err != nil {
		t.Fatalf("host ReceivePublicKey: %v", err)
	}
	if !rekey.Rekeyed || !rekey.Derived || rekey.PublicKey == nil || rekey.Ciphertext == nil {
		t.Fatalf("restart outcome = %+v", rekey)
	}

	close(scheme.release)
	cancelled := testutil.RequireReceive(t, results, 5*time.Second, "cancelled encapsulation returns")
	if cancelled.Ciphertext != nil || cancelled.Derived || cancelled.PublicKey != nil {
		t.Fatalf("cancelled encapsulation produced %+v", cancelled)
	}
	if !host.Current(rekey.Generation) {
		t.Fatal("restart outcome is not current")
	}

	if _, err := joiner.ReceivePublicKey(rekey.PublicKey); err != nil {
		t.Fatal(err)
	}
	if outcome, err := joiner.ReceiveCiphertext(rekey.Ciphertext); err != nil || !outcome.Derived {
		t.Fatalf("joiner ReceiveCiphertext = %+v, %v", outcome, err)
	}
	requireSameKey(t, host, joiner)
}
