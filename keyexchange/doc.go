// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package keyexchange drives the post-quantum handshake that turns an
// open data channel into a shared 256-bit chat key.
//
// Each side runs one [Engine]. The host is the [Encapsulator]: once it
// holds the joiner's ML-KEM-1024 public key it encapsulates against it
// and sends only the resulting ciphertext. The joiner is the
// [Decapsulator]: it recovers the same shared secret with its own
// secret key. Both sides feed the shared secret through HKDF-SHA256
// with a fixed context label, keep the 32-byte result in a locked
// [secret.Buffer], and immediately discard the KEM secret key and the
// shared-secret bytes.
//
// Inputs may arrive in any order and may be duplicated. The engine
// advances only when every prerequisite of the next step is present,
// so whichever input arrives last triggers it. Duplicates are ignored
// (first wins), and at most one encapsulation or decapsulation is in
// flight at a time. [Engine.Reset] cancels an in-flight step by bumping
// a generation counter; its result is discarded when it completes.
//
// A different public key arriving once the engine holds a keypair
// means the peer restarted its handshake. The engine then rekeys: it
// drops any derived key and in-flight step, generates a fresh keypair,
// and continues as if the new key were the first. After a local Reset
// a decapsulator discards ciphertexts until the peer's next public key
// arrives, since they were made for the discarded keypair. Every
// [Outcome] carries its generation; callers drop outcomes for which
// [Engine.Current] reports false.
//
// [Engine.Fingerprint] is a short BLAKE3 digest over the host public
// key, the joiner public key, and the ciphertext. Users compare it out
// of band to detect an active man in the middle at the relay.
package keyexchange
