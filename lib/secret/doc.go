// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds session key material and bearer tokens outside
// the Go heap.
//
// [Buffer] allocates memory via mmap(MAP_ANONYMOUS), locks it into
// physical RAM via mlock, and marks it excluded from core dumps via
// madvise(MADV_DONTDUMP). On Close the memory is zeroed, unlocked, and
// unmapped. The garbage collector never sees the region, so it cannot
// leave stale copies of a derived chat key behind after the session
// ends.
//
// Constructors:
//
//   - [New] allocates a zero-filled buffer of a given size
//   - [NewFromBytes] copies into protected memory and zeros the source
//   - [ReadFromPath] reads a token file (or stdin for "-")
//
// [Zero] wipes ordinary heap slices such as KEM shared-secret bytes
// once they have been fed to the key-derivation function.
//
// Depends on golang.org/x/sys/unix. No other internal dependencies.
package secret
