// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the channel wait helpers shared by pqchat
// tests.
//
// [RequireReceive] and [RequireClosed] are the only places in the test
// suite that wait on the wall clock, and only as a hang guard. Protocol
// timeouts (handshake, transport, token freshness) run on a fake clock.
// Both helpers fail the test with t.Fatalf.
package testutil
