// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source behind token freshness
// checks, chat timestamps and the session's handshake and transport
// deadlines.
//
// Binaries use [Real]. Tests use [Fake] and drive time explicitly:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	coordinator, _ := session.New(session.Config{Clock: c, ...})
//	c.WaitForTimers(1)     // transport deadline armed
//	c.Advance(time.Minute) // and expired
//
// [FakeClock.WaitForTimers] closes the race between a goroutine arming
// a deadline and the test advancing past it.
package clock
