// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// TestingT is the part of *testing.T the helpers use.
type TestingT interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from ch, failing the test if
// none arrives within timeout or ch is closed.
//
//	answer := testutil.RequireReceive(t, answers, 5*time.Second, "answer from %s", hostID)
func RequireReceive[T any](t TestingT, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	timer := time.NewTimer(timeout) //nolint:realclock test hang prevention
	defer timer.Stop()
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while waiting for %s", describe(msgAndArgs))
		}
		return value
	case <-timer.C:
		t.Fatalf("no value after %v while waiting for %s", timeout, describe(msgAndArgs))
	}
	panic("unreachable")
}

// RequireClosed waits until ch is closed or yields a value, failing the
// test after timeout.
//
//	testutil.RequireClosed(t, bus.Done(), 5*time.Second, "relay read loop exit")
func RequireClosed(t TestingT, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	timer := time.NewTimer(timeout) //nolint:realclock test hang prevention
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
		t.Fatalf("channel still open after %v while waiting for %s", timeout, describe(msgAndArgs))
	}
}

// describe renders the optional message: a plain value, or a format
// string and its arguments.
func describe(msgAndArgs []any) string {
	switch {
	case len(msgAndArgs) == 0:
		return "(no message)"
	case len(msgAndArgs) == 1:
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
