// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock is the time source of session components.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f once d has elapsed, unless the returned Timer
	// is stopped first.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the call. It reports whether the call was still
// pending. Stop on a nil Timer returns false.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.stop()
}
