// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package admission decides whether a host admits a verified peer.
//
// A [Gate] reviews a [Request] carrying the peer's verified identity
// and returns a [Decision]. Review may block for as long as a human
// takes to answer; callers run each review on its own goroutine so
// decisions for different peers never wait on one another.
//
// [AcceptAll], [DenyAll] and [AllowList] decide immediately. [Queue]
// parks each request until an external reviewer (the terminal UI)
// calls [Queue.Resolve]. [FromConfig] selects one of these from the
// admission section of the configuration.
package admission
