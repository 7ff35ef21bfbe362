// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the pqchat
// client and relay.
//
// Configuration is loaded from a single file specified by either the
// PQCHAT_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There are no fallbacks, no ~/.config discovery,
// and no automatic file search. Commands that run without any config
// file use [Default] directly.
//
// Durations are written as Go duration strings ("90s", "1h") and
// parsed by [Config.Validate]; the typed accessors such as
// [SessionConfig.HandshakeTimeoutDuration] assume a validated config.
//
// Variable expansion is performed on path fields after loading:
// ${HOME} and ${VAR:-default} patterns are expanded. No other
// environment variables override config values.
//
// This package depends on no other pqchat packages.
package config
