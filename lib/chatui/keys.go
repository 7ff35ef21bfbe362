// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the key bindings of the chat UI.
type KeyMap struct {
	Send     key.Binding
	PageUp   key.Binding
	PageDown key.Binding

	// Rekey discards the session key and restarts the key exchange.
	Rekey key.Binding

	// Admission prompt (host only, while a request is shown).
	Accept key.Binding
	Deny   key.Binding

	Quit key.Binding
}

// DefaultKeyMap is the built-in key binding set.
var DefaultKeyMap = KeyMap{
	Send: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "send"),
	),
	PageUp: key.NewBinding(
		key.WithKeys("pgup", "ctrl+u"),
		key.WithHelp("pgup", "scroll up"),
	),
	PageDown: key.NewBinding(
		key.WithKeys("pgdown", "ctrl+d"),
		key.WithHelp("pgdn", "scroll down"),
	),
	Rekey: key.NewBinding(
		key.WithKeys("ctrl+r"),
		key.WithHelp("C-r", "rekey"),
	),
	Accept: key.NewBinding(
		key.WithKeys("y", "Y"),
		key.WithHelp("y", "admit"),
	),
	Deny: key.NewBinding(
		key.WithKeys("n", "N", "esc"),
		key.WithHelp("n", "deny"),
	),
	Quit: key.NewBinding(
		key.WithKeys("ctrl+c"),
		key.WithHelp("C-c", "quit"),
	),
}
