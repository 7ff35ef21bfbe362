// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import "github.com/charmbracelet/lipgloss"

// Theme defines the color palette of the chat UI. All colors use
// lipgloss ANSI 256-color codes for broad terminal compatibility.
type Theme struct {
	// Text colors.
	NormalText lipgloss.Color
	FaintText  lipgloss.Color

	// Sender labels: the local user, the peer, and session notices.
	LocalForeground  lipgloss.Color
	PeerForeground   lipgloss.Color
	NoticeForeground lipgloss.Color

	// Status bar accents.
	ReadyForeground   lipgloss.Color
	PendingForeground lipgloss.Color
	ErrorForeground   lipgloss.Color

	// UI chrome.
	HeaderForeground lipgloss.Color
	BorderColor      lipgloss.Color
	HelpText         lipgloss.Color

	// Admission prompt box.
	PromptForeground lipgloss.Color
	PromptBackground lipgloss.Color

	LinkForeground lipgloss.Color
}

// DefaultTheme is the built-in dark-terminal color scheme.
var DefaultTheme = Theme{
	NormalText: lipgloss.Color("252"),
	FaintText:  lipgloss.Color("245"),

	LocalForeground:  lipgloss.Color("75"),  // blue
	PeerForeground:   lipgloss.Color("114"), // green
	NoticeForeground: lipgloss.Color("141"), // light purple

	ReadyForeground:   lipgloss.Color("114"),
	PendingForeground: lipgloss.Color("220"), // amber
	ErrorForeground:   lipgloss.Color("196"),

	HeaderForeground: lipgloss.Color("255"),
	BorderColor:      lipgloss.Color("240"),
	HelpText:         lipgloss.Color("241"),

	PromptForeground: lipgloss.Color("255"),
	PromptBackground: lipgloss.Color("237"),

	LinkForeground: lipgloss.Color("75"),
}
