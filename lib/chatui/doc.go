// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chatui is the terminal user interface of the pqchat client.
// Built on bubbletea (Elm architecture), it renders the transcript of
// one session, a compose line, a status bar with the connection state
// and the safety fingerprint, and the host's admission prompts.
//
// The model never touches the network. Session notifications and
// admission requests arrive as tea messages ([NotificationMsg],
// [AdmissionRequestMsg], [AdmissionWithdrawnMsg]) sent by the caller
// through tea.Program.Send; outgoing text and admission decisions go
// back through the [Session] and [Admitter] interfaces.
//
// Chat text is rendered as markdown: fenced code blocks are syntax
// highlighted with Chroma, and soft line breaks reflow to the terminal
// width.
package chatui
