// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// logRecordMsg shows a log record in the status bar.
type logRecordMsg struct {
	Summary string
	Level   slog.Level
}

// logRecordFadeMsg clears the status bar notice after a delay.
type logRecordFadeMsg struct{ sequence int }

// logRecordFadeDelay is how long a log notice stays visible.
const logRecordFadeDelay = 5 * time.Second

// messageSender is the part of tea.Program the handler uses.
type messageSender interface {
	Send(tea.Msg)
}

// TUILogHandler is a slog.Handler that routes records at or above its
// level into the bubbletea program, where they appear in the status
// bar. Records are dropped until SetProgram is called. Handlers
// derived with WithAttrs or WithGroup share the program pointer.
type TUILogHandler struct {
	level   slog.Level
	program *atomic.Pointer[messageSender]
	attrs   []slog.Attr
	groups  []string
}

// NewTUILogHandler creates a handler for records at or above level.
func NewTUILogHandler(level slog.Level) *TUILogHandler {
	return &TUILogHandler{
		level:   level,
		program: &atomic.Pointer[messageSender]{},
	}
}

// SetProgram starts delivery to program. Safe to call from any
// goroutine.
func (handler *TUILogHandler) SetProgram(program messageSender) {
	handler.program.Store(&program)
}

func (handler *TUILogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= handler.level
}

// Handle formats the record as "message (key=value, ...)" and sends
// it to the program.
func (handler *TUILogHandler) Handle(_ context.Context, record slog.Record) error {
	program := handler.program.Load()
	if program == nil {
		return nil
	}

	prefix := strings.Join(handler.groups, ".")
	if prefix != "" {
		prefix += "."
	}
	var parts []string
	for _, attr := range handler.attrs {
		parts = append(parts, fmt.Sprintf("%s=%s", attr.Key, attr.Value))
	}
	record.Attrs(func(attr slog.Attr) bool {
		parts = append(parts, fmt.Sprintf("%s%s=%s", prefix, attr.Key, attr.Value))
		return true
	})

	summary := record.Message
	if len(parts) > 0 {
		summary += " (" + strings.Join(parts, ", ") + ")"
	}
	(*program).Send(logRecordMsg{Summary: summary, Level: record.Level})
	return nil
}

func (handler *TUILogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TUILogHandler{
		level:   handler.level,
		program: handler.program,
		attrs:   append(slices.Clone(handler.attrs), attrs...),
		groups:  slices.Clone(handler.groups),
	}
}

func (handler *TUILogHandler) WithGroup(name string) slog.Handler {
	return &TUILogHandler{
		level:   handler.level,
		program: handler.program,
		attrs:   slices.Clone(handler.attrs),
		groups:  append(slices.Clone(handler.groups), name),
	}
}

// FanoutHandler sends each record to every handler enabled for its
// level.
type FanoutHandler []slog.Handler

func (handlers FanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (handlers FanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (handlers FanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := make(FanoutHandler, len(handlers))
	for index, handler := range handlers {
		derived[index] = handler.WithAttrs(attrs)
	}
	return derived
}

func (handlers FanoutHandler) WithGroup(name string) slog.Handler {
	derived := make(FanoutHandler, len(handlers))
	for index, handler := range handlers {
		derived[index] = handler.WithGroup(name)
	}
	return derived
}
