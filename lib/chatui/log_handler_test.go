// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

type recordingProgram struct {
	mu       sync.Mutex
	messages []tea.Msg
}

func (p *recordingProgram) Send(message tea.Msg) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, message)
}

func (p *recordingProgram) records() []logRecordMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result []logRecordMsg
	for _, message := range p.messages {
		if record, ok := message.(logRecordMsg); ok {
			result = append(result, record)
		}
	}
	return result
}

func TestTUILogHandler_DropsBeforeProgram(t *testing.T) {
	handler := NewTUILogHandler(slog.LevelWarn)
	logger := slog.New(handler)
	logger.Warn("early")

	program := &recordingProgram{}
	handler.SetProgram(program)
	logger.Warn("late")

	records := program.records()
	if len(records) != 1 || records[0].Summary != "late" {
		t.Errorf("records = %+v, want only the late record", records)
	}
}

func TestTUILogHandler_LevelAndAttrs(t *testing.T) {
	handler := NewTUILogHandler(slog.LevelWarn)
	program := &recordingProgram{}
	handler.SetProgram(program)

	logger := slog.New(handler).With("session", "S1")
	logger.Info("hidden")
	logger.Warn("relay lost", "error", "EOF")

	records := program.records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Summary != "relay lost (session=S1, error=EOF)" {
		t.Errorf("summary = %q", records[0].Summary)
	}
	if records[0].Level != slog.LevelWarn {
		t.Errorf("level = %v", records[0].Level)
	}
}

func TestTUILogHandler_DerivedSharesProgram(t *testing.T) {
	handler := NewTUILogHandler(slog.LevelInfo)
	derived := slog.New(handler).WithGroup("transport")

	program := &recordingProgram{}
	handler.SetProgram(program)
	derived.Info("state", "value", "connected")

	records := program.records()
	if len(records) != 1 || records[0].Summary != "state (transport.value=connected)" {
		t.Errorf("records = %+v", records)
	}
}

func TestFanoutHandler(t *testing.T) {
	tuiHandler := NewTUILogHandler(slog.LevelError)
	program := &recordingProgram{}
	tuiHandler.SetProgram(program)
	fileHandler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})

	fanout := FanoutHandler{tuiHandler, fileHandler}
	if !fanout.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("fanout should be enabled when any handler is")
	}

	logger := slog.New(fanout)
	logger.Info("to file only")
	logger.Error("to both")

	records := program.records()
	if len(records) != 1 || records[0].Summary != "to both" {
		t.Errorf("records = %+v", records)
	}
}
