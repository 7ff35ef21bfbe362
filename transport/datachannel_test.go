// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"io"
	"sync"
	"testing"
)

// pipeChannel is an in-memory rawChannel: written messages are queued
// for reading by the same instance.
type pipeChannel struct {
	mu       sync.Mutex
	cond     *sync.Cond
	messages [][]byte
	strings  []bool
	closed   bool
	closes   int
}

func newPipeChannel() *pipeChannel {
	p := &pipeChannel{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *pipeChannel) ReadDataChannel(buffer []byte) (int, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.messages) == 0 && !p.closed {
		p.cond.Wait()
	}
	if len(p.messages) == 0 {
		return 0, false, io.EOF
	}
	message := p.messages[0]
	p.messages = p.messages[1:]
	if len(message) > len(buffer) {
		return 0, false, io.ErrShortBuffer
	}
	return copy(buffer, message), true, nil
}

func (p *pipeChannel) WriteDataChannel(data []byte, isString bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.messages = append(p.messages, append([]byte(nil), data...))
	p.strings = append(p.strings, isString)
	p.cond.Broadcast()
	return len(data), nil
}

func (p *pipeChannel) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.closes++
	p.cond.Broadcast()
	return nil
}

func TestMessageChannel_SendAndReadInOrder(t *testing.T) {
	pipe := newPipeChannel()
	channel := newMessageChannel(pipe)

	for _, message := range []string{"one", "two", "three"} {
		if err := channel.send([]byte(message)); err != nil {
			t.Fatalf("send(%q): %v", message, err)
		}
	}
	for _, isString := range pipe.strings {
		if !isString {
			t.Error("message was not sent as text")
		}
	}
	channel.close()

	var received []string
	err := channel.readLoop(func(data []byte) {
		received = append(received, string(data))
	})
	if !errors.Is(err, io.EOF) {
		t.Errorf("readLoop error = %v, want io.EOF", err)
	}
	want := []string{"one", "two", "three"}
	if len(received) != len(want) {
		t.Fatalf("received %v, want %v", received, want)
	}
	for i := range want {
		if received[i] != want[i] {
			t.Errorf("received[%d] = %q, want %q", i, received[i], want[i])
		}
	}
}

func TestMessageChannel_SendTooLarge(t *testing.T) {
	channel := newMessageChannel(newPipeChannel())
	err := channel.send(make([]byte, MaxMessageSize+1))
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("send error = %v, want ErrMessageTooLarge", err)
	}
}

func TestMessageChannel_OversizedInboundStopsLoop(t *testing.T) {
	pipe := newPipeChannel()
	pipe.messages = append(pipe.messages, make([]byte, MaxMessageSize+1))

	channel := newMessageChannel(pipe)
	err := channel.readLoop(func([]byte) {
		t.Error("oversized message delivered")
	})
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("readLoop error = %v, want ErrMessageTooLarge", err)
	}
}

func TestMessageChannel_CloseIdempotent(t *testing.T) {
	pipe := newPipeChannel()
	channel := newMessageChannel(pipe)
	channel.close()
	channel.close()
	if pipe.closes != 1 {
		t.Errorf("underlying Close called %d times, want 1", pipe.closes)
	}
}
