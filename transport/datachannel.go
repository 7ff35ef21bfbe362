// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// rawChannel is the message-oriented surface of a detached pion data
// channel.
type rawChannel interface {
	ReadDataChannel([]byte) (int, bool, error)
	WriteDataChannel([]byte, bool) (int, error)
	Close() error
}

// messageChannel serializes writes to a detached data channel and
// reads messages on a dedicated goroutine.
type messageChannel struct {
	raw rawChannel

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newMessageChannel(raw rawChannel) *messageChannel {
	return &messageChannel{raw: raw}
}

// send writes data as a single text message.
func (c *messageChannel) send(data []byte) error {
	if len(data) > MaxMessageSize {
		return ErrMessageTooLarge
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.raw.WriteDataChannel(data, true); err != nil {
		return fmt.Errorf("writing data channel message: %w", err)
	}
	return nil
}

// readLoop calls deliver for each message until the channel fails or
// closes, then returns the terminating error. io.EOF means the remote
// side closed the channel.
func (c *messageChannel) readLoop(deliver func([]byte)) error {
	buffer := make([]byte, MaxMessageSize)
	for {
		n, _, err := c.raw.ReadDataChannel(buffer)
		if err != nil {
			if errors.Is(err, io.ErrShortBuffer) {
				return fmt.Errorf("peer sent a message larger than %d bytes: %w", MaxMessageSize, ErrMessageTooLarge)
			}
			return err
		}
		message := make([]byte, n)
		copy(message, buffer[:n])
		deliver(message)
	}
}

func (c *messageChannel) close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.raw.Close()
	})
	return c.closeErr
}
