// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size secret in anonymous memory that is mlocked,
// excluded from core dumps and zeroed on Close. Reading a closed
// Buffer panics. A Buffer must not be copied.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	length int
	closed bool
}

// New allocates a zeroed size-byte Buffer. The caller must Close it.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	data, err := lockedRegion(size)
	if err != nil {
		return nil, err
	}
	return &Buffer{data: data, length: size}, nil
}

// NewFromBytes moves source into a new Buffer: the bytes are copied
// into locked memory and source is zeroed.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, errors.New("secret: cannot create buffer from empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		Zero(source)
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// lockedRegion maps size bytes of private anonymous memory, locks them
// in RAM and marks them MADV_DONTDUMP.
func lockedRegion(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap failed: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: mlock failed: %w", err)
	}
	if err := unix.Madvise(data, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(data)
		unix.Munmap(data)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP) failed: %w", err)
	}
	return data, nil
}

// Bytes returns the secret in place. The slice is only valid until
// Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contentsLocked()
}

// String copies the secret into an ordinary string, for APIs such as
// the id token field of a signaling payload that need one.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.contentsLocked())
}

func (b *Buffer) contentsLocked() []byte {
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.data[:b.length]
}

// Len returns the secret's length in bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Close zeroes the secret and releases its memory. Repeated calls
// return nil.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.data)
	err := errors.Join(
		wrapIf(unix.Munlock(b.data), "munlock"),
		wrapIf(unix.Munmap(b.data), "munmap"),
	)
	b.data = nil
	return err
}

func wrapIf(err error, operation string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("secret: %s failed: %w", operation, err)
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	clear(data)
}
