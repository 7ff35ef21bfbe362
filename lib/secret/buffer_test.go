// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"testing"
)

func TestNew_ValidSize(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New(32) failed: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 32 {
		t.Errorf("expected length 32, got %d", buffer.Len())
	}

	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("expected zero at index %d, got %d", index, value)
		}
	}
}

func TestNew_InvalidSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d): expected error", size)
		}
	}
}

func TestNewFromBytes_ZerosSource(t *testing.T) {
	source := []byte("0123456789abcdef0123456789abcdef")
	original := string(source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes failed: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != original {
		t.Errorf("expected %q, got %q", original, got)
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d was not zeroed: got %d", index, value)
		}
	}
}

func TestNewFromBytes_Empty(t *testing.T) {
	if _, err := NewFromBytes([]byte{}); err == nil {
		t.Fatal("expected error for empty source")
	}
}

func TestBuffer_Close(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	copy(buffer.Bytes(), []byte("derived key material"))

	if err := buffer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if buffer.data != nil {
		t.Error("expected data to be nil after Close")
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestBuffer_Bytes_PanicsAfterClose(t *testing.T) {
	buffer, err := New(16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on Bytes() after Close")
		}
	}()

	buffer.Bytes()
}

func TestZero(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	Zero(data)
	for index, value := range data {
		if value != 0 {
			t.Fatalf("byte %d = %d after Zero", index, value)
		}
	}
}
