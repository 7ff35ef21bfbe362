// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFromPath_File(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{name: "plain token", content: "eyJhbGciOi.payload.sig", expected: "eyJhbGciOi.payload.sig"},
		{name: "trailing newline", content: "eyJhbGciOi.payload.sig\n", expected: "eyJhbGciOi.payload.sig"},
		{name: "surrounding whitespace", content: "  eyJhbGciOi.payload.sig \n", expected: "eyJhbGciOi.payload.sig"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(tempDir, strings.ReplaceAll(test.name, " ", "-"))
			if err := os.WriteFile(path, []byte(test.content), 0600); err != nil {
				t.Fatalf("writing test file: %v", err)
			}

			result, err := ReadFromPath(path)
			if err != nil {
				t.Fatalf("ReadFromPath() error: %v", err)
			}
			defer result.Close()
			if result.String() != test.expected {
				t.Errorf("ReadFromPath() = %q, want %q", result.String(), test.expected)
			}
		})
	}
}

func TestReadFromPath_NotFound(t *testing.T) {
	if _, err := ReadFromPath(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReadFromPath_WhitespaceOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank")
	if err := os.WriteFile(path, []byte(" \n\t\n"), 0600); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	if _, err := ReadFromPath(path); err == nil {
		t.Fatal("expected error for whitespace-only file")
	}
}

func TestReadFrom_SingleLine(t *testing.T) {
	result, err := readFrom(strings.NewReader("token-one\ntoken-two\n"))
	if err != nil {
		t.Fatalf("readFrom() error: %v", err)
	}
	defer result.Close()
	if result.String() != "token-one" {
		t.Errorf("readFrom() = %q, want %q", result.String(), "token-one")
	}
}
