// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
)

// ReadFromPath reads a secret (typically the bearer id token handed to
// the chat client) from a file path, or from stdin if path is "-".
// Leading and trailing whitespace is trimmed. Returns an error if the
// source is empty after trimming.
func ReadFromPath(path string) (*Buffer, error) {
	if path == "-" {
		return readFrom(os.Stdin)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return readAll(file)
}

// readFrom reads a single line, which is how tokens are piped in.
func readFrom(reader io.Reader) (*Buffer, error) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return nil, fmt.Errorf("stdin is empty")
	}
	return fromTrimmed(scanner.Bytes())
}

func readAll(reader io.Reader) (*Buffer, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return fromTrimmed(data)
}

func fromTrimmed(data []byte) (*Buffer, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret is empty")
	}

	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
