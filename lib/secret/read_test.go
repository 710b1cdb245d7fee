// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReadFromPathTrimsWhitespace(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{name: "plain", content: "correct horse"},
		{name: "trailing-newline", content: "correct horse\n"},
		{name: "padded", content: "  correct horse \t\n"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(tempDir, test.name)
			if err := os.WriteFile(path, []byte(test.content), 0600); err != nil {
				t.Fatalf("writing test file: %v", err)
			}
			buffer, err := ReadFromPath(path)
			if err != nil {
				t.Fatalf("ReadFromPath: %v", err)
			}
			defer buffer.Close()
			if buffer.String() != "correct horse" {
				t.Errorf("secret = %q, want %q", buffer.String(), "correct horse")
			}
		})
	}
}

func TestReadFromPathRejectsWhitespaceOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank")
	if err := os.WriteFile(path, []byte(" \n\t"), 0600); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	if _, err := ReadFromPath(path); !errors.Is(err, ErrEmpty) {
		t.Errorf("ReadFromPath error = %v, want ErrEmpty", err)
	}
}

func TestReadFromPathMissingFile(t *testing.T) {
	if _, err := ReadFromPath(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("ReadFromPath on a missing file succeeded")
	}
}

func TestReadLineTakesFirstLine(t *testing.T) {
	buffer, err := readLine(strings.NewReader("first\nsecond\n"))
	if err != nil {
		t.Fatalf("readLine: %v", err)
	}
	defer buffer.Close()
	if buffer.String() != "first" {
		t.Errorf("secret = %q, want %q", buffer.String(), "first")
	}
}
