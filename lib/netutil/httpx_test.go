// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"testing"
)

func TestReadResponse(t *testing.T) {
	t.Run("normal body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader([]byte("mailbox")))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(data) != "mailbox" {
			t.Fatalf("got %q, want %q", data, "mailbox")
		}
	})

	t.Run("empty body", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader(nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(data) != 0 {
			t.Fatalf("expected empty, got %d bytes", len(data))
		}
	})

	t.Run("exactly the limit", func(t *testing.T) {
		data, err := ReadResponse(bytes.NewReader(make([]byte, MaxResponseSize)))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if int64(len(data)) != MaxResponseSize {
			t.Fatalf("got %d bytes, want %d", len(data), MaxResponseSize)
		}
	})

	t.Run("over the limit", func(t *testing.T) {
		_, err := ReadResponse(bytes.NewReader(make([]byte, MaxResponseSize+1)))
		if !errors.Is(err, ErrResponseTooLarge) {
			t.Fatalf("expected ErrResponseTooLarge, got %v", err)
		}
	})

	t.Run("read error propagates", func(t *testing.T) {
		_, err := ReadResponse(&failReader{})
		if err == nil {
			t.Fatal("expected error from failing reader")
		}
	})
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(strings.NewReader("  mailbox full\n")); got != "mailbox full" {
		t.Errorf("got %q, want %q", got, "mailbox full")
	}
	if got := ErrorBody(&failReader{}); got != "" {
		t.Errorf("failing reader gave %q", got)
	}
	long := strings.Repeat("x", 4*maxErrorBody)
	if got := ErrorBody(strings.NewReader(long)); len(got) != maxErrorBody {
		t.Errorf("long body quoted as %d bytes, want %d", len(got), maxErrorBody)
	}
}

func TestIsExpectedCloseError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"EOF", io.EOF, true},
		{"wrapped EOF", fmt.Errorf("reading frame: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"broken pipe", &net.OpError{Op: "write", Err: syscall.EPIPE}, true},
		{"reset", syscall.ECONNRESET, true},
		{"refused", syscall.ECONNREFUSED, false},
		{"other", errors.New("frame too large"), false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsExpectedCloseError(test.err); got != test.want {
				t.Errorf("IsExpectedCloseError(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}

type failReader struct{}

func (*failReader) Read([]byte) (int, error) {
	return 0, fmt.Errorf("simulated read failure")
}
