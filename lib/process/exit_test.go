// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/pflag"
)

type usageError struct{}

func (usageError) Error() string { return "bad usage" }
func (usageError) ExitCode() int { return 2 }

func TestReport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{"success", nil, 0, ""},
		{"help", fmt.Errorf("parsing flags: %w", pflag.ErrHelp), 0, ""},
		{"plain error", errors.New("no identity"), 1, "syncshell: no identity\n"},
		{"exit coder", fmt.Errorf("keygen: %w", usageError{}), 2, "syncshell: keygen: bad usage\n"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var out bytes.Buffer
			if code := Report(&out, "syncshell", test.err); code != test.wantCode {
				t.Errorf("code = %d, want %d", code, test.wantCode)
			}
			if out.String() != test.wantOut {
				t.Errorf("output = %q, want %q", out.String(), test.wantOut)
			}
		})
	}
}
