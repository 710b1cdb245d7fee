// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// ExitCoder is implemented by errors that carry their own exit status.
type ExitCoder interface {
	ExitCode() int
}

// Exit terminates the process for the error returned by a command's
// run function: 0 for nil or a --help request, the error's own code for
// an ExitCoder, and 1 otherwise, with "binary: err" on stderr.
func Exit(binary string, err error) {
	os.Exit(Report(os.Stderr, binary, err))
}

// Report writes the message Exit would print to w and returns the exit
// code Exit would use.
func Report(w io.Writer, binary string, err error) int {
	if err == nil || errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(w, "%s: %v\n", binary, err)
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
