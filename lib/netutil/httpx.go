// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides network and HTTP I/O utilities for syncshell.
//
// HTTP response helpers (ReadResponse, ErrorBody) bound all response
// body reads at MaxResponseSize so a misbehaving or malicious signaling
// relay cannot exhaust memory. Relay responses carry a handful of
// session descriptions and are orders of magnitude smaller.
//
// Connection error helpers (IsExpectedCloseError) classify errors that occur
// during normal teardown of a peer stream.
package netutil

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxResponseSize is the bound on relay response body reads: 1 MiB.
const MaxResponseSize int64 = 1 << 20

// ErrResponseTooLarge is returned by ReadResponse when the body exceeds
// MaxResponseSize.
var ErrResponseTooLarge = errors.New("netutil: response body exceeds size limit")

// ReadResponse reads a response body up to MaxResponseSize bytes. A
// longer body is an error rather than silently truncated, since a
// truncated CBOR document would fail to decode with a less useful
// message.
func ReadResponse(body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

// maxErrorBody bounds the part of an error body quoted in messages.
const maxErrorBody = 512

// ErrorBody reads an HTTP error response body and returns it trimmed
// for diagnostic error messages. Read errors are ignored: a partial or
// empty body is still useful in an error message.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return strings.TrimSpace(string(data))
}
