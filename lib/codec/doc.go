// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides syncshell's standard CBOR encoding
// configuration.
//
// Every byte sequence that is signed, hashed, sealed, persisted, or
// framed onto a data channel goes through this package: member tokens,
// tombstones, ledger replicas and their broadcasts, mod state hashes,
// invite codes, and wire envelopes. The encoder uses Core
// Deterministic Encoding (RFC 8949 §4.2), so the same logical value
// always produces identical bytes and a signature computed by one peer
// verifies on every other peer.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// # Struct Tag Rules
//
// Wire and storage types use integer keys (`cbor:"1,keyasint"`) so
// encodings stay compact and field renames do not change the bytes.
// Fields added later take new integer keys and are marked omitempty
// so older encodings remain byte-identical.
package codec
