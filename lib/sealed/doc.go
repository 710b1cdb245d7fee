// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides authenticated encryption for blobs that
// leave the process: persisted ledger replicas and member tokens, and
// ledger broadcasts gossiped between members.
//
// A [Box] seals with XChaCha20-Poly1305 under a random 24-byte nonce.
// The version byte and caller-supplied additional data are
// authenticated, so a blob sealed for one storage key or one group
// fails to open anywhere else. [DeriveKey] derives subkeys with
// HKDF-SHA256; group keys, epoch broadcast keys, and the local
// storage key all come from it.
package sealed
