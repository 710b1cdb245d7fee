// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package group derives a syncshell group's identity and key material
// from its name and shared secret, and encodes the invite and answer
// codes that carry a group to new members.
//
// Derivation is deterministic: every member who knows (name, secret)
// computes the same group ID, encryption key, and join key without
// talking to anyone. The master key is Argon2id over the secret, salted
// with a BLAKE3 hash of the name; the group ID and subkeys are derived
// from the master with keyed BLAKE3 and HKDF-SHA256.
package group
