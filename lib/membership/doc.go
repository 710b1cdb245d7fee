// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package membership implements the signed records that establish who
// belongs to a syncshell group: member tokens, removal tombstones with
// optional quorum co-signatures, and re-authentication challenges.
//
// Every record is signed over the core-deterministic CBOR encoding of
// itself with its signature fields blanked, so any member can recompute
// the signed bytes from a received record. Signer public keys are
// recovered from peer IDs. Verification functions never panic on
// malformed input.
//
// [TokenStore] persists tokens and discards them after expiry or
// [MaxVerificationFailures] consecutive failed verifications.
package membership
