// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package security holds a node's runtime key state: the local
// identity, an LRU registry of remote public keys recovered from peer
// IDs, each joined group's key material, and the rotating per-epoch
// keys that seal ledger broadcasts.
//
// Broadcast keys are HKDF subkeys of the group encryption key, one per
// epoch of [Config.RotationInterval]. [Context.Run] rotates them on a
// ticker; opening accepts a one-epoch skew in either direction.
package security
