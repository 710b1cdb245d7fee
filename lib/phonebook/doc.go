// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package phonebook implements the replicated membership ledger of a
// syncshell group.
//
// A [Phonebook] maps peer IDs to reachability entries and carries the
// group's signed removal tombstones. Replicas converge through
// [Merge], a pure join: each peer's entry is the maximum under
// (sequence, last seen, address, port), tombstone sets are unioned,
// and a tombstone at entry sequence s removes an entry whose sequence
// is at most s. A peer re-added after removal gets a higher sequence
// and survives the old tombstone.
//
// [Ledger] is the mutable local replica with pruning and persistence;
// [Registry] opens ledgers lazily from storage and runs periodic
// maintenance. Gossip carries replicas as [SignedPhonebook] values.
package phonebook
