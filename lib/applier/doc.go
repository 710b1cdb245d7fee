// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package applier makes a peer's declared state active through the
// host's [ComponentApplier], all or nothing.
//
// Apply reads every referenced payload from the component cache
// before touching anything, applies changed components in layer order,
// clears component types the new state drops, and on any failure walks
// the completed steps backwards to restore the previous state. Applied
// states and the states recorded in the bounded transaction history
// are pinned in the cache so [Applier.RollbackToTransaction] can always
// find their bytes.
package applier
