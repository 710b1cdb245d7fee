// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator decides what state moves between peers.
//
// Each pass compares every reachable peer's declared state hash with
// what the applier last applied for it. A match costs nothing. For a
// mismatch, the components already in the cache are referenced on the
// peer's behalf and the rest are requested over the peer's connection
// in a single session; when nothing is missing the state is applied
// without touching the network. Chunks are reassembled and verified
// against their content hash before they enter the cache. A session
// that times out, loses its peer, or fails to apply ends Failed and is
// reaped on the next pass, which re-evaluates from scratch.
//
// Passes run on a ticker, on [Orchestrator.Trigger], and when the
// connection layer reports a peer connected, spaced at least
// MinInterval apart by a token-bucket limiter.
package orchestrator
