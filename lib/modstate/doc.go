// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package modstate defines the cosmetic state a peer declares: a set
// of typed components, each named by the keyed BLAKE3 hash of its
// bytes, summarized by a state hash that is independent of listing
// order. It also fixes the layer order components are applied in.
package modstate
