// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress provides the payload compression used for cached
// components at rest and for component chunks on the wire: LZ4 block
// compression for speed, zstd for ratio, and a probe ([Select]) that
// picks between them per payload.
package compress
