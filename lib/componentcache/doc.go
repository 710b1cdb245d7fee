// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package componentcache stores component payloads by content hash.
//
// Byte-identical payloads declared by any number of peers occupy one
// entry whose reference count equals the number of holders. Payloads
// are compressed at rest. The map is split into xxhash-selected shards
// so lookups for different hashes do not contend.
//
// Two counters keep an entry alive: references, taken by Store,
// Insert, and Acquire on behalf of peers that declare the content,
// and pins, taken by the applier for applied and historical states.
// Once the stored size passes the soft limit, entries with neither
// are evicted least recently used first. An insert that would exceed
// the hard limit after eviction fails with [ErrCacheExhausted].
package componentcache
