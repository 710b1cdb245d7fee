// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exports a node's Prometheus metrics: connection
// states, frame traffic, sync sessions, applies, ledger merges, cache
// statistics, and signaling relay requests.
package telemetry
