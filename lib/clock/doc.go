// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time so that expiry, backoff, health checks,
// and session timeouts can be tested deterministically.
//
// Production code receives [Real]. Tests receive a [FakeClock] from
// [Fake] and drive it with Advance, using WaitForTimers to make sure
// the goroutine under test has registered its timer first:
//
//	go manager.reconnect(ctx, peer)
//	fakeClock.WaitForTimers(1)
//	fakeClock.Advance(2 * time.Second)
package clock
