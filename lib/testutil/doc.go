// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers.
//
// [RequireReceive], [RequireClosed], and [RequireEventually] wrap the
// timeout safety valve (select with a wall-clock fallback) so a broken
// test fails instead of hanging. They are the only place where tests
// touch real time; everything under test runs on a fake clock or is
// driven by channels.
//
// [UniqueID] generates distinguishable names for tests that share
// process-wide state.
//
// This package has no syncshell-internal dependencies.
package testutil
