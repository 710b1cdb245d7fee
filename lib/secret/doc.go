// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps key material out of the Go heap.
//
// A [Buffer] is an anonymous mmap region, locked against swap and
// excluded from core dumps where the kernel permits, and zeroed on
// Close. Group shared secrets, the Argon2id master key and everything
// HKDF derives from it, and identity-file passphrases live in Buffers.
//
// [ReadFromPath] loads a secret from a file or stdin.
//
// Depends on golang.org/x/sys/unix. No syncshell-internal dependencies.
package secret
