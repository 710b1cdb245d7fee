// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity provides the local Ed25519 signing identity and the
// peer identifiers derived from public keys.
//
// A [PeerID] embeds the public key, so any signature from a peer can
// be verified from its ID alone and no key directory is ever needed.
// [Verify] and [VerifyFrom] treat every input as untrusted: malformed
// keys or signatures make them return false.
//
// [Save] and [Load] persist the seed, encrypted with an age scrypt
// recipient when a passphrase is configured.
package identity
