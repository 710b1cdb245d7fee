// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the message protocol spoken over an
// authenticated peer link.
//
// Every message travels as one frame: a 4-byte big-endian length
// followed by a CBOR [Envelope] whose Type selects the payload schema.
// Frames never exceed [MaxFrameSize]; component payloads larger than
// one frame are compressed and split into [ComponentChunk] messages by
// [SplitComponent] and rebuilt by an [Assembly].
//
// The message set covers per-group re-authentication (challenge
// request, challenge, group auth, auth result), mesh bootstrap joins,
// sealed ledger gossip, state declarations, component transfer, relay
// forwarding of signaling blobs, and link health pings.
package wire
