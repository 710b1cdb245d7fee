// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport moves bytes between syncshell peers.
//
// A [Backend] creates [Link]s. A link is one connection attempt: the
// offering side calls CreateOffer and later SetRemoteAnswer, the
// answering side calls CreateAnswer, and both then obtain a reliable,
// ordered stream from Conn. [WebRTCBackend] uses pion PeerConnections
// with a single detached data channel, gathering host, server-reflexive
// and relay candidates from the configured [ICEConfig] (vanilla ICE:
// the description is published once gathering completes or the gather
// timeout passes, whichever is first). [LoopbackBackend] connects links
// in one process through a [LoopbackNetwork] using SDP-shaped
// descriptions, so tests and single-host demos exercise the same
// signaling paths. [NewBackend] selects a backend by name; "auto"
// probes pion once per process.
//
// Session descriptions travel over a [Signaler]. [MemorySignaler] is an
// in-process mailbox. [RelaySignaler] talks to a [RelayServer], the
// HTTP relay an introducer may host: mailboxes keyed by session UUID
// and recipient, consumed on poll, expired when idle, and rate limited
// per mailbox. Relays carry nothing but session descriptions, enforced
// by [ValidateSignal].
//
// Once a stream is open, [Authenticate] runs a mutual Ed25519
// challenge-response bound to both peer IDs before any frame is
// exchanged. [DataChannelConn] adapts a detached data channel to
// net.Conn with deadline support.
package transport
