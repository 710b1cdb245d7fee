// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package connection manages authenticated links to remote peers.
//
// A [Manager] keeps one state machine per peer. Outbound attempts move
// through Offering, IceGathering and Connecting to Connected; inbound
// attempts start at Answering. Every link is mutually authenticated
// with the peers' Ed25519 keys before any frame is read, so a
// Connected peer is exactly who its ID says. A lost link goes to
// Disconnected and is retried with exponential backoff up to
// MaxAttempts, after which the peer is Failed. Transitions are
// published to [Manager.Subscribe] queues.
//
// Offers and answers travel over any number of [transport.Signaler]s,
// polled by [Manager.Run]. Three paths exist: an invite code carries
// an offer out of band ([Manager.OfferDirect], [Manager.AnswerDirect],
// [Manager.CompleteDirect]); an HTTP relay or in-process signaler is
// polled; and a connected peer may introduce two of its neighbours by
// forwarding relay_signal frames ([Manager.MeshSignaler]). When two
// peers offer to each other at once, the smaller peer ID's offer wins.
//
// Connected peers exchange [wire] frames. Pings and relay signals are
// handled here; everything else goes to the configured [Handler] on
// the peer's read goroutine.
package connection
