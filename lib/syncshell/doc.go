// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncshell is the node runtime that ties the syncshell
// components together behind one API.
//
// A Node holds the local identity and, for each joined group, the
// group keys and the membership ledger. It owns the connection
// manager, the component cache, the transactional applier, and the
// sync orchestrator, and speaks the frame protocol between them:
//
//   - Joining. An invite code carries the group name and secret plus
//     a way to reach the inviter: an inline offer (direct), a relay
//     mailbox (relay), or an existing link (bootstrap). The joiner
//     proves it derived the group's join key; the inviter adds it to
//     the ledger and issues a member token.
//   - Authentication. On every new link each side asks the other to
//     challenge it for each shared group and answers with its token
//     and a signed nonce. Only authorized peers may gossip ledgers,
//     declare states, or fetch components.
//   - Gossip. Ledgers travel signed by the sender and sealed under the
//     group's rotating broadcast key. A merge that changes the local
//     replica is passed on, applies tombstones to live links, and
//     dials members not yet connected through an already connected
//     member.
//   - Sync. Declared states feed the orchestrator, which fetches
//     missing components and applies each peer's state atomically.
//
// Everything the node persists (group records, ledgers, tokens) is
// sealed with a key derived from the identity seed.
package syncshell
