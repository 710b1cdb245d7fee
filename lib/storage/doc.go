// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the synchronous key-value persistence that
// ledger replicas, member tokens, and joined-group records are saved
// to.
//
// Keys are slash-separated lowercase segments ([Key] joins them). The
// layout is:
//
//	groups/<group_id>             joined group name and secret
//	phonebook/<group_id>          ledger replica
//	token/<group_id>/<peer_id>    member token
//
// [Memory] backs tests, [Directory] backs the daemon, and [Sealed]
// encrypts values at rest.
package storage
