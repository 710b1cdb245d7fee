// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package membership

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/storage"
)

func newTokenStore(t *testing.T) (*TokenStore, *storage.Memory) {
	t.Helper()
	backing := storage.NewMemory()
	return NewTokenStore(backing, slog.New(slog.NewJSONHandler(io.Discard, nil))), backing
}

func TestTokenStoreSaveLoad(t *testing.T) {
	store, _ := newTokenStore(t)
	issuer := newIdentity(t)
	member := newIdentity(t)
	token, err := IssueToken(issuer, testGroup, member.ID(), time.Hour, epoch)
	if err != nil {
		t.Fatal(err)
	}

	if loaded, err := store.Load(testGroup, member.ID()); err != nil || loaded != nil {
		t.Fatalf("Load before Save = %v, %v; want nil, nil", loaded, err)
	}
	if err := store.Save(token); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := store.Load(testGroup, member.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := VerifyToken(loaded, issuer.PublicKey(), epoch); err != nil {
		t.Errorf("loaded token does not verify: %v", err)
	}
}

func TestTokenStoreTreatsCorruptTokenAsAbsent(t *testing.T) {
	store, backing := newTokenStore(t)
	member := newIdentity(t)
	key := tokenKey(testGroup, member.ID())
	if err := backing.Put(key, []byte{0xff, 0x00}); err != nil {
		t.Fatal(err)
	}
	loaded, err := store.Load(testGroup, member.ID())
	if err != nil || loaded != nil {
		t.Errorf("Load of corrupt token = %v, %v; want nil, nil", loaded, err)
	}
	if has, _ := backing.Has(key); has {
		t.Error("corrupt token left in storage")
	}
}

func TestTokenStoreDiscardsAfterRepeatedFailures(t *testing.T) {
	store, _ := newTokenStore(t)
	issuer := newIdentity(t)
	member := newIdentity(t)
	token, err := IssueToken(issuer, testGroup, member.ID(), time.Hour, epoch)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(token); err != nil {
		t.Fatal(err)
	}

	for attempt := 1; attempt < MaxVerificationFailures; attempt++ {
		discarded, err := store.RecordFailure(testGroup, member.ID())
		if err != nil || discarded {
			t.Fatalf("failure %d: discarded=%v err=%v", attempt, discarded, err)
		}
	}
	store.RecordSuccess(testGroup, member.ID())
	if discarded, _ := store.RecordFailure(testGroup, member.ID()); discarded {
		t.Fatal("success did not reset the failure count")
	}
	store.RecordFailure(testGroup, member.ID())
	discarded, err := store.RecordFailure(testGroup, member.ID())
	if err != nil || !discarded {
		t.Fatalf("third consecutive failure: discarded=%v err=%v", discarded, err)
	}
	if loaded, _ := store.Load(testGroup, member.ID()); loaded != nil {
		t.Error("token still stored after being discarded")
	}
}

func TestTokenStorePruneRemovesExpired(t *testing.T) {
	store, _ := newTokenStore(t)
	issuer := newIdentity(t)
	shortLived := newIdentity(t)
	longLived := newIdentity(t)

	expiring, _ := IssueToken(issuer, testGroup, shortLived.ID(), time.Hour, epoch)
	lasting, _ := IssueToken(issuer, testGroup, longLived.ID(), 48*time.Hour, epoch)
	for _, token := range []*MemberToken{expiring, lasting} {
		if err := store.Save(token); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := store.Prune(epoch.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Errorf("Prune removed %d, want 1", removed)
	}
	if loaded, _ := store.Load(testGroup, longLived.ID()); loaded == nil {
		t.Error("unexpired token pruned")
	}
}
