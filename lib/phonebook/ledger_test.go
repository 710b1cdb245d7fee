// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package phonebook

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/membership"
	"github.com/bureau-foundation/syncshell/lib/storage"
)

type ledgerFixture struct {
	local    *identity.Identity
	clock    *clock.FakeClock
	store    *storage.Memory
	registry *Registry
	ledger   *Ledger
}

func newLedgerFixture(t *testing.T, quorum int) *ledgerFixture {
	t.Helper()
	fixture := &ledgerFixture{
		local: newIdentity(t),
		clock: clock.Fake(epoch),
		store: storage.NewMemory(),
	}
	fixture.registry = NewRegistry(LedgerConfig{
		Local:  fixture.local,
		Clock:  fixture.clock,
		Store:  fixture.store,
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
		Quorum: quorum,
	})
	ledger, err := fixture.registry.Open(testGroup)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	fixture.ledger = ledger
	return fixture
}

func TestLedgerAddObserveRemove(t *testing.T) {
	fixture := newLedgerFixture(t, 0)
	ledger := fixture.ledger
	peer := newIdentity(t).ID()

	if err := ledger.Observe(peer, "10.0.0.2", 7000); !errors.Is(err, ErrNotMember) {
		t.Errorf("Observe before AddMember: error = %v, want ErrNotMember", err)
	}
	if err := ledger.AddMember(peer, "10.0.0.2", 7000); err != nil {
		t.Fatal(err)
	}
	added, _ := ledger.Member(peer)

	fixture.clock.Advance(time.Minute)
	if err := ledger.Observe(peer, "10.0.0.3", 7001); err != nil {
		t.Fatal(err)
	}
	observed, _ := ledger.Member(peer)
	if observed.Sequence != added.Sequence {
		t.Errorf("Observe changed sequence from %d to %d", added.Sequence, observed.Sequence)
	}
	if observed.LastSeen != epoch.Add(time.Minute).UnixMilli() || observed.Address != "10.0.0.3" {
		t.Errorf("observed entry = %+v", observed)
	}

	tombstone, err := ledger.Remove(peer)
	if err != nil {
		t.Fatal(err)
	}
	if tombstone.EntrySequence != added.Sequence {
		t.Errorf("tombstone covers sequence %d, want %d", tombstone.EntrySequence, added.Sequence)
	}
	if ledger.IsMember(peer) || !ledger.IsRemoved(peer) {
		t.Error("removed peer still a member")
	}
	if err := ledger.Observe(peer, "10.0.0.3", 7001); !errors.Is(err, ErrRemoved) {
		t.Errorf("Observe after removal: error = %v, want ErrRemoved", err)
	}

	// Re-adding outranks the tombstone.
	if err := ledger.AddMember(peer, "10.0.0.4", 7000); err != nil {
		t.Fatal(err)
	}
	if !ledger.IsMember(peer) || ledger.IsRemoved(peer) {
		t.Error("re-added peer is not a member")
	}
}

func TestLedgerMergeRemoteReportsChangesOnly(t *testing.T) {
	fixture := newLedgerFixture(t, 0)
	remotePeer := newIdentity(t).ID()

	remote := book(3, entry(remotePeer, 3, epoch.UnixMilli(), "10.0.0.7"))
	changed, err := fixture.ledger.MergeRemote(remote)
	if err != nil || !changed {
		t.Fatalf("first merge: changed=%v err=%v", changed, err)
	}
	changed, err = fixture.ledger.MergeRemote(remote)
	if err != nil || changed {
		t.Errorf("repeated merge: changed=%v err=%v, want no change", changed, err)
	}
	if fixture.ledger.Sequence() != 3 {
		t.Errorf("sequence = %d, want 3", fixture.ledger.Sequence())
	}

	foreign := New("ffffffffffffffffffffffffffffffff")
	if _, err := fixture.ledger.MergeRemote(foreign); !errors.Is(err, ErrGroupMismatch) {
		t.Errorf("foreign merge: error = %v, want ErrGroupMismatch", err)
	}
}

func TestLedgerEndorseSatisfiesQuorum(t *testing.T) {
	fixture := newLedgerFixture(t, 2)
	remover := newIdentity(t)
	target := newIdentity(t).ID()

	if err := fixture.ledger.AddMember(target, "a", 1); err != nil {
		t.Fatal(err)
	}
	entry, _ := fixture.ledger.Member(target)
	tombstone := mustTombstone(t, remover, target, entry.Sequence)
	if _, err := fixture.ledger.MergeRemote(withTombstones(book(entry.Sequence), tombstone)); err != nil {
		t.Fatal(err)
	}
	if !fixture.ledger.IsMember(target) {
		t.Fatal("unendorsed tombstone removed the member under quorum 2")
	}

	endorsed, err := fixture.ledger.Endorse(target)
	if err != nil || endorsed != 1 {
		t.Fatalf("Endorse = %d, %v; want 1", endorsed, err)
	}
	if fixture.ledger.IsMember(target) {
		t.Error("endorsed tombstone did not remove the member")
	}
}

func TestCleanupExpiredMembersKeepsLocalPeer(t *testing.T) {
	fixture := newLedgerFixture(t, 0)
	stale := newIdentity(t).ID()
	fresh := newIdentity(t).ID()

	for _, peer := range []identity.PeerID{fixture.local.ID(), stale} {
		if err := fixture.ledger.AddMember(peer, "a", 1); err != nil {
			t.Fatal(err)
		}
	}
	fixture.clock.Advance(20 * time.Hour)
	if err := fixture.ledger.AddMember(fresh, "b", 1); err != nil {
		t.Fatal(err)
	}
	fixture.clock.Advance(5 * time.Hour)

	if removed := fixture.ledger.CleanupExpiredMembers(DefaultMemberTTL); removed != 1 {
		t.Errorf("removed %d, want 1", removed)
	}
	if !fixture.ledger.IsMember(fixture.local.ID()) {
		t.Error("local peer pruned")
	}
	if fixture.ledger.IsMember(stale) || !fixture.ledger.IsMember(fresh) {
		t.Error("wrong members pruned")
	}
}

func TestCleanupExpiredTombstones(t *testing.T) {
	fixture := newLedgerFixture(t, 0)
	target := newIdentity(t).ID()
	if err := fixture.ledger.AddMember(target, "a", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := fixture.ledger.Remove(target); err != nil {
		t.Fatal(err)
	}
	fixture.clock.Advance(membership.TombstoneRetention)
	if removed := fixture.ledger.CleanupExpiredTombstones(); removed != 0 {
		t.Errorf("removed %d at the retention boundary, want 0", removed)
	}
	fixture.clock.Advance(time.Second)
	if removed := fixture.ledger.CleanupExpiredTombstones(); removed != 1 {
		t.Errorf("removed %d after retention, want 1", removed)
	}
}

func TestRegistryPersistsAndReloads(t *testing.T) {
	fixture := newLedgerFixture(t, 0)
	peer := newIdentity(t).ID()
	if err := fixture.ledger.AddMember(peer, "10.0.0.2", 7000); err != nil {
		t.Fatal(err)
	}
	if err := fixture.registry.PersistAll(); err != nil {
		t.Fatal(err)
	}

	reloaded := NewRegistry(fixture.registry.config)
	ledger, err := reloaded.Open(testGroup)
	if err != nil {
		t.Fatal(err)
	}
	if !ledger.IsMember(peer) {
		t.Error("member lost across reload")
	}
	if ledger.Sequence() != fixture.ledger.Sequence() {
		t.Errorf("sequence = %d, want %d", ledger.Sequence(), fixture.ledger.Sequence())
	}
}

func TestRegistryTreatsCorruptReplicaAsAbsent(t *testing.T) {
	store := storage.NewMemory()
	if err := store.Put(storageKey(testGroup), []byte("not cbor at all")); err != nil {
		t.Fatal(err)
	}
	registry := NewRegistry(LedgerConfig{
		Local:  newIdentity(t),
		Clock:  clock.Fake(epoch),
		Store:  store,
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	ledger, err := registry.Open(testGroup)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(ledger.Members()) != 0 || ledger.Sequence() != 0 {
		t.Error("corrupt replica was not replaced by an empty one")
	}
	again, _ := registry.Open(testGroup)
	if again != ledger {
		t.Error("Open did not return the cached ledger")
	}
}

func TestRegistryForgetDeletesReplica(t *testing.T) {
	fixture := newLedgerFixture(t, 0)
	if err := fixture.ledger.AddMember(fixture.local.ID(), "a", 1); err != nil {
		t.Fatal(err)
	}
	if err := fixture.registry.PersistAll(); err != nil {
		t.Fatal(err)
	}
	if err := fixture.registry.Forget(testGroup); err != nil {
		t.Fatal(err)
	}
	if has, _ := fixture.store.Has(storageKey(testGroup)); has {
		t.Error("replica still stored")
	}
	if _, ok := fixture.registry.Get(testGroup); ok {
		t.Error("ledger still registered")
	}
}
