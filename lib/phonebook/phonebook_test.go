// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package phonebook

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/membership"
)

const testGroup = "0123456789abcdef0123456789abcdef"

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func entry(peer identity.PeerID, sequence uint64, lastSeen int64, address string) Entry {
	return Entry{PeerID: peer, Address: address, Port: 7000, LastSeen: lastSeen, Sequence: sequence}
}

func book(sequence uint64, entries ...Entry) *Phonebook {
	p := New(testGroup)
	p.Sequence = sequence
	for _, e := range entries {
		p.Members[e.PeerID] = e
	}
	return p
}

func withTombstones(p *Phonebook, tombstones ...*membership.Tombstone) *Phonebook {
	for _, tombstone := range tombstones {
		p.Tombstones = append(p.Tombstones, *tombstone)
	}
	sortTombstones(p.Tombstones)
	return p
}

func mustTombstone(t *testing.T, remover *identity.Identity, peer identity.PeerID, sequence uint64) *membership.Tombstone {
	t.Helper()
	tombstone, err := membership.CreateTombstone(remover, peer, sequence, epoch)
	if err != nil {
		t.Fatal(err)
	}
	return tombstone
}

// permutations returns every ordering of indices 0..n-1.
func permutations(n int) [][]int {
	if n == 1 {
		return [][]int{{0}}
	}
	var result [][]int
	for _, smaller := range permutations(n - 1) {
		for position := 0; position <= len(smaller); position++ {
			ordering := make([]int, 0, n)
			ordering = append(ordering, smaller[:position]...)
			ordering = append(ordering, n-1)
			ordering = append(ordering, smaller[position:]...)
			result = append(result, ordering)
		}
	}
	return result
}

func TestMergeConvergesForEveryDeliveryOrder(t *testing.T) {
	alice := newIdentity(t)
	bob := newIdentity(t)
	carol := newIdentity(t)
	dave := newIdentity(t)

	replicas := []*Phonebook{
		book(4, entry(alice.ID(), 1, 100, "10.0.0.1"), entry(bob.ID(), 4, 300, "10.0.0.2")),
		book(6, entry(bob.ID(), 4, 350, "10.0.0.9"), entry(carol.ID(), 6, 200, "10.0.0.3")),
		withTombstones(book(5, entry(dave.ID(), 2, 50, "10.0.0.4"), entry(alice.ID(), 1, 120, "10.0.0.1")),
			mustTombstone(t, alice, dave.ID(), 3)),
		book(3, entry(dave.ID(), 3, 90, "10.0.0.4")),
	}

	var reference *Phonebook
	for _, ordering := range permutations(len(replicas)) {
		state := New(testGroup)
		for _, index := range ordering {
			state = Merge(state, replicas[index], 0)
		}
		if reference == nil {
			reference = state
			continue
		}
		if !Equal(state, reference) {
			t.Fatalf("ordering %v diverged:\n got %+v\nwant %+v", ordering, state, reference)
		}
	}

	if reference.Sequence != 6 {
		t.Errorf("sequence = %d, want 6", reference.Sequence)
	}
	if got := reference.Members[bob.ID()]; got.LastSeen != 350 || got.Address != "10.0.0.9" {
		t.Errorf("bob entry = %+v, want the later last-seen at equal sequence", got)
	}
	if _, ok := reference.Members[dave.ID()]; ok {
		t.Error("dave survived a tombstone covering sequence 3")
	}
	if len(reference.Members) != 3 {
		t.Errorf("members = %d, want 3", len(reference.Members))
	}
}

func TestMergeIsIdempotentAndAssociativeOverSubsets(t *testing.T) {
	remover := newIdentity(t)
	peers := make([]*identity.Identity, 5)
	for index := range peers {
		peers[index] = newIdentity(t)
	}

	var replicas []*Phonebook
	for index, peer := range peers {
		replica := book(uint64(index+2),
			entry(peer.ID(), uint64(index+1), int64(100*index), fmt.Sprintf("10.0.0.%d", index)),
			entry(peers[(index+1)%len(peers)].ID(), uint64(index+2), int64(50*index), "192.0.2.1"),
		)
		if index%2 == 0 {
			withTombstones(replica, mustTombstone(t, remover, peers[(index+2)%len(peers)].ID(), uint64(index)))
		}
		replicas = append(replicas, replica)
	}

	for _, replica := range replicas {
		if !Equal(Merge(replica, replica, 0), Merge(replica, New(testGroup), 0)) {
			t.Errorf("merge is not idempotent for %+v", replica)
		}
	}
	for i := range replicas {
		for j := range replicas {
			for k := range replicas {
				left := Merge(Merge(replicas[i], replicas[j], 0), replicas[k], 0)
				right := Merge(replicas[i], Merge(replicas[j], replicas[k], 0), 0)
				if !Equal(left, right) {
					t.Fatalf("associativity failed for (%d, %d, %d)", i, j, k)
				}
				if !Equal(Merge(replicas[i], replicas[j], 0), Merge(replicas[j], replicas[i], 0)) {
					t.Fatalf("commutativity failed for (%d, %d)", i, j)
				}
			}
		}
	}
}

func TestTombstonePrecedenceIndependentOfArrivalOrder(t *testing.T) {
	remover := newIdentity(t)
	target := newIdentity(t)

	cases := []struct {
		name          string
		entrySequence uint64
		tombstoneSeq  uint64
		wantSurvives  bool
	}{
		{name: "entry below tombstone sequence is removed", entrySequence: 3, tombstoneSeq: 5, wantSurvives: false},
		{name: "entry at tombstone sequence is removed", entrySequence: 5, tombstoneSeq: 5, wantSurvives: false},
		{name: "re-added entry at sequence 7 survives tombstone at 5", entrySequence: 7, tombstoneSeq: 5, wantSurvives: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			withEntry := book(tc.entrySequence, entry(target.ID(), tc.entrySequence, 10, "10.0.0.5"))
			withTombstone := withTombstones(book(tc.tombstoneSeq), mustTombstone(t, remover, target.ID(), tc.tombstoneSeq))

			forward := Merge(withEntry, withTombstone, 0)
			backward := Merge(withTombstone, withEntry, 0)
			if !Equal(forward, backward) {
				t.Fatalf("arrival order changed the result")
			}
			if _, survives := forward.Members[target.ID()]; survives != tc.wantSurvives {
				t.Errorf("entry survives = %v, want %v", survives, tc.wantSurvives)
			}
			if len(forward.Tombstones) != 1 {
				t.Errorf("tombstones = %d, want the tombstone retained", len(forward.Tombstones))
			}
		})
	}
}

func TestMergeDropsForgedTombstones(t *testing.T) {
	remover := newIdentity(t)
	target := newIdentity(t)
	forged := mustTombstone(t, remover, target.ID(), 9)
	forged.Signature[0] ^= 0xff

	result := Merge(book(2, entry(target.ID(), 2, 1, "a")), withTombstones(book(9), forged), 0)
	if _, ok := result.Members[target.ID()]; !ok {
		t.Error("forged tombstone removed a member")
	}
	if len(result.Tombstones) != 0 {
		t.Error("forged tombstone retained")
	}
}

func TestQuorumPolicyGatesRemoval(t *testing.T) {
	remover := newIdentity(t)
	endorser := newIdentity(t)
	target := newIdentity(t)

	tombstone := mustTombstone(t, remover, target.ID(), 4)
	members := book(4, entry(target.ID(), 4, 1, "a"))

	pending := Merge(members, withTombstones(book(4), tombstone), 2)
	if _, ok := pending.Members[target.ID()]; !ok {
		t.Fatal("single-signer tombstone took effect under quorum 2")
	}

	endorsed := *tombstone
	if err := membership.AddQuorumSignature(&endorsed, endorser); err != nil {
		t.Fatal(err)
	}
	final := Merge(pending, withTombstones(book(4), &endorsed), 2)
	if _, ok := final.Members[target.ID()]; ok {
		t.Error("endorsed tombstone did not take effect under quorum 2")
	}
	if len(final.Tombstones) != 1 || len(final.Tombstones[0].QuorumSignatures) != 1 {
		t.Errorf("tombstones = %+v, want one tombstone carrying one endorsement", final.Tombstones)
	}
}

func TestSanitizeRejectsOtherGroupsAndDropsJunk(t *testing.T) {
	remover := newIdentity(t)
	good := newIdentity(t)
	other := newIdentity(t)

	if _, err := Sanitize(New("ffffffffffffffffffffffffffffffff"), testGroup, epoch); !errors.Is(err, ErrGroupMismatch) {
		t.Errorf("other group: error = %v, want ErrGroupMismatch", err)
	}

	remote := book(5, entry(good.ID(), 5, 1, "a"))
	remote.Members[other.ID()] = entry(good.ID(), 2, 1, "mismatched key")
	remote.Members["ssp1nonsense"] = entry("ssp1nonsense", 1, 1, "malformed")
	stale := mustTombstone(t, remover, other.ID(), 1)
	stale.Timestamp = epoch.Add(-membership.TombstoneRetention - time.Hour).UnixMilli()
	withTombstones(remote, stale, mustTombstone(t, remover, good.ID(), 1))

	clean, err := Sanitize(remote, testGroup, epoch)
	if err != nil {
		t.Fatal(err)
	}
	if len(clean.Members) != 1 {
		t.Errorf("members = %v, want only the well-formed entry", clean.Members)
	}
	// The stale tombstone fails both expiry and (after the timestamp
	// edit) its signature; the fresh one survives.
	if len(clean.Tombstones) != 1 || clean.Tombstones[0].RemovedPeerID != good.ID() {
		t.Errorf("tombstones = %+v, want the fresh tombstone only", clean.Tombstones)
	}
}

func TestSignedBroadcastVerification(t *testing.T) {
	sender := newIdentity(t)
	replica := book(1, entry(sender.ID(), 1, 1, "a"))

	signed, err := SignBroadcast(sender, replica)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyBroadcast(signed) {
		t.Fatal("valid broadcast rejected")
	}
	signed.Phonebook.Sequence = 99
	if VerifyBroadcast(signed) {
		t.Error("tampered broadcast accepted")
	}
	if VerifyBroadcast(nil) || VerifyBroadcast(&SignedPhonebook{Sender: sender.ID()}) {
		t.Error("empty broadcast accepted")
	}
}
