// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package phonebook

import (
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/membership"
)

// ErrGroupMismatch is returned when a remote phonebook names a
// different group.
var ErrGroupMismatch = errors.New("phonebook: group mismatch")

// Entry is one member's last known reachability.
type Entry struct {
	PeerID   identity.PeerID `cbor:"1,keyasint"`
	Address  string          `cbor:"2,keyasint,omitempty"`
	Port     uint16          `cbor:"3,keyasint,omitempty"`
	LastSeen int64           `cbor:"4,keyasint"`
	Sequence uint64          `cbor:"5,keyasint"`
}

// compareEntries orders two entries for the same peer. The greater
// entry wins a merge. Sequence dominates so that the winner over any
// subset of replicas is the winner over the whole.
func compareEntries(a, b Entry) int {
	if c := cmp.Compare(a.Sequence, b.Sequence); c != 0 {
		return c
	}
	if c := cmp.Compare(a.LastSeen, b.LastSeen); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Address, b.Address); c != 0 {
		return c
	}
	return cmp.Compare(a.Port, b.Port)
}

// Phonebook is a group's replicated member set. The zero value is not
// usable; construct with New.
type Phonebook struct {
	GroupID    string                    `cbor:"1,keyasint"`
	Sequence   uint64                    `cbor:"2,keyasint"`
	Members    map[identity.PeerID]Entry `cbor:"3,keyasint"`
	Tombstones []membership.Tombstone    `cbor:"4,keyasint"`
}

// New returns an empty phonebook for groupID.
func New(groupID string) *Phonebook {
	return &Phonebook{GroupID: groupID, Members: make(map[identity.PeerID]Entry)}
}

// Clone returns a deep copy.
func (p *Phonebook) Clone() *Phonebook {
	clone := &Phonebook{
		GroupID:    p.GroupID,
		Sequence:   p.Sequence,
		Members:    maps.Clone(p.Members),
		Tombstones: make([]membership.Tombstone, len(p.Tombstones)),
	}
	if clone.Members == nil {
		clone.Members = make(map[identity.PeerID]Entry)
	}
	for index, tombstone := range p.Tombstones {
		clone.Tombstones[index] = cloneTombstone(tombstone)
	}
	return clone
}

func cloneTombstone(t membership.Tombstone) membership.Tombstone {
	t.Signature = slices.Clone(t.Signature)
	t.QuorumSignatures = slices.Clone(t.QuorumSignatures)
	return t
}

// Effective reports whether tombstone removes entries under the
// quorum policy: the remover's signature must verify and, when quorum
// is positive, at least quorum distinct signers (the remover included)
// must have signed.
func Effective(tombstone *membership.Tombstone, quorum int) bool {
	signers := []identity.PeerID{tombstone.RemovedBy}
	for _, endorsement := range tombstone.QuorumSignatures {
		signers = append(signers, endorsement.Signer)
	}
	return membership.VerifyQuorum(tombstone, signers, quorum)
}

// Merge combines two replicas of the same group. It is a pure
// function, commutative, associative, and idempotent:
//
//   - the result's sequence is the maximum of both;
//   - a peer present on either side is kept, and when present on both
//     the entry ordered greater by (sequence, last seen, address,
//     port) wins. An entry's sequence is the writing replica's
//     sequence at the time the entry was written, so the entry from
//     the replica with the higher sequence wins;
//   - tombstones are unioned, deduplicated by (removed peer, entry
//     sequence, remover), with co-signatures unioned per signer;
//     tombstones whose remover signature fails are dropped;
//   - an effective tombstone for P at entry sequence s removes P's
//     entry iff the entry's sequence is at most s.
//
// The group ID of local is kept; callers check it beforehand.
func Merge(local, remote *Phonebook, quorum int) *Phonebook {
	result := &Phonebook{
		GroupID:  local.GroupID,
		Sequence: max(local.Sequence, remote.Sequence),
		Members:  make(map[identity.PeerID]Entry, len(local.Members)+len(remote.Members)),
	}
	for _, side := range []*Phonebook{local, remote} {
		for peer, entry := range side.Members {
			existing, ok := result.Members[peer]
			if !ok || compareEntries(entry, existing) > 0 {
				result.Members[peer] = entry
			}
		}
	}
	result.Tombstones = mergeTombstones(local.Tombstones, remote.Tombstones)
	applyTombstones(result, quorum)
	return result
}

func mergeTombstones(sets ...[]membership.Tombstone) []membership.Tombstone {
	byKey := make(map[membership.TombstoneKey]*membership.Tombstone)
	var order []membership.TombstoneKey
	for _, set := range sets {
		for index := range set {
			candidate := &set[index]
			if !membership.VerifyTombstone(candidate) {
				continue
			}
			key := candidate.Key()
			existing, ok := byKey[key]
			if !ok {
				clone := cloneTombstone(*candidate)
				clone.QuorumSignatures = validEndorsements(&clone, nil)
				byKey[key] = &clone
				order = append(order, key)
				continue
			}
			// Same key with a different remover signature is only
			// possible if the remover signed twice at different
			// timestamps; keep the earlier so the choice is order
			// independent.
			if candidate.Timestamp < existing.Timestamp ||
				(candidate.Timestamp == existing.Timestamp && bytes.Compare(candidate.Signature, existing.Signature) < 0) {
				endorsements := existing.QuorumSignatures
				*existing = cloneTombstone(*candidate)
				existing.QuorumSignatures = endorsements
			}
			existing.QuorumSignatures = validEndorsements(existing, candidate.QuorumSignatures)
		}
	}

	merged := make([]membership.Tombstone, 0, len(order))
	for _, key := range order {
		merged = append(merged, *byKey[key])
	}
	sortTombstones(merged)
	return merged
}

// validEndorsements unions t's co-signatures with extra, keeping one
// verifying signature per signer other than the remover, sorted by
// signer.
func validEndorsements(t *membership.Tombstone, extra []membership.QuorumSignature) []membership.QuorumSignature {
	bySigner := make(map[identity.PeerID]membership.QuorumSignature)
	for _, endorsement := range slices.Concat(t.QuorumSignatures, extra) {
		if _, ok := bySigner[endorsement.Signer]; ok || endorsement.Signer == t.RemovedBy {
			continue
		}
		probe := membership.Tombstone{
			RemovedPeerID:    t.RemovedPeerID,
			EntrySequence:    t.EntrySequence,
			RemovedBy:        t.RemovedBy,
			Timestamp:        t.Timestamp,
			Signature:        t.Signature,
			QuorumSignatures: []membership.QuorumSignature{endorsement},
		}
		if membership.VerifyQuorum(&probe, []identity.PeerID{endorsement.Signer}, 1) {
			bySigner[endorsement.Signer] = endorsement
		}
	}
	if len(bySigner) == 0 {
		return nil
	}
	result := slices.Collect(maps.Values(bySigner))
	slices.SortFunc(result, func(a, b membership.QuorumSignature) int {
		return cmp.Compare(a.Signer, b.Signer)
	})
	return result
}

func sortTombstones(tombstones []membership.Tombstone) {
	slices.SortFunc(tombstones, func(a, b membership.Tombstone) int {
		if c := cmp.Compare(a.RemovedPeerID, b.RemovedPeerID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.EntrySequence, b.EntrySequence); c != 0 {
			return c
		}
		return cmp.Compare(a.RemovedBy, b.RemovedBy)
	})
}

// applyTombstones removes every entry covered by an effective
// tombstone.
func applyTombstones(p *Phonebook, quorum int) {
	for index := range p.Tombstones {
		tombstone := &p.Tombstones[index]
		entry, ok := p.Members[tombstone.RemovedPeerID]
		if !ok || entry.Sequence > tombstone.EntrySequence {
			continue
		}
		if Effective(tombstone, quorum) {
			delete(p.Members, tombstone.RemovedPeerID)
		}
	}
}

// Sanitize validates a phonebook received from a peer and returns a
// cleaned copy: malformed entries, expired tombstones, and tombstones
// with invalid signatures are dropped. A phonebook for another group
// is rejected outright.
func Sanitize(remote *Phonebook, groupID string, now time.Time) (*Phonebook, error) {
	if remote == nil {
		return nil, fmt.Errorf("%w: empty phonebook", ErrGroupMismatch)
	}
	if remote.GroupID != groupID {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrGroupMismatch, remote.GroupID, groupID)
	}
	clean := New(groupID)
	clean.Sequence = remote.Sequence
	for peer, entry := range remote.Members {
		if peer != entry.PeerID || !peer.Valid() || entry.Sequence > remote.Sequence {
			continue
		}
		clean.Members[peer] = entry
	}
	for _, tombstone := range remote.Tombstones {
		if tombstone.Expired(now) || !membership.VerifyTombstone(&tombstone) {
			continue
		}
		clean.Tombstones = append(clean.Tombstones, cloneTombstone(tombstone))
	}
	sortTombstones(clean.Tombstones)
	return clean, nil
}

// Equal reports whether two phonebooks hold the same state.
func Equal(a, b *Phonebook) bool {
	if a.GroupID != b.GroupID || a.Sequence != b.Sequence || !maps.Equal(a.Members, b.Members) {
		return false
	}
	return slices.EqualFunc(a.Tombstones, b.Tombstones, func(x, y membership.Tombstone) bool {
		return x.Key() == y.Key() && x.Timestamp == y.Timestamp &&
			bytes.Equal(x.Signature, y.Signature) &&
			slices.EqualFunc(x.QuorumSignatures, y.QuorumSignatures, func(p, q membership.QuorumSignature) bool {
				return p.Signer == q.Signer && bytes.Equal(p.Signature, q.Signature)
			})
	})
}

// SortedMembers returns the entries ordered by peer ID.
func (p *Phonebook) SortedMembers() []Entry {
	entries := slices.Collect(maps.Values(p.Members))
	slices.SortFunc(entries, func(a, b Entry) int { return cmp.Compare(a.PeerID, b.PeerID) })
	return entries
}
