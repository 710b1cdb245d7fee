// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package membership

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
)

// TombstoneRetention is how long a tombstone stays valid after it is
// created. Expired tombstones are dropped from ledgers.
const TombstoneRetention = 7 * 24 * time.Hour

// QuorumSignature is one co-signer's endorsement of a tombstone.
type QuorumSignature struct {
	Signer    identity.PeerID `cbor:"1,keyasint"`
	Signature []byte          `cbor:"2,keyasint"`
}

// Tombstone records the removal of a peer from a group. It removes
// every ledger entry for RemovedPeerID written at or before
// EntrySequence.
type Tombstone struct {
	RemovedPeerID    identity.PeerID   `cbor:"1,keyasint"`
	EntrySequence    uint64            `cbor:"2,keyasint"`
	RemovedBy        identity.PeerID   `cbor:"3,keyasint"`
	Timestamp        int64             `cbor:"4,keyasint"`
	Signature        []byte            `cbor:"5,keyasint"`
	QuorumSignatures []QuorumSignature `cbor:"6,keyasint,omitempty"`
}

// TombstoneKey identifies a tombstone for deduplication.
type TombstoneKey struct {
	RemovedPeerID identity.PeerID
	EntrySequence uint64
	RemovedBy     identity.PeerID
}

// Key returns the deduplication key of t.
func (t *Tombstone) Key() TombstoneKey {
	return TombstoneKey{RemovedPeerID: t.RemovedPeerID, EntrySequence: t.EntrySequence, RemovedBy: t.RemovedBy}
}

// signingBytes covers every field except the signatures, so co-signers
// and the remover sign the same message.
func (t *Tombstone) signingBytes() ([]byte, error) {
	unsigned := *t
	unsigned.Signature = nil
	unsigned.QuorumSignatures = nil
	return codec.Marshal(&unsigned)
}

// CreateTombstone signs the removal of peer at entrySequence.
func CreateTombstone(remover *identity.Identity, peer identity.PeerID, entrySequence uint64, now time.Time) (*Tombstone, error) {
	tombstone := &Tombstone{
		RemovedPeerID: peer,
		EntrySequence: entrySequence,
		RemovedBy:     remover.ID(),
		Timestamp:     now.UnixMilli(),
	}
	message, err := tombstone.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("membership: encoding tombstone: %w", err)
	}
	tombstone.Signature = remover.Sign(message)
	return tombstone, nil
}

// VerifyTombstone checks the remover's signature. It does not check
// expiry; see Expired.
func VerifyTombstone(t *Tombstone) bool {
	if t == nil || !t.RemovedPeerID.Valid() {
		return false
	}
	message, err := t.signingBytes()
	if err != nil {
		return false
	}
	return identity.VerifyFrom(t.RemovedBy, message, t.Signature)
}

// Expired reports whether the tombstone is past its retention at now.
func (t *Tombstone) Expired(now time.Time) bool {
	return now.Sub(time.UnixMilli(t.Timestamp)) > TombstoneRetention
}

// AddQuorumSignature appends signer's endorsement. Endorsing twice
// replaces the earlier signature.
func AddQuorumSignature(t *Tombstone, signer *identity.Identity) error {
	message, err := t.signingBytes()
	if err != nil {
		return fmt.Errorf("membership: encoding tombstone: %w", err)
	}
	endorsement := QuorumSignature{Signer: signer.ID(), Signature: signer.Sign(message)}
	for index := range t.QuorumSignatures {
		if t.QuorumSignatures[index].Signer == signer.ID() {
			t.QuorumSignatures[index] = endorsement
			return nil
		}
	}
	t.QuorumSignatures = append(t.QuorumSignatures, endorsement)
	return nil
}

// VerifyQuorum reports whether the tombstone carries at least required
// distinct valid co-signatures from signers. The remover counts if it
// appears in signers. A required count of zero or less only demands a
// valid remover signature.
func VerifyQuorum(t *Tombstone, signers []identity.PeerID, required int) bool {
	if !VerifyTombstone(t) {
		return false
	}
	if required <= 0 {
		return true
	}
	message, err := t.signingBytes()
	if err != nil {
		return false
	}

	allowed := make(map[identity.PeerID]bool, len(signers))
	for _, signer := range signers {
		allowed[signer] = true
	}
	counted := make(map[identity.PeerID]bool)
	if allowed[t.RemovedBy] {
		counted[t.RemovedBy] = true
	}
	for _, endorsement := range t.QuorumSignatures {
		if !allowed[endorsement.Signer] || counted[endorsement.Signer] {
			continue
		}
		if identity.VerifyFrom(endorsement.Signer, message, endorsement.Signature) {
			counted[endorsement.Signer] = true
		}
	}
	return len(counted) >= required
}
