// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package membership

import (
	"errors"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const testGroup = "0123456789abcdef0123456789abcdef"

func newIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func TestTokenLifecycle(t *testing.T) {
	issuer := newIdentity(t)
	member := newIdentity(t)

	token, err := IssueToken(issuer, testGroup, member.ID(), 0, epoch)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if got := time.UnixMilli(token.Expiry).Sub(epoch); got != DefaultTokenValidity {
		t.Errorf("validity = %v, want %v", got, DefaultTokenValidity)
	}

	if err := VerifyToken(token, issuer.PublicKey(), epoch.Add(time.Hour)); err != nil {
		t.Errorf("VerifyToken with issuer key: %v", err)
	}
	if err := VerifyToken(token, member.PublicKey(), epoch.Add(time.Hour)); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("VerifyToken with wrong key: error = %v, want ErrInvalidSignature", err)
	}
	if err := VerifyToken(token, issuer.PublicKey(), epoch.Add(DefaultTokenValidity)); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("VerifyToken at expiry: error = %v, want ErrTokenExpired", err)
	}
}

func TestTokenTamperingInvalidatesSignature(t *testing.T) {
	issuer := newIdentity(t)
	member := newIdentity(t)
	token, err := IssueToken(issuer, testGroup, member.ID(), time.Hour, epoch)
	if err != nil {
		t.Fatal(err)
	}
	token.Expiry += int64(time.Hour / time.Millisecond)
	if err := VerifyToken(token, issuer.PublicKey(), epoch); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("extended token: error = %v, want ErrInvalidSignature", err)
	}
}

func TestVerifyTokenForChecksGroupAndSubject(t *testing.T) {
	issuer := newIdentity(t)
	member := newIdentity(t)
	other := newIdentity(t)
	token, err := IssueToken(issuer, testGroup, member.ID(), time.Hour, epoch)
	if err != nil {
		t.Fatal(err)
	}

	if err := VerifyTokenFor(token, testGroup, member.ID(), epoch); err != nil {
		t.Errorf("matching token: %v", err)
	}
	if err := VerifyTokenFor(token, "ffffffffffffffffffffffffffffffff", member.ID(), epoch); !errors.Is(err, ErrGroupMismatch) {
		t.Errorf("other group: error = %v, want ErrGroupMismatch", err)
	}
	if err := VerifyTokenFor(token, testGroup, other.ID(), epoch); !errors.Is(err, ErrSubjectMismatch) {
		t.Errorf("other subject: error = %v, want ErrSubjectMismatch", err)
	}
	token.IssuedBy = "garbage"
	if err := VerifyTokenFor(token, testGroup, member.ID(), epoch); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("malformed issuer: error = %v, want ErrInvalidSignature", err)
	}
	if err := VerifyTokenFor(nil, testGroup, member.ID(), epoch); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("nil token: error = %v, want ErrInvalidSignature", err)
	}
}

func TestTombstoneSignatureAndExpiry(t *testing.T) {
	remover := newIdentity(t)
	removed := newIdentity(t)
	tombstone, err := CreateTombstone(remover, removed.ID(), 5, epoch)
	if err != nil {
		t.Fatalf("CreateTombstone: %v", err)
	}
	if !VerifyTombstone(tombstone) {
		t.Fatal("fresh tombstone does not verify")
	}
	if tombstone.Expired(epoch.Add(TombstoneRetention)) {
		t.Error("tombstone expired exactly at retention boundary")
	}
	if !tombstone.Expired(epoch.Add(TombstoneRetention + time.Millisecond)) {
		t.Error("tombstone not expired after retention")
	}

	forged := *tombstone
	forged.EntrySequence = 9
	if VerifyTombstone(&forged) {
		t.Error("tombstone with altered sequence verified")
	}
	if VerifyTombstone(nil) {
		t.Error("nil tombstone verified")
	}
	garbled := *tombstone
	garbled.Signature = []byte{1, 2, 3}
	if VerifyTombstone(&garbled) {
		t.Error("tombstone with truncated signature verified")
	}
}

func TestTombstoneQuorumCountsDistinctAllowedSigners(t *testing.T) {
	remover := newIdentity(t)
	removed := newIdentity(t)
	second := newIdentity(t)
	third := newIdentity(t)
	outsider := newIdentity(t)

	tombstone, err := CreateTombstone(remover, removed.ID(), 3, epoch)
	if err != nil {
		t.Fatal(err)
	}
	signers := []identity.PeerID{remover.ID(), second.ID(), third.ID()}

	if !VerifyQuorum(tombstone, signers, 0) {
		t.Error("quorum 0 must accept a validly signed tombstone")
	}
	if !VerifyQuorum(tombstone, signers, 1) {
		t.Error("remover alone should satisfy quorum 1")
	}
	if VerifyQuorum(tombstone, signers, 2) {
		t.Error("quorum 2 satisfied with one signer")
	}

	for _, signer := range []*identity.Identity{second, second, outsider} {
		if err := AddQuorumSignature(tombstone, signer); err != nil {
			t.Fatal(err)
		}
	}
	if len(tombstone.QuorumSignatures) != 2 {
		t.Errorf("QuorumSignatures = %d, want 2 (re-endorsement replaces)", len(tombstone.QuorumSignatures))
	}
	if !VerifyTombstone(tombstone) {
		t.Error("co-signatures invalidated the remover signature")
	}
	if !VerifyQuorum(tombstone, signers, 2) {
		t.Error("quorum 2 not satisfied by remover and second")
	}
	if VerifyQuorum(tombstone, signers, 3) {
		t.Error("outsider endorsement counted toward quorum")
	}

	tombstone.QuorumSignatures[0].Signature = remover.Sign([]byte("something else"))
	if VerifyQuorum(tombstone, signers, 2) {
		t.Error("invalid co-signature counted toward quorum")
	}
}

func TestChallengeToleranceAndBinding(t *testing.T) {
	peer := newIdentity(t)
	nonce, err := NewNonce()
	if err != nil {
		t.Fatal(err)
	}
	signature, err := SignChallenge(peer, nonce, epoch, testGroup)
	if err != nil {
		t.Fatal(err)
	}
	timestamp := epoch.UnixMilli()

	if err := VerifyChallenge(peer.ID(), nonce, timestamp, testGroup, signature, epoch.Add(4*time.Minute)); err != nil {
		t.Errorf("within tolerance: %v", err)
	}
	if err := VerifyChallenge(peer.ID(), nonce, timestamp, testGroup, signature, epoch.Add(-6*time.Minute)); !errors.Is(err, ErrStaleChallenge) {
		t.Errorf("future timestamp: error = %v, want ErrStaleChallenge", err)
	}
	if err := VerifyChallenge(peer.ID(), nonce, timestamp, "ffffffffffffffffffffffffffffffff", signature, epoch); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("other group: error = %v, want ErrInvalidSignature", err)
	}
	other, _ := NewNonce()
	if err := VerifyChallenge(peer.ID(), other, timestamp, testGroup, signature, epoch); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("other nonce: error = %v, want ErrInvalidSignature", err)
	}
}
