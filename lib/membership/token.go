// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package membership

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
)

// TokenVersion is the current member token format.
const TokenVersion = 1

// DefaultTokenValidity is how long an issued token stays valid.
const DefaultTokenValidity = 180 * 24 * time.Hour

var (
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("membership: token expired")

	// ErrInvalidSignature is returned when a signature does not
	// verify under the claimed signer's key.
	ErrInvalidSignature = errors.New("membership: invalid signature")

	// ErrGroupMismatch is returned when a record names a different
	// group than the one it is checked against.
	ErrGroupMismatch = errors.New("membership: group mismatch")

	// ErrSubjectMismatch is returned when a token was issued to a
	// different peer than the one presenting it.
	ErrSubjectMismatch = errors.New("membership: token subject mismatch")
)

// MemberToken is an issuer's signed statement that a peer belongs to
// a group. Any existing member may issue one; verifiers trust it as
// long as the issuer is not tombstoned.
type MemberToken struct {
	Version      int             `cbor:"1,keyasint"`
	GroupID      string          `cbor:"2,keyasint"`
	MemberPeerID identity.PeerID `cbor:"3,keyasint"`
	IssuedBy     identity.PeerID `cbor:"4,keyasint"`
	IssuedAt     int64           `cbor:"5,keyasint"`
	Expiry       int64           `cbor:"6,keyasint"`
	Nonce        []byte          `cbor:"7,keyasint"`
	Signature    []byte          `cbor:"8,keyasint"`
}

// signingBytes is the canonical encoding of the token with its
// signature blanked.
func (t *MemberToken) signingBytes() ([]byte, error) {
	unsigned := *t
	unsigned.Signature = nil
	return codec.Marshal(&unsigned)
}

// IssueToken signs a token admitting subject to groupID. A zero
// validity selects DefaultTokenValidity.
func IssueToken(issuer *identity.Identity, groupID string, subject identity.PeerID, validity time.Duration, now time.Time) (*MemberToken, error) {
	if validity <= 0 {
		validity = DefaultTokenValidity
	}
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("membership: generating token nonce: %w", err)
	}
	token := &MemberToken{
		Version:      TokenVersion,
		GroupID:      groupID,
		MemberPeerID: subject,
		IssuedBy:     issuer.ID(),
		IssuedAt:     now.UnixMilli(),
		Expiry:       now.Add(validity).UnixMilli(),
		Nonce:        nonce,
	}
	message, err := token.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("membership: encoding token: %w", err)
	}
	token.Signature = issuer.Sign(message)
	return token, nil
}

// VerifyToken checks the token's signature under issuerKey and its
// expiry against now.
func VerifyToken(token *MemberToken, issuerKey ed25519.PublicKey, now time.Time) error {
	if token == nil {
		return ErrInvalidSignature
	}
	message, err := token.signingBytes()
	if err != nil {
		return fmt.Errorf("membership: encoding token: %w", err)
	}
	if !identity.Verify(message, token.Signature, issuerKey) {
		return ErrInvalidSignature
	}
	if now.UnixMilli() >= token.Expiry {
		return ErrTokenExpired
	}
	return nil
}

// VerifyTokenFor performs the full check a verifier applies when a
// peer presents a token for a group: the issuer key is recovered from
// IssuedBy, and the token must name groupID and subject.
func VerifyTokenFor(token *MemberToken, groupID string, subject identity.PeerID, now time.Time) error {
	if token == nil {
		return ErrInvalidSignature
	}
	if token.GroupID != groupID {
		return ErrGroupMismatch
	}
	if token.MemberPeerID != subject {
		return ErrSubjectMismatch
	}
	issuerKey, err := token.IssuedBy.PublicKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return VerifyToken(token, issuerKey, now)
}

// Expired reports whether the token is past its expiry at now.
func (t *MemberToken) Expired(now time.Time) bool {
	return now.UnixMilli() >= t.Expiry
}
