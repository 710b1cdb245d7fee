// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package membership

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
)

// ChallengeTolerance bounds the clock skew accepted on a challenge
// response timestamp.
const ChallengeTolerance = 5 * time.Minute

// NonceSize is the length of a challenge nonce.
const NonceSize = 32

// ErrStaleChallenge is returned when a challenge response timestamp is
// outside ChallengeTolerance of the verifier's clock.
var ErrStaleChallenge = errors.New("membership: challenge timestamp outside tolerance")

// ErrNonceMismatch is returned when a response answers a different
// nonce than the one issued.
var ErrNonceMismatch = errors.New("membership: challenge nonce mismatch")

type challengeMessage struct {
	Nonce     []byte `cbor:"1,keyasint"`
	Timestamp int64  `cbor:"2,keyasint"`
	GroupID   string `cbor:"3,keyasint"`
}

// NewNonce returns a fresh random challenge nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("membership: generating nonce: %w", err)
	}
	return nonce, nil
}

// SignChallenge proves possession of the identity's key for groupID
// in response to nonce.
func SignChallenge(signer *identity.Identity, nonce []byte, timestamp time.Time, groupID string) ([]byte, error) {
	message, err := codec.Marshal(&challengeMessage{Nonce: nonce, Timestamp: timestamp.UnixMilli(), GroupID: groupID})
	if err != nil {
		return nil, fmt.Errorf("membership: encoding challenge: %w", err)
	}
	return signer.Sign(message), nil
}

// VerifyChallenge checks a challenge response from peer. timestamp is
// the responder's claimed signing time, checked against now.
func VerifyChallenge(peer identity.PeerID, nonce []byte, timestamp int64, groupID string, signature []byte, now time.Time) error {
	skew := now.Sub(time.UnixMilli(timestamp))
	if skew < 0 {
		skew = -skew
	}
	if skew > ChallengeTolerance {
		return ErrStaleChallenge
	}
	message, err := codec.Marshal(&challengeMessage{Nonce: nonce, Timestamp: timestamp, GroupID: groupID})
	if err != nil {
		return fmt.Errorf("membership: encoding challenge: %w", err)
	}
	if !identity.VerifyFrom(peer, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}
