// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package phonebook

import (
	"fmt"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
)

// SignedPhonebook is a replica as gossiped between members, signed by
// the sender.
type SignedPhonebook struct {
	Phonebook *Phonebook      `cbor:"1,keyasint"`
	Sender    identity.PeerID `cbor:"2,keyasint"`
	Signature []byte          `cbor:"3,keyasint"`
}

func (s *SignedPhonebook) signingBytes() ([]byte, error) {
	unsigned := *s
	unsigned.Signature = nil
	return codec.Marshal(&unsigned)
}

// SignBroadcast wraps a replica for gossip.
func SignBroadcast(sender *identity.Identity, book *Phonebook) (*SignedPhonebook, error) {
	signed := &SignedPhonebook{Phonebook: book, Sender: sender.ID()}
	message, err := signed.signingBytes()
	if err != nil {
		return nil, fmt.Errorf("phonebook: encoding broadcast: %w", err)
	}
	signed.Signature = sender.Sign(message)
	return signed, nil
}

// VerifyBroadcast reports whether the broadcast was signed by its
// claimed sender.
func VerifyBroadcast(signed *SignedPhonebook) bool {
	if signed == nil || signed.Phonebook == nil {
		return false
	}
	message, err := signed.signingBytes()
	if err != nil {
		return false
	}
	return identity.VerifyFrom(signed.Sender, message, signed.Signature)
}
