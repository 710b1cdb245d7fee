// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
)

// PeerIDPrefix marks a syncshell peer identifier.
const PeerIDPrefix = "ssp1"

// SignatureSize is the size of every signature produced by an Identity.
const SignatureSize = ed25519.SignatureSize

// peerIDEncoding is lowercase-safe: decoding upper-cases first.
var peerIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// peerIDLength is the length of a well-formed peer ID: the prefix plus
// 52 base32 characters for a 32-byte public key.
var peerIDLength = len(PeerIDPrefix) + peerIDEncoding.EncodedLen(ed25519.PublicKeySize)

// ErrMalformedPeerID is returned for strings that are not peer IDs.
var ErrMalformedPeerID = errors.New("identity: malformed peer ID")

// PeerID is a peer's stable identifier: PeerIDPrefix followed by the
// lowercase unpadded base32 encoding of its Ed25519 public key. The
// public key is always recoverable from the ID, so verifying a
// signature from a peer needs nothing but its ID.
type PeerID string

// String returns the ID as a string.
func (id PeerID) String() string { return string(id) }

// Short returns an abbreviated form for log lines.
func (id PeerID) Short() string {
	if len(id) <= len(PeerIDPrefix)+8 {
		return string(id)
	}
	return string(id[:len(PeerIDPrefix)+8])
}

// PublicKey decodes the Ed25519 public key embedded in the ID.
func (id PeerID) PublicKey() (ed25519.PublicKey, error) {
	text := string(id)
	if len(text) != peerIDLength || !strings.HasPrefix(text, PeerIDPrefix) || strings.ToLower(text) != text {
		return nil, ErrMalformedPeerID
	}
	raw, err := peerIDEncoding.DecodeString(strings.ToUpper(text[len(PeerIDPrefix):]))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrMalformedPeerID
	}
	return ed25519.PublicKey(raw), nil
}

// Valid reports whether id is well formed.
func (id PeerID) Valid() bool {
	_, err := id.PublicKey()
	return err == nil
}

// ParsePeerID validates text and returns it as a PeerID.
func ParsePeerID(text string) (PeerID, error) {
	id := PeerID(strings.TrimSpace(text))
	if !id.Valid() {
		return "", fmt.Errorf("%w: %q", ErrMalformedPeerID, text)
	}
	return id, nil
}

// PeerIDFromPublicKey derives the ID for a public key.
func PeerIDFromPublicKey(publicKey ed25519.PublicKey) PeerID {
	return PeerID(PeerIDPrefix + strings.ToLower(peerIDEncoding.EncodeToString(publicKey)))
}

// Identity is the process's own signing keypair. A process holds
// exactly one; keys of other peers are only ever known through their
// PeerIDs.
type Identity struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	id         PeerID
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generating Ed25519 keypair: %w", err)
	}
	return &Identity{
		privateKey: privateKey,
		publicKey:  publicKey,
		id:         PeerIDFromPublicKey(publicKey),
	}, nil
}

// FromSeed reconstructs an identity from its 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	privateKey := ed25519.NewKeyFromSeed(seed)
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return &Identity{
		privateKey: privateKey,
		publicKey:  publicKey,
		id:         PeerIDFromPublicKey(publicKey),
	}, nil
}

// ID returns the peer ID.
func (i *Identity) ID() PeerID { return i.id }

// PublicKey returns the public half of the keypair.
func (i *Identity) PublicKey() ed25519.PublicKey { return i.publicKey }

// Seed returns a copy of the private seed. Callers persisting it are
// responsible for zeroing the copy.
func (i *Identity) Seed() []byte {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, i.privateKey.Seed())
	return seed
}

// Sign signs message.
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.privateKey, message)
}

// Verify reports whether signature is a valid signature of message by
// publicKey. Malformed keys or signatures yield false, never a panic:
// both come from untrusted peers.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, message, signature)
}

// VerifyFrom reports whether signature is a valid signature of message
// by the peer that owns id.
func VerifyFrom(id PeerID, message, signature []byte) bool {
	publicKey, err := id.PublicKey()
	if err != nil {
		return false
	}
	return Verify(message, signature, publicKey)
}
