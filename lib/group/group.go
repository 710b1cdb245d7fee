// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/sealed"
	"github.com/bureau-foundation/syncshell/lib/secret"
)

// Argon2id parameters for the group master key. Every member derives
// the same key from (name, secret), so these are part of the protocol:
// changing any of them changes every group ID.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	masterSize   = 32
)

const (
	encryptionInfo = "syncshell.group.encryption.v1"
	joinInfo       = "syncshell.group.join.v1"
	groupIDInput   = "syncshell.group.id"
)

// ASCII domain names zero-padded to the 32-byte BLAKE3 key size.
var (
	saltDomainKey = [32]byte{
		's', 'y', 'n', 'c', 's', 'h', 'e', 'l', 'l', '.', 'g', 'r', 'o', 'u', 'p', '.',
		's', 'a', 'l', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	joinProofDomain = []byte("syncshell.join.proof")
)

// ErrEmptyName and ErrEmptySecret reject degenerate group parameters.
var (
	ErrEmptyName   = errors.New("group: name is empty")
	ErrEmptySecret = errors.New("group: secret is empty")
)

// IDLength is the length of a hex group ID.
const IDLength = 32

// Keys is the key material derived from a group's name and shared
// secret. The encryption key seals ledger broadcasts and persisted
// group state; the join key produces join proofs.
type Keys struct {
	GroupID string
	Name    string

	encryption *secret.Buffer
	join       *secret.Buffer
}

// Derive computes the group ID and keys for (name, shared secret).
// The same inputs always produce the same outputs on every member.
func Derive(name string, shared []byte) (*Keys, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if len(shared) == 0 {
		return nil, ErrEmptySecret
	}

	saltHasher, err := blake3.NewKeyed(saltDomainKey[:])
	if err != nil {
		return nil, fmt.Errorf("group: salt hasher: %w", err)
	}
	saltHasher.Write([]byte(name))
	salt := saltHasher.Sum(nil)[:16]

	master := argon2.IDKey(shared, salt, argonTime, argonMemory, argonThreads, masterSize)
	defer secret.Zero(master)

	idHasher, err := blake3.NewKeyed(master)
	if err != nil {
		return nil, fmt.Errorf("group: id hasher: %w", err)
	}
	idHasher.Write([]byte(groupIDInput))
	groupID := hex.EncodeToString(idHasher.Sum(nil)[:16])

	encryption, err := expand(master, encryptionInfo)
	if err != nil {
		return nil, err
	}
	join, err := expand(master, joinInfo)
	if err != nil {
		encryption.Close()
		return nil, err
	}

	return &Keys{
		GroupID:    groupID,
		Name:       name,
		encryption: encryption,
		join:       join,
	}, nil
}

func expand(master []byte, info string) (*secret.Buffer, error) {
	key := make([]byte, sealed.KeySize)
	defer secret.Zero(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("group: expanding %s: %w", info, err)
	}
	return secret.NewFromBytes(key)
}

// EncryptionKey returns the raw group encryption key. The slice is
// valid until Close.
func (k *Keys) EncryptionKey() []byte { return k.encryption.Bytes() }

// NewBox returns a sealed.Box keyed with the group encryption key.
// The caller closes the box.
func (k *Keys) NewBox() (*sealed.Box, error) {
	key, err := secret.NewFromBytes(k.encryption.Bytes())
	if err != nil {
		return nil, err
	}
	return sealed.NewBox(key)
}

// JoinProof proves knowledge of the group secret on behalf of peer.
func (k *Keys) JoinProof(peer identity.PeerID) []byte {
	hasher, err := blake3.NewKeyed(k.join.Bytes())
	if err != nil {
		panic("group: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(joinProofDomain)
	hasher.Write([]byte(peer))
	return hasher.Sum(nil)
}

// VerifyJoinProof reports whether proof was produced by JoinProof for
// peer under this group's keys.
func (k *Keys) VerifyJoinProof(peer identity.PeerID, proof []byte) bool {
	return subtle.ConstantTimeCompare(k.JoinProof(peer), proof) == 1
}

// Close releases the key material.
func (k *Keys) Close() error {
	return errors.Join(k.encryption.Close(), k.join.Close())
}

// ValidID reports whether id has the shape of a group ID.
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}
