// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/syncshell/lib/secret"
)

// KeySize is the size of every symmetric key.
const KeySize = chacha20poly1305.KeySize

// Version is the format byte prepended to every sealed blob. It is
// authenticated as part of the additional data.
const Version byte = 0x01

// Overhead is the per-blob size overhead: version, nonce, and tag.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// ErrOpen is returned when a blob fails authentication: wrong key,
// tampered ciphertext, or mismatched additional data.
var ErrOpen = errors.New("sealed: authentication failed")

// Sealer encrypts and authenticates blobs. Additional data binds a
// blob to its context (a storage key, a group ID) so a blob cannot be
// moved to another context and still open.
type Sealer interface {
	Seal(plaintext, additionalData []byte) ([]byte, error)
	Open(blob, additionalData []byte) ([]byte, error)
}

// Box is a Sealer over a single XChaCha20-Poly1305 key. Blobs have the
// layout
//
//	[version: 1] [nonce: 24] [ciphertext || tag]
type Box struct {
	key *secret.Buffer
}

var _ Sealer = (*Box)(nil)

// NewBox takes ownership of key, which must be KeySize bytes.
func NewBox(key *secret.Buffer) (*Box, error) {
	if key.Len() != KeySize {
		return nil, fmt.Errorf("sealed: key must be %d bytes, got %d", KeySize, key.Len())
	}
	return &Box{key: key}, nil
}

// Seal encrypts plaintext under a fresh random nonce.
func (b *Box) Seal(plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sealed: creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("sealed: generating nonce: %w", err)
	}

	output := make([]byte, 1+len(nonce), Overhead+len(plaintext))
	output[0] = Version
	copy(output[1:], nonce[:])
	return aead.Seal(output, nonce[:], plaintext, buildAAD(Version, additionalData)), nil
}

// Open authenticates and decrypts a blob produced by Seal.
func (b *Box) Open(blob, additionalData []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum is %d", ErrOpen, len(blob), Overhead)
	}
	if blob[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrOpen, blob[0])
	}

	aead, err := chacha20poly1305.NewX(b.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sealed: creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, buildAAD(blob[0], additionalData))
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

// Close zeros the key.
func (b *Box) Close() error {
	return b.key.Close()
}

// DeriveKey derives a KeySize subkey from inputKeyMaterial with
// HKDF-SHA256. info provides domain separation; salt may be nil when
// the input is already uniformly random.
func DeriveKey(inputKeyMaterial, salt, info []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, salt, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("sealed: HKDF derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

func buildAAD(version byte, additionalData []byte) []byte {
	aad := make([]byte, 1+len(additionalData))
	aad[0] = version
	copy(aad[1:], additionalData)
	return aad
}
