// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modstate

import (
	"cmp"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
)

// HashLength is the length of a hex content or state hash.
const HashLength = 64

// Domain separation keys: ASCII domain names zero-padded to 32 bytes.
// Changing either invalidates every hash in that domain.
var (
	componentDomainKey = [32]byte{
		's', 'y', 'n', 'c', 's', 'h', 'e', 'l', 'l', '.', 'c', 'o', 'm', 'p', 'o', 'n',
		'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
	stateDomainKey = [32]byte{
		's', 'y', 'n', 'c', 's', 'h', 'e', 'l', 'l', '.', 's', 't', 'a', 't', 'e', 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// ErrInvalidState is returned by Validate.
var ErrInvalidState = errors.New("modstate: invalid state")

// ComponentReference names one component of a peer's configuration by
// its content hash.
type ComponentReference struct {
	Type       string `cbor:"1,keyasint"`
	Hash       string `cbor:"2,keyasint"`
	Identifier string `cbor:"3,keyasint,omitempty"`
}

// PeerModState is the full set of components a peer declares.
type PeerModState struct {
	PeerID     identity.PeerID      `cbor:"1,keyasint"`
	StateHash  string               `cbor:"2,keyasint"`
	Version    uint64               `cbor:"3,keyasint"`
	Components []ComponentReference `cbor:"4,keyasint"`
}

func keyedHash(key [32]byte, data []byte) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("modstate: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// HashContent returns the content hash of a component payload.
func HashContent(data []byte) string {
	return keyedHash(componentDomainKey, data)
}

// ValidHash reports whether hash has the shape of a content or state
// hash.
func ValidHash(hash string) bool {
	if len(hash) != HashLength {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func compareReferences(a, b ComponentReference) int {
	if c := cmp.Compare(a.Type, b.Type); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Hash, b.Hash); c != 0 {
		return c
	}
	return cmp.Compare(a.Identifier, b.Identifier)
}

// SortedComponents returns a copy of components in canonical order:
// by type, then hash, then identifier.
func SortedComponents(components []ComponentReference) []ComponentReference {
	sorted := slices.Clone(components)
	slices.SortFunc(sorted, compareReferences)
	return sorted
}

// ComputeStateHash hashes the canonical encoding of components sorted
// into canonical order, so the result does not depend on the order the
// components were listed in.
func ComputeStateHash(components []ComponentReference) string {
	encoded, err := codec.Marshal(SortedComponents(components))
	if err != nil {
		panic("modstate: encoding component references: " + err.Error())
	}
	return keyedHash(stateDomainKey, encoded)
}

// New builds a state for peer from components, computing the state
// hash.
func New(peer identity.PeerID, version uint64, components []ComponentReference) *PeerModState {
	sorted := SortedComponents(components)
	return &PeerModState{
		PeerID:     peer,
		StateHash:  ComputeStateHash(sorted),
		Version:    version,
		Components: sorted,
	}
}

// Validate checks that every reference is well formed, no component
// type appears twice, and the state hash matches the components.
func (s *PeerModState) Validate() error {
	if !s.PeerID.Valid() {
		return fmt.Errorf("%w: malformed peer ID %q", ErrInvalidState, s.PeerID)
	}
	seen := make(map[string]bool, len(s.Components))
	for _, reference := range s.Components {
		if reference.Type == "" {
			return fmt.Errorf("%w: component with empty type", ErrInvalidState)
		}
		if !ValidHash(reference.Hash) {
			return fmt.Errorf("%w: component %s has malformed hash %q", ErrInvalidState, reference.Type, reference.Hash)
		}
		if seen[reference.Type] {
			return fmt.Errorf("%w: duplicate component type %s", ErrInvalidState, reference.Type)
		}
		seen[reference.Type] = true
	}
	if computed := ComputeStateHash(s.Components); computed != s.StateHash {
		return fmt.Errorf("%w: state hash %s does not match components (%s)", ErrInvalidState, s.StateHash, computed)
	}
	return nil
}

// Clone returns a deep copy.
func (s *PeerModState) Clone() *PeerModState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Components = slices.Clone(s.Components)
	return &clone
}

// ByType indexes the components by type.
func (s *PeerModState) ByType() map[string]ComponentReference {
	index := make(map[string]ComponentReference, len(s.Components))
	for _, reference := range s.Components {
		index[reference.Type] = reference
	}
	return index
}
