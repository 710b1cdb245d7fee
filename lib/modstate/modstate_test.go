// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modstate

import (
	"errors"
	"slices"
	"testing"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

func reference(componentType, payload string) ComponentReference {
	return ComponentReference{Type: componentType, Hash: HashContent([]byte(payload)), Identifier: componentType + ".json"}
}

func TestStateHashIgnoresListingOrder(t *testing.T) {
	components := []ComponentReference{
		reference(TypeOutfit, "coat"),
		reference(TypeBase, "body"),
		reference("zz-custom", "glow"),
	}
	reversed := slices.Clone(components)
	slices.Reverse(reversed)

	if ComputeStateHash(components) != ComputeStateHash(reversed) {
		t.Error("state hash depends on component order")
	}
	changed := slices.Clone(components)
	changed[0] = reference(TypeOutfit, "cape")
	if ComputeStateHash(components) == ComputeStateHash(changed) {
		t.Error("state hash unchanged after a component changed")
	}
	if !ValidHash(ComputeStateHash(nil)) {
		t.Error("empty state hash is malformed")
	}
}

func TestContentHashIsDomainSeparated(t *testing.T) {
	payload := []byte("payload")
	if HashContent(payload) == keyedHash(stateDomainKey, payload) {
		t.Error("component and state domains collide")
	}
	if HashContent(payload) != HashContent([]byte("payload")) {
		t.Error("content hash is not deterministic")
	}
}

func TestValidateDetectsInconsistentStates(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	good := New(id.ID(), 1, []ComponentReference{reference(TypeBase, "body"), reference(TypeOverlay, "tattoo")})
	if err := good.Validate(); err != nil {
		t.Fatalf("valid state rejected: %v", err)
	}

	cases := map[string]func(*PeerModState){
		"wrong state hash": func(s *PeerModState) { s.StateHash = HashContent([]byte("other")) },
		"duplicate type":   func(s *PeerModState) { s.Components[1].Type = TypeBase; s.StateHash = ComputeStateHash(s.Components) },
		"malformed hash":   func(s *PeerModState) { s.Components[0].Hash = "deadbeef"; s.StateHash = ComputeStateHash(s.Components) },
		"empty type":       func(s *PeerModState) { s.Components[0].Type = ""; s.StateHash = ComputeStateHash(s.Components) },
		"malformed peer":   func(s *PeerModState) { s.PeerID = "someone" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			state := good.Clone()
			mutate(state)
			if err := state.Validate(); !errors.Is(err, ErrInvalidState) {
				t.Errorf("error = %v, want ErrInvalidState", err)
			}
		})
	}
}

func TestApplicationOrderFollowsLayers(t *testing.T) {
	components := []ComponentReference{
		reference("zeta", "z"),
		reference(TypeAccessory, "hat"),
		reference("alpha", "a"),
		reference(TypeBase, "body"),
		reference(TypeOverlay, "tattoo"),
		reference(TypeAppearance, "face"),
		reference(TypeOutfit, "coat"),
	}
	var types []string
	for _, component := range ApplicationOrder(components) {
		types = append(types, component.Type)
	}
	want := []string{TypeBase, TypeAppearance, TypeOutfit, TypeOverlay, TypeAccessory, "alpha", "zeta"}
	if !slices.Equal(types, want) {
		t.Errorf("order = %v, want %v", types, want)
	}
}
