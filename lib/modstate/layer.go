// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package modstate

import (
	"cmp"
	"slices"
)

// Known component types in application order. Later layers are drawn
// over earlier ones, so they must be applied after them.
const (
	TypeBase       = "base"
	TypeAppearance = "appearance"
	TypeOutfit     = "outfit"
	TypeOverlay    = "overlay"
	TypeAccessory  = "accessory"
)

var layerRank = map[string]int{
	TypeBase:       0,
	TypeAppearance: 1,
	TypeOutfit:     2,
	TypeOverlay:    3,
	TypeAccessory:  4,
}

// unknownRank places unknown types after every known layer.
const unknownRank = 5

// LayerRank returns the position of componentType in application
// order.
func LayerRank(componentType string) int {
	if rank, ok := layerRank[componentType]; ok {
		return rank
	}
	return unknownRank
}

// CompareLayers orders component types for application: known layers
// in fixed order, then unknown types alphabetically.
func CompareLayers(a, b string) int {
	if c := cmp.Compare(LayerRank(a), LayerRank(b)); c != 0 {
		return c
	}
	return cmp.Compare(a, b)
}

// ApplicationOrder returns a copy of components sorted for
// application.
func ApplicationOrder(components []ComponentReference) []ComponentReference {
	ordered := slices.Clone(components)
	slices.SortStableFunc(ordered, func(a, b ComponentReference) int {
		return CompareLayers(a.Type, b.Type)
	})
	return ordered
}
