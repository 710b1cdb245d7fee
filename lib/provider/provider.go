// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider reads the local peer's cosmetic components from the
// host environment and writes remote peers' components back into it.
//
// A Provider supplies the components the local peer declares. The
// file-backed Manifest reads a JSONC manifest listing component files.
// Directory is the matching applier: it materializes each remote peer's
// applied components under a per-peer directory so a host process can
// pick them up.
//
// Manifest format:
//
//	{
//	  // Paths are relative to the manifest's directory.
//	  "components": [
//	    {"type": "outfit", "identifier": "tunic", "path": "tunic.bin"},
//	    {"type": "palette", "identifier": "default", "path": "colors.bin"},
//	  ],
//	}
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
)

// Component is one typed, identified payload read from the host.
type Component struct {
	Type       string
	Identifier string
	Data       []byte
}

// Provider supplies the local peer's current components.
type Provider interface {
	Components(ctx context.Context) ([]Component, error)
}

// Static is a Provider over a fixed component list.
type Static []Component

// Components returns a copy of the list.
func (s Static) Components(context.Context) ([]Component, error) {
	return slices.Clone(s), nil
}

// ErrInvalidManifest is returned for manifests that parse but describe
// unusable components.
var ErrInvalidManifest = errors.New("provider: invalid manifest")

type manifestEntry struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
	Path       string `json:"path"`
}

type manifestFile struct {
	Components []manifestEntry `json:"components"`
}

// Manifest is a Provider backed by a JSONC manifest file. The manifest
// and every component file are re-read on each call, so edits take
// effect at the next declaration.
type Manifest struct {
	path string
}

// NewManifest returns a Manifest reading the file at path.
func NewManifest(path string) *Manifest {
	return &Manifest{path: path}
}

// Path returns the manifest's location.
func (m *Manifest) Path() string { return m.path }

// Components parses the manifest and reads each listed file.
func (m *Manifest) Components(ctx context.Context) ([]Component, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", m.path, err)
	}

	var manifest manifestFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &manifest); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", m.path, err)
	}

	base := filepath.Dir(m.path)
	seen := make(map[[2]string]bool, len(manifest.Components))
	components := make([]Component, 0, len(manifest.Components))
	for index, entry := range manifest.Components {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.Type == "" || entry.Identifier == "" || entry.Path == "" {
			return nil, fmt.Errorf("%w: component %d needs type, identifier, and path", ErrInvalidManifest, index)
		}
		key := [2]string{entry.Type, entry.Identifier}
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate component %s/%s", ErrInvalidManifest, entry.Type, entry.Identifier)
		}
		seen[key] = true

		path := entry.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(base, path)
		}
		payload, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading component %s/%s: %w", entry.Type, entry.Identifier, err)
		}
		components = append(components, Component{
			Type:       entry.Type,
			Identifier: entry.Identifier,
			Data:       payload,
		})
	}
	return components, nil
}

// validSegment reports whether name is safe to use as a single path
// element.
func validSegment(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && !strings.ContainsRune(name, 0)
}
