// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

// Directory applies components as files: <root>/<peer>/<type>. Writes
// go through a temporary file and rename, so a reader never observes a
// partially written component.
type Directory struct {
	root string
}

// NewDirectory creates root if needed and returns an applier writing
// beneath it.
func NewDirectory(root string) (*Directory, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("creating apply directory %s: %w", root, err)
	}
	return &Directory{root: root}, nil
}

// Path returns where the peer's component of the given type lives.
func (d *Directory) Path(peer identity.PeerID, componentType string) string {
	return filepath.Join(d.root, peer.String(), componentType)
}

// Apply replaces the peer's component of the given type.
func (d *Directory) Apply(ctx context.Context, peer identity.PeerID, componentType string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !peer.Valid() || !validSegment(componentType) {
		return fmt.Errorf("provider: cannot apply %q for %q", componentType, peer)
	}

	directory := filepath.Join(d.root, peer.String())
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}

	temporary, err := os.CreateTemp(directory, "."+componentType+".*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(temporary.Name())
		return fmt.Errorf("writing %s: %w", componentType, err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("closing %s: %w", componentType, err)
	}
	if err := os.Rename(temporary.Name(), filepath.Join(directory, componentType)); err != nil {
		os.Remove(temporary.Name())
		return fmt.Errorf("installing %s: %w", componentType, err)
	}
	return nil
}

// Clear removes the peer's component of the given type. Clearing a
// component that was never applied succeeds. The peer directory is
// removed once it is empty.
func (d *Directory) Clear(ctx context.Context, peer identity.PeerID, componentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !peer.Valid() || !validSegment(componentType) {
		return fmt.Errorf("provider: cannot clear %q for %q", componentType, peer)
	}

	if err := os.Remove(d.Path(peer, componentType)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clearing %s: %w", componentType, err)
	}
	// Fails harmlessly while other components remain.
	os.Remove(filepath.Join(d.root, peer.String()))
	return nil
}
