// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"fmt"

	"github.com/bureau-foundation/syncshell/lib/sealed"
)

// Sealed wraps a Store so every value is encrypted at rest. The
// storage key is the additional data, so a blob copied to another key
// fails to open.
type Sealed struct {
	inner  Store
	sealer sealed.Sealer
}

var _ Store = (*Sealed)(nil)

// NewSealed wraps inner with sealer.
func NewSealed(inner Store, sealer sealed.Sealer) *Sealed {
	return &Sealed{inner: inner, sealer: sealer}
}

func (s *Sealed) Get(key string) ([]byte, error) {
	blob, err := s.inner.Get(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.sealer.Open(blob, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", key, err)
	}
	return plaintext, nil
}

func (s *Sealed) Put(key string, value []byte) error {
	blob, err := s.sealer.Seal(value, []byte(key))
	if err != nil {
		return fmt.Errorf("storage: sealing %s: %w", key, err)
	}
	return s.inner.Put(key, blob)
}

func (s *Sealed) Has(key string) (bool, error) { return s.inner.Has(key) }

func (s *Sealed) Delete(key string) error { return s.inner.Delete(key) }

func (s *Sealed) List(prefix string) ([]string, error) { return s.inner.List(prefix) }
