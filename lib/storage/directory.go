// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
)

// Directory is a Store backed by one file per key under a root
// directory. Writes go to a temporary file that is renamed into place,
// so a crash never leaves a torn value.
type Directory struct {
	root string
	mu   sync.RWMutex
}

var _ Store = (*Directory)(nil)

// NewDirectory creates root if needed and returns a Store over it.
func NewDirectory(root string) (*Directory, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("storage: creating %s: %w", root, err)
	}
	return &Directory{root: root}, nil
}

func (d *Directory) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(d.root, filepath.FromSlash(key)), nil
}

func (d *Directory) Get(key string) ([]byte, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	value, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return value, err
}

func (d *Directory) Put(key string, value []byte) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("storage: creating %s: %w", directory, err)
	}
	temporary, err := os.CreateTemp(directory, ".put-*")
	if err != nil {
		return fmt.Errorf("storage: creating temporary file: %w", err)
	}
	temporaryPath := temporary.Name()
	defer os.Remove(temporaryPath)

	if _, err := temporary.Write(value); err != nil {
		temporary.Close()
		return fmt.Errorf("storage: writing %s: %w", key, err)
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return fmt.Errorf("storage: syncing %s: %w", key, err)
	}
	if err := temporary.Close(); err != nil {
		return fmt.Errorf("storage: closing %s: %w", key, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		return fmt.Errorf("storage: renaming %s into place: %w", key, err)
	}
	return nil
}

func (d *Directory) Has(key string) (bool, error) {
	path, err := d.path(key)
	if err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (d *Directory) Delete(key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("storage: deleting %s: %w", key, err)
	}
	return nil
}

func (d *Directory) List(prefix string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var keys []string
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			return nil
		}
		relative, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relative)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: listing %s: %w", d.root, err)
	}
	slices.Sort(keys)
	return keys, nil
}
