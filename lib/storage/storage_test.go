// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/bureau-foundation/syncshell/lib/sealed"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	directory, err := NewDirectory(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}
	return map[string]Store{
		"memory":    NewMemory(),
		"directory": directory,
	}
}

func TestStoreRoundTripAndDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			key := Key("phonebook", "0123abcd")
			if _, err := store.Get(key); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get before Put: error = %v, want ErrNotFound", err)
			}
			if err := store.Put(key, []byte("first")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := store.Put(key, []byte("second")); err != nil {
				t.Fatalf("Put overwrite: %v", err)
			}
			value, err := store.Get(key)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(value) != "second" {
				t.Errorf("Get = %q, want %q", value, "second")
			}
			if has, _ := store.Has(key); !has {
				t.Error("Has = false after Put")
			}
			if err := store.Delete(key); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := store.Delete(key); err != nil {
				t.Fatalf("Delete of missing key: %v", err)
			}
			if has, _ := store.Has(key); has {
				t.Error("Has = true after Delete")
			}
		})
	}
}

func TestStoreListFiltersByPrefixAndSorts(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"token/g1/peer-b", "token/g1/peer-a", "token/g2/peer-a", "phonebook/g1"} {
				if err := store.Put(key, []byte("x")); err != nil {
					t.Fatalf("Put %s: %v", key, err)
				}
			}
			keys, err := store.List("token/g1/")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			want := []string{"token/g1/peer-a", "token/g1/peer-b"}
			if !slices.Equal(keys, want) {
				t.Errorf("List = %v, want %v", keys, want)
			}
		})
	}
}

func TestStoreRejectsTraversalKeys(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "../escape", "a/../b", ".hidden", "UPPER", "a//b", "a/"} {
				if err := store.Put(key, []byte("x")); !errors.Is(err, ErrInvalidKey) {
					t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
				}
			}
		})
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	store := NewMemory()
	if err := store.Put("k", []byte("abc")); err != nil {
		t.Fatal(err)
	}
	value, _ := store.Get("k")
	value[0] = 'z'
	again, _ := store.Get("k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through returned slice: %q", again)
	}
}

func TestDirectoryPersistsAcrossInstances(t *testing.T) {
	root := t.TempDir()
	first, err := NewDirectory(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Put("groups/abcd", []byte("record")); err != nil {
		t.Fatal(err)
	}

	second, err := NewDirectory(root)
	if err != nil {
		t.Fatal(err)
	}
	value, err := second.Get("groups/abcd")
	if err != nil {
		t.Fatalf("Get from second instance: %v", err)
	}
	if string(value) != "record" {
		t.Errorf("value = %q", value)
	}

	entries, err := os.ReadDir(filepath.Join(root, "groups"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("groups directory has %d entries, want 1 (temporary files must be cleaned up)", len(entries))
	}
}

func TestSealedEncryptsAtRestAndBindsKey(t *testing.T) {
	key, err := sealed.DeriveKey([]byte("local storage key material....."), nil, []byte("storage-test"))
	if err != nil {
		t.Fatal(err)
	}
	box, err := sealed.NewBox(key)
	if err != nil {
		t.Fatal(err)
	}
	defer box.Close()

	inner := NewMemory()
	store := NewSealed(inner, box)
	plaintext := []byte("group secret")
	if err := store.Put("groups/aa", plaintext); err != nil {
		t.Fatalf("Put: %v", err)
	}

	raw, _ := inner.Get("groups/aa")
	if bytes.Contains(raw, plaintext) {
		t.Error("inner store holds plaintext")
	}
	value, err := store.Get("groups/aa")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(value, plaintext) {
		t.Errorf("Get = %q, want %q", value, plaintext)
	}

	// A blob moved to another key must not open.
	if err := inner.Put("groups/bb", raw); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get("groups/bb"); !errors.Is(err, sealed.ErrOpen) {
		t.Errorf("Get of relocated blob: error = %v, want ErrOpen", err)
	}
}
