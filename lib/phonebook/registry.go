// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package phonebook

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/storage"
)

// Registry holds the ledgers of every joined group, loading each from
// storage on first use.
type Registry struct {
	config LedgerConfig

	mu      sync.Mutex
	ledgers map[string]*Ledger
}

// NewRegistry returns an empty registry. Every ledger it opens shares
// config.
func NewRegistry(config LedgerConfig) *Registry {
	return &Registry{config: config, ledgers: make(map[string]*Ledger)}
}

// Open returns the ledger for groupID, loading the persisted replica
// on first use. A corrupt replica is logged and replaced by an empty
// one. Loaded replicas are pruned of expired tombstones.
func (r *Registry) Open(groupID string) (*Ledger, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ledger, ok := r.ledgers[groupID]; ok {
		return ledger, nil
	}

	book, err := r.load(groupID)
	if err != nil {
		return nil, err
	}
	ledger := NewLedger(book, r.config)
	if removed := ledger.CleanupExpiredTombstones(); removed > 0 {
		r.config.Logger.Info("pruned expired tombstones on load", "group", groupID, "removed", removed)
	}
	r.ledgers[groupID] = ledger
	return ledger, nil
}

func (r *Registry) load(groupID string) (*Phonebook, error) {
	data, err := r.config.Store.Get(storageKey(groupID))
	if errors.Is(err, storage.ErrNotFound) {
		return New(groupID), nil
	}
	if err != nil {
		r.config.Logger.Warn("discarding unreadable phonebook", "group", groupID, "error", err)
		return New(groupID), nil
	}
	var book Phonebook
	if err := codec.Unmarshal(data, &book); err != nil {
		r.config.Logger.Warn("discarding corrupt phonebook", "group", groupID, "error", err)
		return New(groupID), nil
	}
	if book.GroupID != groupID {
		r.config.Logger.Warn("discarding phonebook stored under the wrong group",
			"group", groupID, "stored_group", book.GroupID)
		return New(groupID), nil
	}
	if book.Members == nil {
		book.Members = make(map[identity.PeerID]Entry)
	}
	return &book, nil
}

// Get returns an already opened ledger.
func (r *Registry) Get(groupID string) (*Ledger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ledger, ok := r.ledgers[groupID]
	return ledger, ok
}

// Groups returns the IDs of opened ledgers, sorted.
func (r *Registry) Groups() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.ledgers))
	for id := range r.ledgers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Forget closes a group's ledger and deletes its persisted replica.
func (r *Registry) Forget(groupID string) error {
	r.mu.Lock()
	delete(r.ledgers, groupID)
	r.mu.Unlock()
	if err := r.config.Store.Delete(storageKey(groupID)); err != nil {
		return fmt.Errorf("phonebook: deleting replica: %w", err)
	}
	return nil
}

func (r *Registry) snapshot() []*Ledger {
	r.mu.Lock()
	defer r.mu.Unlock()
	ledgers := make([]*Ledger, 0, len(r.ledgers))
	for _, ledger := range r.ledgers {
		ledgers = append(ledgers, ledger)
	}
	return ledgers
}

// Maintain prunes every ledger and persists those that changed.
func (r *Registry) Maintain(memberTTL time.Duration) error {
	var errs []error
	for _, ledger := range r.snapshot() {
		ledger.CleanupExpiredMembers(memberTTL)
		ledger.CleanupExpiredTombstones()
		errs = append(errs, ledger.Persist())
	}
	return errors.Join(errs...)
}

// PersistAll writes every changed ledger.
func (r *Registry) PersistAll() error {
	var errs []error
	for _, ledger := range r.snapshot() {
		errs = append(errs, ledger.Persist())
	}
	return errors.Join(errs...)
}

// Run calls Maintain every interval until ctx is done, then persists
// once more.
func (r *Registry) Run(ctx context.Context, clk clock.Clock, interval, memberTTL time.Duration) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := r.PersistAll(); err != nil {
				r.config.Logger.Error("persisting ledgers on shutdown", "error", err)
			}
			return
		case <-ticker.C:
			if err := r.Maintain(memberTTL); err != nil {
				r.config.Logger.Error("ledger maintenance", "error", err)
			}
		}
	}
}
