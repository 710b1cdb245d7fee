// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package phonebook

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/membership"
	"github.com/bureau-foundation/syncshell/lib/storage"
)

// DefaultMemberTTL is how long a member may go unseen before it is
// pruned from the local replica.
const DefaultMemberTTL = 24 * time.Hour

var (
	// ErrNotMember is returned when an operation names a peer that
	// has no entry.
	ErrNotMember = errors.New("phonebook: not a member")

	// ErrRemoved is returned when observing a peer whose entry is
	// covered by an effective tombstone.
	ErrRemoved = errors.New("phonebook: peer was removed")
)

// Ledger is the local replica of one group's phonebook. All methods
// are safe for concurrent use.
type Ledger struct {
	local  *identity.Identity
	clock  clock.Clock
	logger *slog.Logger
	store  storage.Store
	quorum int

	mu    sync.RWMutex
	book  *Phonebook
	dirty bool
}

// LedgerConfig holds the dependencies of a Ledger.
type LedgerConfig struct {
	Local *identity.Identity
	Clock clock.Clock

	// Store receives the persisted replica under
	// phonebook/<group_id>. Wrap it in storage.Sealed to encrypt at
	// rest.
	Store  storage.Store
	Logger *slog.Logger

	// Quorum is the number of distinct signers a tombstone needs to
	// take effect. Zero or one means the remover's signature alone.
	Quorum int
}

// NewLedger returns a ledger for book. Most callers use Registry.Open,
// which loads the persisted replica.
func NewLedger(book *Phonebook, config LedgerConfig) *Ledger {
	return &Ledger{
		local:  config.Local,
		clock:  config.Clock,
		logger: config.Logger,
		store:  config.Store,
		quorum: config.Quorum,
		book:   book,
	}
}

// storageKey returns the persistence key for a group's replica.
func storageKey(groupID string) string {
	return storage.Key("phonebook", groupID)
}

// GroupID returns the ledger's group.
func (l *Ledger) GroupID() string { return l.book.GroupID }

// Sequence returns the replica sequence number.
func (l *Ledger) Sequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.book.Sequence
}

// AddMember writes an entry for peer stamped with a new sequence
// number. Re-adding a removed peer creates an entry that outranks the
// tombstone.
func (l *Ledger) AddMember(peer identity.PeerID, address string, port uint16) error {
	if !peer.Valid() {
		return fmt.Errorf("phonebook: adding member: %w", identity.ErrMalformedPeerID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.book.Sequence++
	l.book.Members[peer] = Entry{
		PeerID:   peer,
		Address:  address,
		Port:     port,
		LastSeen: l.clock.Now().UnixMilli(),
		Sequence: l.book.Sequence,
	}
	l.dirty = true
	return nil
}

// Observe refreshes an existing member's address and last-seen time.
// The entry keeps its sequence number.
func (l *Ledger) Observe(peer identity.PeerID, address string, port uint16) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.book.Members[peer]
	if !ok {
		if l.removedLocked(peer) {
			return ErrRemoved
		}
		return ErrNotMember
	}
	if now := l.clock.Now().UnixMilli(); now > entry.LastSeen {
		entry.LastSeen = now
	}
	if address != "" {
		entry.Address = address
		entry.Port = port
	}
	l.book.Members[peer] = entry
	l.dirty = true
	return nil
}

// Remove signs a tombstone for peer covering its current entry and
// applies it. With a quorum policy the entry stays until enough
// members endorse the tombstone.
func (l *Ledger) Remove(peer identity.PeerID) (*membership.Tombstone, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.book.Members[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, peer)
	}
	tombstone, err := membership.CreateTombstone(l.local, peer, entry.Sequence, l.clock.Now())
	if err != nil {
		return nil, err
	}
	l.book.Tombstones = mergeTombstones(l.book.Tombstones, []membership.Tombstone{*tombstone})
	applyTombstones(l.book, l.quorum)
	l.dirty = true
	l.logger.Info("removed member", "group", l.book.GroupID, "peer", peer, "entry_sequence", entry.Sequence)
	return tombstone, nil
}

// Endorse adds the local identity's co-signature to every tombstone
// for peer and reports how many were endorsed.
func (l *Ledger) Endorse(peer identity.PeerID) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	endorsed := 0
	for index := range l.book.Tombstones {
		tombstone := &l.book.Tombstones[index]
		if tombstone.RemovedPeerID != peer || tombstone.RemovedBy == l.local.ID() {
			continue
		}
		if err := membership.AddQuorumSignature(tombstone, l.local); err != nil {
			return endorsed, err
		}
		endorsed++
	}
	if endorsed > 0 {
		applyTombstones(l.book, l.quorum)
		l.dirty = true
	}
	return endorsed, nil
}

// MergeRemote sanitizes a phonebook received from a peer and merges it
// into the replica. It reports whether the replica changed.
func (l *Ledger) MergeRemote(remote *Phonebook) (bool, error) {
	clean, err := Sanitize(remote, l.GroupID(), l.clock.Now())
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	merged := Merge(l.book, clean, l.quorum)
	if Equal(merged, l.book) {
		return false, nil
	}
	l.book = merged
	l.dirty = true
	return true, nil
}

// Member returns peer's entry.
func (l *Ledger) Member(peer identity.PeerID) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.book.Members[peer]
	return entry, ok
}

// Members returns all entries ordered by peer ID.
func (l *Ledger) Members() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.book.SortedMembers()
}

// IsMember reports whether peer has an entry.
func (l *Ledger) IsMember(peer identity.PeerID) bool {
	_, ok := l.Member(peer)
	return ok
}

// IsRemoved reports whether peer has no entry and an effective
// tombstone.
func (l *Ledger) IsRemoved(peer identity.PeerID) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.book.Members[peer]; ok {
		return false
	}
	return l.removedLocked(peer)
}

func (l *Ledger) removedLocked(peer identity.PeerID) bool {
	for index := range l.book.Tombstones {
		if l.book.Tombstones[index].RemovedPeerID == peer && Effective(&l.book.Tombstones[index], l.quorum) {
			return true
		}
	}
	return false
}

// Tombstones returns a copy of the replica's tombstones.
func (l *Ledger) Tombstones() []membership.Tombstone {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.book.Clone().Tombstones
}

// Snapshot returns a deep copy of the replica.
func (l *Ledger) Snapshot() *Phonebook {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.book.Clone()
}

// CleanupExpiredMembers drops entries not seen within ttl. The local
// peer is never pruned. Returns the number removed.
func (l *Ledger) CleanupExpiredMembers(ttl time.Duration) int {
	cutoff := l.clock.Now().Add(-ttl).UnixMilli()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for peer, entry := range l.book.Members {
		if peer == l.local.ID() || entry.LastSeen >= cutoff {
			continue
		}
		delete(l.book.Members, peer)
		removed++
	}
	if removed > 0 {
		l.dirty = true
		l.logger.Info("pruned stale members", "group", l.book.GroupID, "removed", removed)
	}
	return removed
}

// CleanupExpiredTombstones drops tombstones past their retention.
// Returns the number removed.
func (l *Ledger) CleanupExpiredTombstones() int {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.book.Tombstones[:0]
	for _, tombstone := range l.book.Tombstones {
		if !tombstone.Expired(now) {
			kept = append(kept, tombstone)
		}
	}
	removed := len(l.book.Tombstones) - len(kept)
	l.book.Tombstones = kept
	if removed > 0 {
		l.dirty = true
	}
	return removed
}

// Persist writes the replica to storage if it changed since the last
// write.
func (l *Ledger) Persist() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.dirty {
		return nil
	}
	data, err := codec.Marshal(l.book)
	if err != nil {
		return fmt.Errorf("phonebook: encoding replica: %w", err)
	}
	if err := l.store.Put(storageKey(l.book.GroupID), data); err != nil {
		return fmt.Errorf("phonebook: persisting replica: %w", err)
	}
	l.dirty = false
	return nil
}
