// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package applier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/componentcache"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/modstate"
)

// DefaultHistoryDepth is the number of transactions kept for
// RollbackToTransaction.
const DefaultHistoryDepth = 10

var (
	// ErrMissingComponent is returned when a state references a
	// component that is not cached. Nothing is applied.
	ErrMissingComponent = errors.New("applier: component not cached")

	// ErrRollbackFailed is joined to an apply error when restoring
	// the previous state also failed. The peer's applied state is
	// then unknown and is cleared so the next pass reapplies.
	ErrRollbackFailed = errors.New("applier: rollback failed")

	// ErrUnknownTransaction is returned by RollbackToTransaction for
	// IDs not in the history.
	ErrUnknownTransaction = errors.New("applier: unknown transaction")
)

// ComponentApplier activates component payloads for a peer in the
// host environment. Apply replaces whatever the peer had for that
// component type; Clear removes it.
type ComponentApplier interface {
	Apply(ctx context.Context, peer identity.PeerID, componentType string, data []byte) error
	Clear(ctx context.Context, peer identity.PeerID, componentType string) error
}

// Kind classifies a transaction.
type Kind string

const (
	KindApply    Kind = "apply"
	KindRollback Kind = "rollback"
	KindRemove   Kind = "remove"
)

// Transaction records one change to a peer's applied state.
type Transaction struct {
	ID       string
	Peer     identity.PeerID
	Kind     Kind
	Previous *modstate.PeerModState
	Applied  *modstate.PeerModState
	At       time.Time
}

// Config holds Applier parameters.
type Config struct {
	HistoryDepth int
}

// Applier applies peer states atomically: either every component of
// the new state is active or the previous state is restored. Applies
// for one peer are serialized; different peers proceed in parallel.
type Applier struct {
	target ComponentApplier
	cache  *componentcache.Cache
	clock  clock.Clock
	logger *slog.Logger
	depth  int

	locksMu sync.Mutex
	locks   map[identity.PeerID]*peerLock

	mu      sync.RWMutex
	applied map[identity.PeerID]*modstate.PeerModState
	history []Transaction
}

// New returns an Applier writing through target and reading payloads
// from cache.
func New(target ComponentApplier, cache *componentcache.Cache, config Config, clk clock.Clock, logger *slog.Logger) *Applier {
	if config.HistoryDepth <= 0 {
		config.HistoryDepth = DefaultHistoryDepth
	}
	return &Applier{
		target:  target,
		cache:   cache,
		clock:   clk,
		logger:  logger,
		depth:   config.HistoryDepth,
		locks:   make(map[identity.PeerID]*peerLock),
		applied: make(map[identity.PeerID]*modstate.PeerModState),
	}
}

// peerLock serializes work for one peer. refs counts holders and
// waiters; the entry is dropped from Applier.locks when it reaches zero.
type peerLock struct {
	mu   sync.Mutex
	refs int
}

func (a *Applier) lockPeer(peer identity.PeerID) func() {
	a.locksMu.Lock()
	lock, ok := a.locks[peer]
	if !ok {
		lock = &peerLock{}
		a.locks[peer] = lock
	}
	lock.refs++
	a.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		a.locksMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(a.locks, peer)
		}
		a.locksMu.Unlock()
	}
}

// NeedsUpdate reports whether stateHash differs from the state applied
// for peer.
func (a *Applier) NeedsUpdate(peer identity.PeerID, stateHash string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	current, ok := a.applied[peer]
	return !ok || current.StateHash != stateHash
}

// Current returns a copy of the state applied for peer.
func (a *Applier) Current(peer identity.PeerID) (*modstate.PeerModState, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	current, ok := a.applied[peer]
	return current.Clone(), ok
}

// History returns the recorded transactions, oldest first.
func (a *Applier) History() []Transaction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.history)
}

// Apply makes state the peer's active state. Every referenced
// component must be cached. Components are applied in layer order and
// component types absent from state are cleared; if any step fails the
// previous state is restored in reverse order and the error returned.
func (a *Applier) Apply(ctx context.Context, state *modstate.PeerModState) (*Transaction, error) {
	unlock := a.lockPeer(state.PeerID)
	defer unlock()
	return a.applyLocked(ctx, state, KindApply)
}

type step struct {
	componentType string
	cleared       bool
}

func (a *Applier) applyLocked(ctx context.Context, state *modstate.PeerModState, kind Kind) (*Transaction, error) {
	peer := state.PeerID
	previous, _ := a.Current(peer)
	if previous != nil && previous.StateHash == state.StateHash && kind == KindApply {
		return nil, nil
	}

	payloads := make(map[string][]byte, len(state.Components))
	for _, reference := range state.Components {
		data, ok := a.cache.Get(reference.Hash)
		if !ok {
			return nil, fmt.Errorf("%w: %s %s", ErrMissingComponent, reference.Type, reference.Hash)
		}
		payloads[reference.Hash] = data
	}

	var before map[string]modstate.ComponentReference
	if previous != nil {
		before = previous.ByType()
	}
	after := state.ByType()

	var done []step
	fail := func(cause error) (*Transaction, error) {
		if err := a.restore(ctx, peer, before, done); err != nil {
			a.logger.Error("restoring previous state failed", "peer", peer, "error", err)
			a.unpin(previous)
			a.setApplied(peer, nil)
			return nil, errors.Join(cause, fmt.Errorf("%w: %v", ErrRollbackFailed, err))
		}
		a.logger.Warn("apply failed, previous state restored", "peer", peer, "state", state.StateHash, "error", cause)
		return nil, cause
	}

	for _, reference := range modstate.ApplicationOrder(state.Components) {
		if prior, ok := before[reference.Type]; ok && prior.Hash == reference.Hash {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := a.target.Apply(ctx, peer, reference.Type, payloads[reference.Hash]); err != nil {
			return fail(fmt.Errorf("applying %s for %s: %w", reference.Type, peer.Short(), err))
		}
		done = append(done, step{componentType: reference.Type})
	}

	var removed []string
	for componentType := range before {
		if _, ok := after[componentType]; !ok {
			removed = append(removed, componentType)
		}
	}
	slices.SortFunc(removed, func(x, y string) int { return modstate.CompareLayers(y, x) })
	for _, componentType := range removed {
		if err := a.target.Clear(ctx, peer, componentType); err != nil {
			return fail(fmt.Errorf("clearing %s for %s: %w", componentType, peer.Short(), err))
		}
		done = append(done, step{componentType: componentType, cleared: true})
	}

	a.pin(state)
	a.unpin(previous)
	a.setApplied(peer, state.Clone())
	transaction := a.record(peer, kind, previous, state.Clone())
	a.logger.Info("applied state", "peer", peer, "state", state.StateHash,
		"components", len(state.Components), "changed", len(done), "transaction", transaction.ID)
	return &transaction, nil
}

// restore undoes done in reverse: every touched type is set back to
// its previous component, or cleared if it had none. Restoration
// ignores cancellation of ctx.
func (a *Applier) restore(ctx context.Context, peer identity.PeerID, before map[string]modstate.ComponentReference, done []step) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for index := len(done) - 1; index >= 0; index-- {
		componentType := done[index].componentType
		prior, ok := before[componentType]
		if !ok {
			errs = append(errs, a.target.Clear(ctx, peer, componentType))
			continue
		}
		data, ok := a.cache.Get(prior.Hash)
		if !ok {
			errs = append(errs, fmt.Errorf("%w: previous %s %s", ErrMissingComponent, componentType, prior.Hash))
			continue
		}
		errs = append(errs, a.target.Apply(ctx, peer, componentType, data))
	}
	return errors.Join(errs...)
}

// RollbackToTransaction restores the peer state recorded as applied by
// the transaction with id, recording a new rollback transaction.
func (a *Applier) RollbackToTransaction(ctx context.Context, id string) (*Transaction, error) {
	a.mu.RLock()
	var target *Transaction
	for index := range a.history {
		if a.history[index].ID == id {
			found := a.history[index]
			target = &found
			break
		}
	}
	a.mu.RUnlock()
	if target == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}

	unlock := a.lockPeer(target.Peer)
	defer unlock()
	if target.Applied == nil {
		return a.removeLocked(ctx, target.Peer, KindRollback)
	}
	return a.applyLocked(ctx, target.Applied, KindRollback)
}

// Remove clears every component applied for peer.
func (a *Applier) Remove(ctx context.Context, peer identity.PeerID) (*Transaction, error) {
	unlock := a.lockPeer(peer)
	defer unlock()
	return a.removeLocked(ctx, peer, KindRemove)
}

func (a *Applier) removeLocked(ctx context.Context, peer identity.PeerID, kind Kind) (*Transaction, error) {
	previous, ok := a.Current(peer)
	if !ok {
		return nil, nil
	}
	var errs []error
	for _, reference := range slices.Backward(modstate.ApplicationOrder(previous.Components)) {
		errs = append(errs, a.target.Clear(ctx, peer, reference.Type))
	}
	a.unpin(previous)
	a.setApplied(peer, nil)
	transaction := a.record(peer, kind, previous, nil)
	if err := errors.Join(errs...); err != nil {
		return &transaction, fmt.Errorf("clearing components for %s: %w", peer.Short(), err)
	}
	a.logger.Info("removed applied state", "peer", peer, "transaction", transaction.ID)
	return &transaction, nil
}

func (a *Applier) setApplied(peer identity.PeerID, state *modstate.PeerModState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if state == nil {
		delete(a.applied, peer)
		return
	}
	a.applied[peer] = state
}

// record appends a transaction, pinning its applied state and unpinning
// the state of any transaction that falls out of the history.
func (a *Applier) record(peer identity.PeerID, kind Kind, previous, applied *modstate.PeerModState) Transaction {
	transaction := Transaction{
		ID:       uuid.NewString(),
		Peer:     peer,
		Kind:     kind,
		Previous: previous,
		Applied:  applied,
		At:       a.clock.Now(),
	}
	a.pin(applied)

	a.mu.Lock()
	a.history = append(a.history, transaction)
	var dropped []Transaction
	if overflow := len(a.history) - a.depth; overflow > 0 {
		dropped = slices.Clone(a.history[:overflow])
		a.history = slices.Delete(a.history, 0, overflow)
	}
	a.mu.Unlock()

	for _, old := range dropped {
		a.unpin(old.Applied)
	}
	return transaction
}

func (a *Applier) pin(state *modstate.PeerModState) {
	if state == nil {
		return
	}
	for _, reference := range state.Components {
		a.cache.Pin(reference.Hash)
	}
}

func (a *Applier) unpin(state *modstate.PeerModState) {
	if state == nil {
		return
	}
	for _, reference := range state.Components {
		a.cache.Unpin(reference.Hash)
	}
}
