// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/syncshell/lib/applier"
	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/componentcache"
	"github.com/bureau-foundation/syncshell/lib/connection"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/modstate"
	"github.com/bureau-foundation/syncshell/lib/telemetry"
	"github.com/bureau-foundation/syncshell/lib/wire"
)

// requestBatch bounds the hashes in one component_request frame.
const requestBatch = 256

var (
	// ErrSessionTimeout ends a session that did not complete within
	// the session timeout.
	ErrSessionTimeout = errors.New("orchestrator: session timed out")

	// ErrComponentUnavailable ends a session when the peer reports it
	// does not hold a requested component.
	ErrComponentUnavailable = errors.New("orchestrator: peer does not hold component")

	// ErrPeerLost ends a session whose peer disconnected.
	ErrPeerLost = errors.New("orchestrator: peer disconnected")

	// ErrSuperseded ends a session whose peer declared a newer state.
	ErrSuperseded = errors.New("orchestrator: declaration superseded")
)

// Peers is the orchestrator's view of the connection layer.
type Peers interface {
	// Reachable returns the peers currently connected and authorized
	// to exchange state.
	Reachable() []identity.PeerID

	Send(peer identity.PeerID, messageType wire.Type, payload any) error
}

// Applier commits complete states.
type Applier interface {
	NeedsUpdate(peer identity.PeerID, stateHash string) bool
	Apply(ctx context.Context, state *modstate.PeerModState) (*applier.Transaction, error)
}

// Config configures an Orchestrator.
type Config struct {
	Peers   Peers
	Cache   *componentcache.Cache
	Applier Applier
	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Interval is the period between unprompted passes. Default 5s.
	Interval time.Duration

	// MinInterval is the minimum spacing between passes, however
	// they are triggered. Default 1s.
	MinInterval time.Duration

	// SessionTimeout bounds one sync session. Default 5m.
	SessionTimeout time.Duration
}

// SessionStatus is the lifecycle position of a sync session.
type SessionStatus int

const (
	SessionActive SessionStatus = iota
	SessionComplete
	SessionFailed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionActive:
		return "active"
	case SessionComplete:
		return "complete"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// session fetches the components of one declared state from its peer.
type session struct {
	id         string
	peer       identity.PeerID
	target     *modstate.PeerModState
	pending    map[string]modstate.ComponentReference
	assemblies map[string]*wire.Assembly
	started    time.Time
	status     SessionStatus
	err        error
	bytes      int
}

// SessionInfo describes a session for status reporting.
type SessionInfo struct {
	ID        string
	Peer      identity.PeerID
	StateHash string
	Status    SessionStatus
	Pending   int
	Bytes     int
	Started   time.Time
	Err       error
}

// Status summarizes orchestration.
type Status struct {
	Sessions     []SessionInfo
	Completed    int
	Failed       int
	Applied      int
	LastRun      time.Time
	CacheHitRate float64
}

// ActiveSessions counts sessions still fetching.
func (s Status) ActiveSessions() int {
	count := 0
	for _, info := range s.Sessions {
		if info.Status == SessionActive {
			count++
		}
	}
	return count
}

// Orchestrator decides, for every reachable peer, whether its declared
// state must be applied locally, fetches whatever components are not
// cached, and hands complete states to the applier. At most one
// session per peer is open at a time.
type Orchestrator struct {
	config  Config
	peers   Peers
	cache   *componentcache.Cache
	applier Applier
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics
	limiter *rate.Limiter
	trigger chan struct{}

	mu       sync.Mutex
	local    *modstate.PeerModState
	declared map[identity.PeerID]*modstate.PeerModState
	held     map[identity.PeerID]map[string]bool
	sessions map[identity.PeerID]*session
	lastRun  time.Time
	complete int
	failed   int
	applied  int
}

// New creates an orchestrator.
func New(config Config) *Orchestrator {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.MinInterval <= 0 {
		config.MinInterval = time.Second
	}
	if config.SessionTimeout <= 0 {
		config.SessionTimeout = 5 * time.Minute
	}
	return &Orchestrator{
		config:   config,
		peers:    config.Peers,
		cache:    config.Cache,
		applier:  config.Applier,
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
		limiter:  rate.NewLimiter(rate.Every(config.MinInterval), 1),
		trigger:  make(chan struct{}, 1),
		declared: make(map[identity.PeerID]*modstate.PeerModState),
		held:     make(map[identity.PeerID]map[string]bool),
		sessions: make(map[identity.PeerID]*session),
	}
}

// Trigger requests a pass soon, subject to the rate limit.
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

// SetLocal records the local peer's own declared state. Only its
// components are served to requesting peers.
func (o *Orchestrator) SetLocal(state *modstate.PeerModState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.local = state.Clone()
}

// Declare records the state peer declares. Cache references held for
// components the new state no longer names are released, and a
// session fetching an older declaration is abandoned.
func (o *Orchestrator) Declare(peer identity.PeerID, state *modstate.PeerModState) {
	o.mu.Lock()
	defer o.mu.Unlock()

	previous, known := o.declared[peer]
	if known && previous.StateHash == state.StateHash {
		return
	}
	o.declared[peer] = state.Clone()

	names := make(map[string]bool, len(state.Components))
	for _, reference := range state.Components {
		names[reference.Hash] = true
	}
	for hash := range o.held[peer] {
		if !names[hash] {
			o.cache.Release(hash)
			delete(o.held[peer], hash)
		}
	}
	if s, ok := o.sessions[peer]; ok && s.status == SessionActive && s.target.StateHash != state.StateHash {
		o.finishLocked(s, SessionFailed, ErrSuperseded)
	}
	o.logger.Info("peer declared state", "peer", peer.Short(), "state_hash", state.StateHash, "components", len(state.Components))
	o.Trigger()
}

// Declared returns the latest state peer declared.
func (o *Orchestrator) Declared(peer identity.PeerID) (*modstate.PeerModState, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.declared[peer]
	return state.Clone(), ok
}

// Forget drops everything known about peer: its declaration, its
// cache references, and any session.
func (o *Orchestrator) Forget(peer identity.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.declared, peer)
	for hash := range o.held[peer] {
		o.cache.Release(hash)
	}
	delete(o.held, peer)
	if s, ok := o.sessions[peer]; ok {
		if s.status == SessionActive {
			o.finishLocked(s, SessionFailed, ErrPeerLost)
		}
		delete(o.sessions, peer)
	}
}

// PeerLost fails the active session for peer, if any. Its
// declaration is kept for when it reconnects.
func (o *Orchestrator) PeerLost(peer identity.PeerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if s, ok := o.sessions[peer]; ok && s.status == SessionActive {
		o.finishLocked(s, SessionFailed, ErrPeerLost)
	}
}

// Run performs a pass every Interval, whenever Trigger is called, and
// whenever a peer connects, never more than once per MinInterval.
// Disconnections fail the peer's active session. Run returns when ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context, transitions <-chan connection.Transition) error {
	ticker := o.clock.NewTicker(o.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case transition := <-transitions:
			switch transition.To {
			case connection.StateConnected:
			case connection.StateDisconnected, connection.StateFailed, connection.StateClosed:
				o.PeerLost(transition.Peer)
				continue
			default:
				continue
			}
		case <-o.trigger:
		case <-ticker.C:
		}

		now := o.clock.Now()
		if delay := o.limiter.ReserveN(now, 1).DelayFrom(now); delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-o.clock.After(delay):
			}
		}
		o.RunOnce(ctx)
	}
}

// RunOnce performs one orchestration pass: reap finished and expired
// sessions, then evaluate every reachable peer.
func (o *Orchestrator) RunOnce(ctx context.Context) {
	o.metrics.SyncPass()
	now := o.clock.Now()

	o.mu.Lock()
	o.lastRun = now
	for peer, s := range o.sessions {
		if s.status == SessionActive && now.Sub(s.started) >= o.config.SessionTimeout {
			o.finishLocked(s, SessionFailed, ErrSessionTimeout)
		}
		if s.status != SessionActive {
			delete(o.sessions, peer)
		}
	}
	o.mu.Unlock()

	for _, peer := range o.peers.Reachable() {
		if ctx.Err() != nil {
			return
		}
		o.evaluate(ctx, peer)
	}
}

// evaluate brings one peer's applied state in line with its
// declaration.
func (o *Orchestrator) evaluate(ctx context.Context, peer identity.PeerID) {
	o.mu.Lock()
	state, ok := o.declared[peer]
	if !ok || !o.applier.NeedsUpdate(peer, state.StateHash) {
		o.mu.Unlock()
		return
	}
	if s, busy := o.sessions[peer]; busy && s.status == SessionActive {
		o.mu.Unlock()
		return
	}

	held := o.held[peer]
	if held == nil {
		held = make(map[string]bool)
		o.held[peer] = held
	}
	missing := make(map[string]modstate.ComponentReference)
	for _, reference := range state.Components {
		if held[reference.Hash] {
			continue
		}
		if o.cache.Has(reference.Hash) && o.cache.Acquire(reference.Hash) {
			held[reference.Hash] = true
			continue
		}
		missing[reference.Hash] = reference
	}

	if len(missing) == 0 {
		state = state.Clone()
		o.mu.Unlock()
		o.logger.Info("applying cached state", "peer", peer.Short(), "state_hash", state.StateHash)
		o.apply(ctx, state)
		return
	}

	s := &session{
		id:         uuid.NewString(),
		peer:       peer,
		target:     state.Clone(),
		pending:    missing,
		assemblies: make(map[string]*wire.Assembly),
		started:    o.clock.Now(),
		status:     SessionActive,
	}
	o.sessions[peer] = s
	o.mu.Unlock()

	o.metrics.SessionStarted()
	o.logger.Info("sync session started", "peer", peer.Short(), "session", s.id, "missing", len(missing))

	hashes := make([]string, 0, len(missing))
	for hash := range missing {
		hashes = append(hashes, hash)
	}
	slices.Sort(hashes)
	for batch := range slices.Chunk(hashes, requestBatch) {
		request := wire.ComponentRequest{SessionID: s.id, Hashes: batch}
		if err := o.peers.Send(peer, wire.TypeComponentRequest, request); err != nil {
			o.mu.Lock()
			if s.status == SessionActive {
				o.finishLocked(s, SessionFailed, fmt.Errorf("requesting components: %w", err))
			}
			o.mu.Unlock()
			return
		}
	}
}

// apply commits state and records the outcome.
func (o *Orchestrator) apply(ctx context.Context, state *modstate.PeerModState) error {
	transaction, err := o.applier.Apply(ctx, state)
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.metrics.Apply("failed")
		o.logger.Error("applying state failed", "peer", state.PeerID.Short(), "state_hash", state.StateHash, "error", err)
		return err
	}
	if transaction == nil {
		// Another path applied the same state first.
		o.logger.Debug("state already applied", "peer", state.PeerID.Short(), "state_hash", state.StateHash)
		return nil
	}
	o.applied++
	o.metrics.Apply("applied")
	o.logger.Info("state applied", "peer", state.PeerID.Short(), "state_hash", state.StateHash, "transaction", transaction.ID)
	return nil
}

// HandleChunk accumulates one chunk for peer's active session. When
// the last missing component is cached the state is applied.
func (o *Orchestrator) HandleChunk(ctx context.Context, peer identity.PeerID, chunk *wire.ComponentChunk) {
	o.mu.Lock()
	s, ok := o.sessions[peer]
	if !ok || s.status != SessionActive || s.id != chunk.SessionID {
		o.mu.Unlock()
		o.logger.Debug("chunk for unknown session", "peer", peer.Short(), "session", chunk.SessionID)
		return
	}
	reference, wanted := s.pending[chunk.Hash]
	if !wanted {
		o.mu.Unlock()
		return
	}
	assembly, started := s.assemblies[chunk.Hash]
	if !started {
		var err error
		assembly, err = wire.NewAssembly(chunk)
		if err != nil {
			o.finishLocked(s, SessionFailed, err)
			o.mu.Unlock()
			return
		}
		s.assemblies[chunk.Hash] = assembly
	}
	done, err := assembly.Add(chunk)
	if err != nil {
		o.finishLocked(s, SessionFailed, err)
		o.mu.Unlock()
		return
	}
	s.bytes += len(chunk.Data)
	o.metrics.ComponentBytes("received", len(chunk.Data))
	if !done {
		o.mu.Unlock()
		return
	}

	payload, err := assembly.Payload()
	if err == nil {
		err = o.cache.Insert(reference.Hash, reference.Type, reference.Identifier, payload)
	}
	if err != nil {
		o.finishLocked(s, SessionFailed, fmt.Errorf("caching %s: %w", reference.Hash, err))
		o.mu.Unlock()
		return
	}
	held := o.held[peer]
	if held == nil {
		held = make(map[string]bool)
		o.held[peer] = held
	}
	if held[reference.Hash] {
		o.cache.Release(reference.Hash)
	}
	held[reference.Hash] = true
	delete(s.pending, reference.Hash)
	delete(s.assemblies, reference.Hash)
	if len(s.pending) > 0 {
		o.mu.Unlock()
		return
	}
	target := s.target
	o.mu.Unlock()

	err = o.apply(ctx, target)

	o.mu.Lock()
	defer o.mu.Unlock()
	if s.status != SessionActive {
		return
	}
	if err != nil {
		o.finishLocked(s, SessionFailed, err)
		return
	}
	o.finishLocked(s, SessionComplete, nil)
}

// HandleMissing fails the session that requested a component the peer
// does not hold.
func (o *Orchestrator) HandleMissing(peer identity.PeerID, missing *wire.ComponentMissing) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[peer]
	if !ok || s.status != SessionActive || s.id != missing.SessionID {
		return
	}
	o.finishLocked(s, SessionFailed, fmt.Errorf("%w: %s", ErrComponentUnavailable, missing.Hash))
}

// HandleRequest serves a peer's component request. Only components of
// the local declared state are served; anything else is reported
// missing.
func (o *Orchestrator) HandleRequest(peer identity.PeerID, request *wire.ComponentRequest) {
	o.mu.Lock()
	offered := make(map[string]modstate.ComponentReference)
	if o.local != nil {
		for _, reference := range o.local.Components {
			offered[reference.Hash] = reference
		}
	}
	o.mu.Unlock()

	for _, hash := range request.Hashes {
		reference, ok := offered[hash]
		var data []byte
		if ok {
			data, ok = o.cache.Get(hash)
		}
		if !ok {
			if err := o.peers.Send(peer, wire.TypeComponentMissing, wire.ComponentMissing{SessionID: request.SessionID, Hash: hash}); err != nil {
				o.logger.Warn("reporting missing component failed", "peer", peer.Short(), "error", err)
				return
			}
			continue
		}
		chunks, err := wire.SplitComponent(request.SessionID, reference, data)
		if err != nil {
			o.logger.Error("splitting component", "hash", hash, "error", err)
			continue
		}
		for i := range chunks {
			if err := o.peers.Send(peer, wire.TypeComponentChunk, &chunks[i]); err != nil {
				o.logger.Warn("sending component failed", "peer", peer.Short(), "hash", hash, "error", err)
				return
			}
			o.metrics.ComponentBytes("sent", len(chunks[i].Data))
		}
	}
}

// finishLocked ends s. Caller holds o.mu.
func (o *Orchestrator) finishLocked(s *session, status SessionStatus, err error) {
	s.status = status
	s.err = err
	switch status {
	case SessionComplete:
		o.complete++
		o.metrics.SessionFinished("complete")
		o.logger.Info("sync session complete", "peer", s.peer.Short(), "session", s.id, "bytes", s.bytes)
	case SessionFailed:
		o.failed++
		o.metrics.SessionFinished("failed")
		o.logger.Warn("sync session failed", "peer", s.peer.Short(), "session", s.id, "error", err)
	}
}

// Status reports current sessions and counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := Status{
		Completed:    o.complete,
		Failed:       o.failed,
		Applied:      o.applied,
		LastRun:      o.lastRun,
		CacheHitRate: o.cache.Stats().HitRate(),
	}
	for _, s := range o.sessions {
		status.Sessions = append(status.Sessions, SessionInfo{
			ID:        s.id,
			Peer:      s.peer,
			StateHash: s.target.StateHash,
			Status:    s.status,
			Pending:   len(s.pending),
			Bytes:     s.bytes,
			Started:   s.started,
			Err:       s.err,
		})
	}
	slices.SortFunc(status.Sessions, func(a, b SessionInfo) int { return cmp.Compare(a.Peer, b.Peer) })
	return status
}
