// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncshell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/lib/applier"
	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/componentcache"
	"github.com/bureau-foundation/syncshell/lib/connection"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/membership"
	"github.com/bureau-foundation/syncshell/lib/modstate"
	"github.com/bureau-foundation/syncshell/lib/orchestrator"
	"github.com/bureau-foundation/syncshell/lib/phonebook"
	"github.com/bureau-foundation/syncshell/lib/provider"
	"github.com/bureau-foundation/syncshell/lib/sealed"
	"github.com/bureau-foundation/syncshell/lib/secret"
	"github.com/bureau-foundation/syncshell/lib/security"
	"github.com/bureau-foundation/syncshell/lib/storage"
	"github.com/bureau-foundation/syncshell/lib/telemetry"
	"github.com/bureau-foundation/syncshell/lib/wire"
	"github.com/bureau-foundation/syncshell/transport"
)

const (
	// DefaultGossipInterval is how often each ledger is re-sent to
	// authorized peers and missing members are dialed.
	DefaultGossipInterval = 30 * time.Second

	// DefaultMaintenanceInterval is how often ledgers are pruned and
	// persisted.
	DefaultMaintenanceInterval = 5 * time.Minute

	// DefaultInviteTTL is how long an unanswered invite stays
	// redeemable.
	DefaultInviteTTL = 10 * time.Minute

	localStoreInfo = "syncshell.local.v1"
)

var (
	// ErrUnknownGroup is returned for operations on a group this node
	// has not joined.
	ErrUnknownGroup = errors.New("syncshell: not a member of group")

	// ErrAlreadyMember is returned when joining a group this node
	// already belongs to.
	ErrAlreadyMember = errors.New("syncshell: already a member of group")

	// ErrInvalidProof is returned when a join proof does not verify
	// under the group's join key.
	ErrInvalidProof = errors.New("syncshell: invalid join proof")

	// ErrNoRelay is returned when a relay invite is requested but no
	// relay URLs are configured.
	ErrNoRelay = errors.New("syncshell: no relay configured")

	// ErrInviterUnreachable is returned for bootstrap invites when no
	// link to the inviter exists.
	ErrInviterUnreachable = errors.New("syncshell: inviter not connected")

	// ErrJoinRejected wraps the inviter's reason for refusing a join.
	ErrJoinRejected = errors.New("syncshell: join rejected")
)

// Config holds a Node's dependencies and tunables. Identity, Store,
// Backend, and Target are required.
type Config struct {
	Identity *identity.Identity

	// Store persists group records, ledgers, and member tokens. The
	// node seals every value with a key derived from the identity.
	Store storage.Store

	Backend transport.Backend

	// Target receives remote peers' components.
	Target applier.ComponentApplier

	// Provider supplies the local components for Refresh. Optional.
	Provider provider.Provider

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	// Address and Port are advertised in the local ledger entry.
	Address string
	Port    uint16

	// RelayURLs are the signaling relays named in relay invites.
	RelayURLs  []string
	HTTPClient *http.Client

	// Quorum is the number of distinct signers a removal needs.
	Quorum int

	TokenValidity       time.Duration
	GossipInterval      time.Duration
	MaintenanceInterval time.Duration
	MemberTTL           time.Duration
	InviteTTL           time.Duration
	HistoryDepth        int

	Cache    componentcache.Config
	Security security.Config

	// Connection and Orchestrator carry tunables only. Their
	// dependency fields are filled in by the node.
	Connection   connection.Config
	Orchestrator orchestrator.Config
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.TokenValidity <= 0 {
		c.TokenValidity = membership.DefaultTokenValidity
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = DefaultGossipInterval
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if c.MemberTTL <= 0 {
		c.MemberTTL = phonebook.DefaultMemberTTL
	}
	if c.InviteTTL <= 0 {
		c.InviteTTL = DefaultInviteTTL
	}
	if c.HistoryDepth <= 0 {
		c.HistoryDepth = applier.DefaultHistoryDepth
	}
	return c
}

// Node is one member's syncshell runtime: its groups, their ledgers,
// the links to other members, and the component sync between them.
type Node struct {
	config  Config
	local   *identity.Identity
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	box          *sealed.Box
	store        storage.Store
	security     *security.Context
	ledgers      *phonebook.Registry
	tokens       *membership.TokenStore
	cache        *componentcache.Cache
	applier      *applier.Applier
	connections  *connection.Manager
	orchestrator *orchestrator.Orchestrator

	events             <-chan connection.Transition
	orchestratorEvents <-chan connection.Transition

	mu         sync.Mutex
	groups     map[string]*groupState
	authorized map[identity.PeerID]map[string]bool
	accepted   map[identity.PeerID]map[string]bool
	challenges map[challengeKey][]byte
	requested  map[challengeKey]bool
	invites    map[string]directInvite
	relays     map[string]*relayInvite
	joins      map[string]*pendingJoin
	declared   *modstate.PeerModState
	declaredAt uint64
	localRefs  []string

	closeOnce sync.Once
	closeErr  error
}

// New opens a node over config.Store, restoring every group joined in
// an earlier run.
func New(config Config) (*Node, error) {
	if config.Identity == nil || config.Store == nil || config.Backend == nil || config.Target == nil {
		return nil, errors.New("syncshell: identity, store, backend, and target are required")
	}
	config = config.withDefaults()

	seed := config.Identity.Seed()
	key, err := sealed.DeriveKey(seed, nil, []byte(localStoreInfo))
	secret.Zero(seed)
	if err != nil {
		return nil, fmt.Errorf("deriving local storage key: %w", err)
	}
	box, err := sealed.NewBox(key)
	if err != nil {
		key.Close()
		return nil, fmt.Errorf("creating local storage box: %w", err)
	}
	store := storage.NewSealed(config.Store, box)

	cache, err := componentcache.New(config.Cache, config.Clock, config.Logger)
	if err != nil {
		box.Close()
		return nil, fmt.Errorf("creating component cache: %w", err)
	}
	config.Metrics.ObserveCache(cache)

	n := &Node{
		config:     config,
		local:      config.Identity,
		clock:      config.Clock,
		logger:     config.Logger.With("peer", config.Identity.ID().Short()),
		metrics:    config.Metrics,
		box:        box,
		store:      store,
		security:   security.New(config.Identity, config.Security, config.Clock, config.Logger),
		tokens:     membership.NewTokenStore(store, config.Logger),
		cache:      cache,
		groups:     make(map[string]*groupState),
		authorized: make(map[identity.PeerID]map[string]bool),
		accepted:   make(map[identity.PeerID]map[string]bool),
		challenges: make(map[challengeKey][]byte),
		requested:  make(map[challengeKey]bool),
		invites:    make(map[string]directInvite),
		relays:     make(map[string]*relayInvite),
		joins:      make(map[string]*pendingJoin),
	}
	n.ledgers = phonebook.NewRegistry(phonebook.LedgerConfig{
		Local:  config.Identity,
		Clock:  config.Clock,
		Store:  store,
		Logger: config.Logger,
		Quorum: config.Quorum,
	})
	n.applier = applier.New(config.Target, cache, applier.Config{HistoryDepth: config.HistoryDepth}, config.Clock, config.Logger)

	connections := config.Connection
	connections.Identity = config.Identity
	connections.Backend = config.Backend
	connections.Handler = connection.HandlerFunc(n.handleFrame)
	connections.Admit = n.admit
	connections.Clock = config.Clock
	connections.Logger = config.Logger
	connections.Metrics = config.Metrics
	n.connections = connection.New(connections)
	n.events = n.connections.Subscribe()
	n.orchestratorEvents = n.connections.Subscribe()

	orchestration := config.Orchestrator
	orchestration.Peers = reachablePeers{n}
	orchestration.Cache = cache
	orchestration.Applier = n.applier
	orchestration.Clock = config.Clock
	orchestration.Logger = config.Logger
	orchestration.Metrics = config.Metrics
	n.orchestrator = orchestrator.New(orchestration)

	if err := n.restoreGroups(); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

// ID returns the local peer ID.
func (n *Node) ID() identity.PeerID { return n.local.ID() }

// Connections exposes the connection manager, mainly for status
// displays.
func (n *Node) Connections() *connection.Manager { return n.connections }

// Applier exposes the transactional applier for history and
// rollback.
func (n *Node) Applier() *applier.Applier { return n.applier }

// Run drives the node until ctx is cancelled: signaling, sync passes,
// key rotation, ledger maintenance, gossip, and group authentication
// of new links.
func (n *Node) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	start := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				n.logger.Error("node task stopped", "task", name, "error", err)
			}
		}()
	}

	start("connections", func() error { return n.connections.Run(ctx) })
	start("orchestrator", func() error { return n.orchestrator.Run(ctx, n.orchestratorEvents) })
	start("security", func() error { n.security.Run(ctx); return nil })
	start("ledgers", func() error {
		n.ledgers.Run(ctx, n.clock, n.config.MaintenanceInterval, n.config.MemberTTL)
		return nil
	})
	start("transitions", func() error { n.watchConnections(ctx); return nil })
	start("gossip", func() error { n.gossipLoop(ctx); return nil })

	n.logger.Info("node running", "groups", len(n.Groups()))
	wg.Wait()
	return nil
}

func (n *Node) watchConnections(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case transition, ok := <-n.events:
			if !ok {
				return
			}
			switch transition.To {
			case connection.StateConnected:
				n.greet(transition.Peer)
			case connection.StateDisconnected, connection.StateFailed, connection.StateClosed:
				n.dropLink(transition.Peer)
			}
		}
	}
}

func (n *Node) gossipLoop(ctx context.Context) {
	ticker := n.clock.NewTicker(n.config.GossipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.gossipOnce()
		}
	}
}

// gossipOnce re-sends every ledger, dials members without a link, and
// expires stale invites and tokens.
func (n *Node) gossipOnce() {
	for _, groupID := range n.Groups() {
		n.gossipLedger(groupID, "")
		n.connectMembers(groupID)
	}
	n.expireInvites()
	if pruned, err := n.tokens.Prune(n.clock.Now()); err != nil {
		n.logger.Warn("pruning member tokens", "error", err)
	} else if pruned > 0 {
		n.logger.Info("pruned expired member tokens", "count", pruned)
	}
}

// Close shuts down every link, persists ledgers, and zeros key
// material.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		var errs []error
		errs = append(errs, n.connections.Close())
		errs = append(errs, n.ledgers.PersistAll())
		errs = append(errs, n.security.Close())

		n.mu.Lock()
		for _, state := range n.groups {
			errs = append(errs, state.close())
		}
		n.groups = make(map[string]*groupState)
		for id, join := range n.joins {
			join.finish(ErrJoinRejected)
			delete(n.joins, id)
		}
		n.mu.Unlock()

		errs = append(errs, n.box.Close())
		n.closeErr = errors.Join(errs...)
	})
	return n.closeErr
}

// Refresh declares the components currently reported by the
// configured provider.
func (n *Node) Refresh(ctx context.Context) (*modstate.PeerModState, error) {
	if n.config.Provider == nil {
		return nil, errors.New("syncshell: no component provider configured")
	}
	components, err := n.config.Provider.Components(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading local components: %w", err)
	}
	return n.Declare(ctx, components)
}

// Declare publishes components as the local peer's state. They are
// cached so peers can fetch them, and the new state is sent to every
// authorized peer.
func (n *Node) Declare(ctx context.Context, components []provider.Component) (*modstate.PeerModState, error) {
	references := make([]modstate.ComponentReference, 0, len(components))
	hashes := make([]string, 0, len(components))
	release := func() {
		for _, hash := range hashes {
			n.cache.Release(hash)
		}
	}
	for _, component := range components {
		if err := ctx.Err(); err != nil {
			release()
			return nil, err
		}
		hash, err := n.cache.Store(component.Type, component.Identifier, component.Data)
		if err != nil {
			release()
			return nil, fmt.Errorf("caching %s/%s: %w", component.Type, component.Identifier, err)
		}
		hashes = append(hashes, hash)
		references = append(references, modstate.ComponentReference{
			Type:       component.Type,
			Hash:       hash,
			Identifier: component.Identifier,
		})
	}

	n.mu.Lock()
	state := modstate.New(n.local.ID(), n.declaredAt+1, references)
	if err := state.Validate(); err != nil {
		n.mu.Unlock()
		release()
		return nil, err
	}
	previous := n.localRefs
	n.declaredAt = state.Version
	n.declared = state
	n.localRefs = hashes
	n.mu.Unlock()

	for _, hash := range previous {
		n.cache.Release(hash)
	}
	n.orchestrator.SetLocal(state)
	n.logger.Info("declared local state", "state_hash", state.StateHash, "components", len(references))

	for _, peer := range n.reachable() {
		n.sendDeclaration(peer)
	}
	return state.Clone(), nil
}

// LocalState returns the most recent local declaration.
func (n *Node) LocalState() (*modstate.PeerModState, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.declared.Clone(), n.declared != nil
}

// reachable returns connected peers authorized in at least one group.
func (n *Node) reachable() []identity.PeerID {
	connected := n.connections.Connected()
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.DeleteFunc(connected, func(peer identity.PeerID) bool {
		return len(n.authorized[peer]) == 0
	})
}

// reachablePeers adapts the node to orchestrator.Peers.
type reachablePeers struct{ node *Node }

func (p reachablePeers) Reachable() []identity.PeerID { return p.node.reachable() }

func (p reachablePeers) Send(peer identity.PeerID, messageType wire.Type, payload any) error {
	return p.node.connections.Send(peer, messageType, payload)
}
