// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/telemetry"
	"github.com/bureau-foundation/syncshell/lib/wire"
	"github.com/bureau-foundation/syncshell/transport"
)

var (
	// ErrNotConnected is returned when sending to a peer without an
	// established link.
	ErrNotConnected = errors.New("connection: peer not connected")

	// ErrSelf is returned when asked to connect to the local peer.
	ErrSelf = errors.New("connection: cannot connect to self")

	// ErrNoSignaler is returned when an outbound connection has no
	// signaling path.
	ErrNoSignaler = errors.New("connection: no signaler")

	// ErrUnknownOffer is returned when completing a direct offer that
	// was never created, already completed, or expired.
	ErrUnknownOffer = errors.New("connection: unknown direct offer")

	// ErrPeerBusy is returned when a direct exchange targets a peer
	// that already has an attempt in flight or is connected.
	ErrPeerBusy = errors.New("connection: peer already connecting")

	// ErrAnswerTimeout is returned when no answer arrives in time.
	ErrAnswerTimeout = errors.New("connection: timed out waiting for answer")

	// ErrHealthCheck is reported when a peer misses too many pings.
	ErrHealthCheck = errors.New("connection: peer stopped answering pings")

	// ErrClosed is returned by operations on a closed manager.
	ErrClosed = errors.New("connection: manager closed")
)

// Handler receives every frame other than link-level health and relay
// frames. Frames from one peer are delivered in order on that peer's
// read goroutine.
type Handler interface {
	HandleFrame(ctx context.Context, peer identity.PeerID, envelope *wire.Envelope)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, peer identity.PeerID, envelope *wire.Envelope)

func (f HandlerFunc) HandleFrame(ctx context.Context, peer identity.PeerID, envelope *wire.Envelope) {
	f(ctx, peer, envelope)
}

// Config configures a Manager. Zero durations and counts take the
// defaults noted on each field.
type Config struct {
	Identity *identity.Identity
	Backend  transport.Backend
	Handler  Handler

	// Admit decides whether an inbound offer from peer is answered.
	// Nil admits everyone; group-level authorization happens after
	// the link is up.
	Admit func(peer identity.PeerID) bool

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *telemetry.Metrics

	PollInterval   time.Duration // 2s
	AnswerTimeout  time.Duration // 30s
	ConnectTimeout time.Duration // 30s, stream open plus handshake
	WriteTimeout   time.Duration // 10s
	PingInterval   time.Duration // 10s
	HealthFailures int           // 3 consecutive unanswered pings
	BackoffBase    time.Duration // 1s
	BackoffCap     time.Duration // 60s
	Jitter         time.Duration // 1s; negative disables jitter
	MaxAttempts    int           // 5 reconnection attempts
	DirectOfferTTL time.Duration // 10m
	QueueSize      int           // 64 transitions per subscriber
	CloseGrace     time.Duration // 5s
	IdleRetention  time.Duration // 10m; how long a Closed or Failed peer is remembered
}

func (c Config) withDefaults() Config {
	setDuration := func(value *time.Duration, fallback time.Duration) {
		if *value == 0 {
			*value = fallback
		}
	}
	setDuration(&c.PollInterval, 2*time.Second)
	setDuration(&c.AnswerTimeout, 30*time.Second)
	setDuration(&c.ConnectTimeout, 30*time.Second)
	setDuration(&c.WriteTimeout, 10*time.Second)
	setDuration(&c.PingInterval, 10*time.Second)
	setDuration(&c.BackoffBase, time.Second)
	setDuration(&c.BackoffCap, time.Minute)
	setDuration(&c.Jitter, time.Second)
	setDuration(&c.DirectOfferTTL, 10*time.Minute)
	setDuration(&c.CloseGrace, 5*time.Second)
	setDuration(&c.IdleRetention, 10*time.Minute)
	if c.HealthFailures <= 0 {
		c.HealthFailures = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

// Manager owns one state machine per remote peer: it establishes links
// through the backend, authenticates them, keeps them healthy, and
// reconnects with backoff when they drop.
type Manager struct {
	config   Config
	identity *identity.Identity
	local    identity.PeerID
	backend  transport.Backend
	auth     transport.PeerAuthenticator
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	peers     map[identity.PeerID]*peer
	direct    map[string]*directOffer
	signalers []transport.Signaler

	subscribersMu sync.Mutex
	subscribers   []chan Transition
}

// peer is the state machine for one remote peer. mu serializes every
// transition; writeMu serializes frames on the current stream.
type peer struct {
	id identity.PeerID

	mu         sync.Mutex
	state      State
	generation uint64
	outbound   bool
	link       transport.Link
	conn       net.Conn
	cancel     context.CancelFunc
	signaler   transport.Signaler
	answers    chan string
	attempts   int
	since      time.Time // wall time the current session was established
	changed    time.Time // last transition
	removed    bool      // swept from Manager.peers; acquire retries

	writeMu sync.Mutex
	missed  atomic.Int32
	pingSeq atomic.Uint64
}

// directOffer is an offer handed out of band before the answering peer
// is known.
type directOffer struct {
	link    transport.Link
	created time.Time
}

// New creates a manager. Call Run to start signaling and Close to tear
// everything down.
func New(config Config) *Manager {
	config = config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:   config,
		identity: config.Identity,
		local:    config.Identity.ID(),
		backend:  config.Backend,
		auth:     transport.IdentityAuthenticator{Identity: config.Identity},
		clock:    config.Clock,
		logger:   config.Logger,
		metrics:  config.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[identity.PeerID]*peer),
		direct:   make(map[string]*directOffer),
	}
}

// LocalID is the local peer's ID.
func (m *Manager) LocalID() identity.PeerID { return m.local }

// AddSignaler registers a signaler to poll for inbound offers and
// answers. Adding the same signaler twice has no effect.
func (m *Manager) AddSignaler(signaler transport.Signaler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if slices.Contains(m.signalers, signaler) {
		return
	}
	m.signalers = append(m.signalers, signaler)
}

// RemoveSignaler stops polling signaler.
func (m *Manager) RemoveSignaler(signaler transport.Signaler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signalers = slices.DeleteFunc(m.signalers, func(s transport.Signaler) bool { return s == signaler })
}

// Subscribe returns a queue of state transitions. The queue is
// bounded; when a subscriber falls behind, the oldest transition is
// dropped.
func (m *Manager) Subscribe() <-chan Transition {
	queue := make(chan Transition, m.config.QueueSize)
	m.subscribersMu.Lock()
	m.subscribers = append(m.subscribers, queue)
	m.subscribersMu.Unlock()
	return queue
}

func (m *Manager) publish(transition Transition) {
	m.subscribersMu.Lock()
	defer m.subscribersMu.Unlock()
	for _, queue := range m.subscribers {
		select {
		case queue <- transition:
			continue
		default:
		}
		select {
		case <-queue:
		default:
		}
		select {
		case queue <- transition:
		default:
		}
		m.logger.Warn("transition queue full, dropped oldest", "peer", transition.Peer.Short())
	}
}

// peerFor returns the state machine for id, creating it on first use.
func (m *Manager) peerFor(id identity.PeerID) *peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[id]; ok {
		return p
	}
	p := &peer{id: id, state: StateNew, changed: m.clock.Now()}
	m.peers[id] = p
	m.metrics.Transition("", StateNew.String())
	return p
}

// acquire returns the state machine for id with p.mu held, creating
// it on first use.
func (m *Manager) acquire(id identity.PeerID) *peer {
	for {
		p := m.peerFor(id)
		p.mu.Lock()
		if !p.removed {
			return p
		}
		p.mu.Unlock()
	}
}

// sweepIdle forgets peers that have been Closed or Failed for longer
// than IdleRetention. They report StateNew afterwards. Peers whose
// lock is held are left for the next sweep.
func (m *Manager) sweepIdle() int {
	cutoff := m.clock.Now().Add(-m.config.IdleRetention)
	m.mu.Lock()
	defer m.mu.Unlock()
	swept := 0
	for id, p := range m.peers {
		if !p.mu.TryLock() {
			continue
		}
		if (p.state == StateClosed || p.state == StateFailed) && p.changed.Before(cutoff) {
			p.removed = true
			delete(m.peers, id)
			swept++
		}
		p.mu.Unlock()
	}
	if swept > 0 {
		m.logger.Debug("forgot idle peers", "count", swept)
	}
	return swept
}

func (m *Manager) lookup(id identity.PeerID) (*peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[id]
	return p, ok
}

// transitionLocked moves p to state and publishes the change. Caller
// holds p.mu.
func (m *Manager) transitionLocked(p *peer, to State, cause error) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	p.changed = m.clock.Now()
	m.metrics.Transition(from.String(), to.String())
	attributes := []any{"peer", p.id.Short(), "from", from.String(), "to", to.String()}
	if cause != nil {
		attributes = append(attributes, "error", cause)
		m.logger.Warn("connection state change", attributes...)
	} else {
		m.logger.Info("connection state change", attributes...)
	}
	m.publish(Transition{Peer: p.id, From: from, To: to, At: m.clock.Now(), Err: cause})
}

// teardownLocked abandons the current attempt or session. Goroutines
// holding the old generation find it changed and exit. Caller holds
// p.mu.
func (m *Manager) teardownLocked(p *peer) {
	p.generation++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.link != nil {
		p.link.Close()
		p.link = nil
	}
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	p.answers = nil
}

// beginLocked starts a new attempt generation and returns its context.
// Caller holds p.mu.
func (m *Manager) beginLocked(p *peer, outbound bool) (context.Context, uint64) {
	m.teardownLocked(p)
	ctx, cancel := context.WithCancel(m.ctx)
	p.cancel = cancel
	p.outbound = outbound
	p.missed.Store(0)
	if outbound {
		p.answers = make(chan string, 1)
	}
	return ctx, p.generation
}

// spawn runs fn on a tracked goroutine unless the manager is closed.
func (m *Manager) spawn(fn func()) bool {
	if m.ctx.Err() != nil {
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
	return true
}

// State returns the current state of peer. Unknown peers are New.
func (m *Manager) State(id identity.PeerID) State {
	p, ok := m.lookup(id)
	if !ok {
		return StateNew
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// IsConnected reports whether peer has an authenticated link.
func (m *Manager) IsConnected(id identity.PeerID) bool {
	return m.State(id) == StateConnected
}

// Connected returns the connected peers in ID order.
func (m *Manager) Connected() []identity.PeerID {
	m.mu.Lock()
	candidates := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		candidates = append(candidates, p)
	}
	m.mu.Unlock()

	var connected []identity.PeerID
	for _, p := range candidates {
		p.mu.Lock()
		if p.state == StateConnected {
			connected = append(connected, p.id)
		}
		p.mu.Unlock()
	}
	slices.Sort(connected)
	return connected
}

// Send writes one frame to peer.
func (m *Manager) Send(id identity.PeerID, messageType wire.Type, payload any) error {
	p, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, id.Short())
	}
	p.mu.Lock()
	conn, generation, state := p.conn, p.generation, p.state
	p.mu.Unlock()
	if state != StateConnected || conn == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, id.Short())
	}

	p.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	err := wire.WriteFrame(conn, messageType, payload)
	conn.SetWriteDeadline(time.Time{})
	p.writeMu.Unlock()

	if err != nil {
		if errors.Is(err, wire.ErrFrameTooLarge) {
			return err
		}
		m.lost(p, generation, err)
		return err
	}
	m.metrics.FrameSent(string(messageType))
	return nil
}

// Disconnect closes the link to peer and stops reconnecting to it.
func (m *Manager) Disconnect(id identity.PeerID) {
	p, ok := m.lookup(id)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m.teardownLocked(p)
	p.signaler = nil
	m.transitionLocked(p, StateClosed, nil)
}

// Close tears down every link and waits up to the close grace period
// for peer goroutines to exit.
func (m *Manager) Close() error {
	m.cancel()

	m.mu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	direct := m.direct
	m.direct = make(map[string]*directOffer)
	m.mu.Unlock()

	for _, offer := range direct {
		offer.link.Close()
	}
	for _, p := range peers {
		p.mu.Lock()
		m.teardownLocked(p)
		m.transitionLocked(p, StateClosed, nil)
		p.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	grace := time.NewTimer(m.config.CloseGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
		return fmt.Errorf("connection manager: goroutines still running after %s", m.config.CloseGrace)
	}
}
