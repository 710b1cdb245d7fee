// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/applier"
	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/componentcache"
	"github.com/bureau-foundation/syncshell/lib/connection"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/modstate"
	"github.com/bureau-foundation/syncshell/lib/testutil"
	"github.com/bureau-foundation/syncshell/lib/wire"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sentFrame struct {
	to          identity.PeerID
	messageType wire.Type
	payload     any
}

// fakePeers records every frame and optionally routes it.
type fakePeers struct {
	mu        sync.Mutex
	reachable []identity.PeerID
	sent      []sentFrame
	route     func(to identity.PeerID, messageType wire.Type, payload any)
}

func (f *fakePeers) Reachable() []identity.PeerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]identity.PeerID(nil), f.reachable...)
}

func (f *fakePeers) Send(to identity.PeerID, messageType wire.Type, payload any) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{to: to, messageType: messageType, payload: payload})
	route := f.route
	f.mu.Unlock()
	if route != nil {
		route(to, messageType, payload)
	}
	return nil
}

func (f *fakePeers) count(messageType wire.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, frame := range f.sent {
		if frame.messageType == messageType {
			n++
		}
	}
	return n
}

func (f *fakePeers) last(messageType wire.Type) (sentFrame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].messageType == messageType {
			return f.sent[i], true
		}
	}
	return sentFrame{}, false
}

// hostTarget is a ComponentApplier recording the active payload per
// peer and type.
type hostTarget struct {
	mu     sync.Mutex
	active map[identity.PeerID]map[string][]byte
	fail   bool
}

func (h *hostTarget) Apply(_ context.Context, peer identity.PeerID, componentType string, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail {
		return errors.New("host rejected component")
	}
	if h.active[peer] == nil {
		h.active[peer] = make(map[string][]byte)
	}
	h.active[peer][componentType] = data
	return nil
}

func (h *hostTarget) Clear(_ context.Context, peer identity.PeerID, componentType string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active[peer], componentType)
	return nil
}

func (h *hostTarget) payload(peer identity.PeerID, componentType string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active[peer][componentType]
}

type node struct {
	id           identity.PeerID
	peers        *fakePeers
	cache        *componentcache.Cache
	target       *hostTarget
	applier      *applier.Applier
	orchestrator *Orchestrator
}

func newNode(t *testing.T, clk clock.Clock) *node {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	cache, err := componentcache.New(componentcache.Config{}, clk, logger)
	if err != nil {
		t.Fatal(err)
	}
	n := &node{
		id:     id.ID(),
		peers:  &fakePeers{},
		cache:  cache,
		target: &hostTarget{active: make(map[identity.PeerID]map[string][]byte)},
	}
	n.applier = applier.New(n.target, cache, applier.Config{}, clk, logger)
	n.orchestrator = New(Config{
		Peers:   n.peers,
		Cache:   cache,
		Applier: n.applier,
		Clock:   clk,
		Logger:  logger,
	})
	return n
}

func newPeerID(t *testing.T) identity.PeerID {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return id.ID()
}

// link routes component frames between two nodes synchronously.
func link(a, b *node) {
	route := func(from, to *node) func(identity.PeerID, wire.Type, any) {
		return func(_ identity.PeerID, messageType wire.Type, payload any) {
			switch messageType {
			case wire.TypeComponentRequest:
				request := payload.(wire.ComponentRequest)
				to.orchestrator.HandleRequest(from.id, &request)
			case wire.TypeComponentChunk:
				to.orchestrator.HandleChunk(context.Background(), from.id, payload.(*wire.ComponentChunk))
			case wire.TypeComponentMissing:
				missing := payload.(wire.ComponentMissing)
				to.orchestrator.HandleMissing(from.id, &missing)
			}
		}
	}
	a.peers.route = route(a, b)
	b.peers.route = route(b, a)
	a.peers.reachable = []identity.PeerID{b.id}
	b.peers.reachable = []identity.PeerID{a.id}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	return data
}

func TestFullyCachedStateAppliesWithZeroNetworkRequests(t *testing.T) {
	local := newNode(t, clock.Fake(epoch))
	remote := newPeerID(t)
	local.peers.reachable = []identity.PeerID{remote}

	outfit := []byte("red tunic, silver trim")
	hash, err := local.cache.Store("outfit", "tunic", outfit)
	if err != nil {
		t.Fatal(err)
	}
	state := modstate.New(remote, 1, []modstate.ComponentReference{{Type: "outfit", Hash: hash}})
	local.orchestrator.Declare(remote, state)
	local.orchestrator.RunOnce(context.Background())

	if n := local.peers.count(wire.TypeComponentRequest); n != 0 {
		t.Fatalf("sent %d component requests, want 0", n)
	}
	if local.applier.NeedsUpdate(remote, state.StateHash) {
		t.Fatal("declared state was not applied")
	}
	if got := string(local.target.payload(remote, "outfit")); got != string(outfit) {
		t.Errorf("active outfit = %q, want %q", got, outfit)
	}
	if status := local.orchestrator.Status(); status.Applied != 1 || status.ActiveSessions() != 0 {
		t.Errorf("status = %+v, want one apply and no sessions", status)
	}
}

func TestMatchingAppliedStateIsSkipped(t *testing.T) {
	local := newNode(t, clock.Fake(epoch))
	remote := newPeerID(t)
	local.peers.reachable = []identity.PeerID{remote}

	hash, err := local.cache.Store("base", "", []byte("base body"))
	if err != nil {
		t.Fatal(err)
	}
	local.orchestrator.Declare(remote, modstate.New(remote, 1, []modstate.ComponentReference{{Type: "base", Hash: hash}}))
	local.orchestrator.RunOnce(context.Background())
	local.orchestrator.RunOnce(context.Background())
	local.orchestrator.RunOnce(context.Background())

	if applied := local.orchestrator.Status().Applied; applied != 1 {
		t.Errorf("applied %d times, want 1", applied)
	}
	if n := len(local.applier.History()); n != 1 {
		t.Errorf("history has %d transactions, want 1", n)
	}
}

func TestIdenticalComponentsFromTwoPeersShareOneCacheEntry(t *testing.T) {
	local := newNode(t, clock.Fake(epoch))
	first, second := newPeerID(t), newPeerID(t)
	local.peers.reachable = []identity.PeerID{first, second}

	hash, err := local.cache.Store("accessory", "hat", []byte("wide brim"))
	if err != nil {
		t.Fatal(err)
	}
	for _, peer := range []identity.PeerID{first, second} {
		local.orchestrator.Declare(peer, modstate.New(peer, 1, []modstate.ComponentReference{{Type: "accessory", Hash: hash}}))
	}
	local.orchestrator.RunOnce(context.Background())

	if got := local.cache.Stats().Entries; got != 1 {
		t.Errorf("cache entries = %d, want 1", got)
	}
	// One reference from the initial Store plus one per declaring peer.
	if got := local.cache.ReferenceCount(hash); got != 3 {
		t.Errorf("reference count = %d, want 3", got)
	}
}

func TestMissingComponentsAreFetchedInChunksAndApplied(t *testing.T) {
	fake := clock.Fake(epoch)
	alpha := newNode(t, fake)
	beta := newNode(t, fake)
	link(alpha, beta)

	// Random bytes do not compress, so this spans several chunks.
	large := randomBytes(t, 3*wire.ChunkSize+100)
	small := []byte("small overlay")
	largeHash, err := alpha.cache.Store("outfit", "cloak", large)
	if err != nil {
		t.Fatal(err)
	}
	smallHash, err := alpha.cache.Store("overlay", "", small)
	if err != nil {
		t.Fatal(err)
	}
	state := modstate.New(alpha.id, 4, []modstate.ComponentReference{
		{Type: "outfit", Hash: largeHash, Identifier: "cloak"},
		{Type: "overlay", Hash: smallHash},
	})
	alpha.orchestrator.SetLocal(state)
	beta.orchestrator.Declare(alpha.id, state)

	beta.orchestrator.RunOnce(context.Background())

	if n := beta.peers.count(wire.TypeComponentRequest); n != 1 {
		t.Fatalf("sent %d component requests, want 1", n)
	}
	if n := alpha.peers.count(wire.TypeComponentChunk); n < 5 {
		t.Errorf("alpha sent %d chunks, want at least 5", n)
	}
	if beta.applier.NeedsUpdate(alpha.id, state.StateHash) {
		t.Fatal("fetched state was not applied")
	}
	if got := beta.target.payload(alpha.id, "outfit"); string(got) != string(large) {
		t.Error("applied outfit differs from the declared payload")
	}
	status := beta.orchestrator.Status()
	if status.Completed != 1 || status.Failed != 0 {
		t.Errorf("status = %+v, want one completed session", status)
	}
	if !beta.cache.Has(largeHash) || !beta.cache.Has(smallHash) {
		t.Error("fetched components are not cached")
	}
}

func TestOnlyOneSessionPerPeerIsOpen(t *testing.T) {
	local := newNode(t, clock.Fake(epoch))
	remote := newPeerID(t)
	local.peers.reachable = []identity.PeerID{remote}

	hash := modstate.HashContent([]byte("never arrives"))
	local.orchestrator.Declare(remote, modstate.New(remote, 1, []modstate.ComponentReference{{Type: "outfit", Hash: hash}}))
	for range 3 {
		local.orchestrator.RunOnce(context.Background())
	}

	if n := local.peers.count(wire.TypeComponentRequest); n != 1 {
		t.Errorf("sent %d component requests, want 1", n)
	}
	if active := local.orchestrator.Status().ActiveSessions(); active != 1 {
		t.Errorf("active sessions = %d, want 1", active)
	}
}

func TestExpiredSessionIsReapedAndNextPassStartsAgain(t *testing.T) {
	fake := clock.Fake(epoch)
	local := newNode(t, fake)
	remote := newPeerID(t)
	local.peers.reachable = []identity.PeerID{remote}

	hash := modstate.HashContent([]byte("slow component"))
	local.orchestrator.Declare(remote, modstate.New(remote, 1, []modstate.ComponentReference{{Type: "outfit", Hash: hash}}))
	local.orchestrator.RunOnce(context.Background())

	fake.Advance(4 * time.Minute)
	local.orchestrator.RunOnce(context.Background())
	if n := local.peers.count(wire.TypeComponentRequest); n != 1 {
		t.Fatalf("session restarted before timing out: %d requests", n)
	}

	fake.Advance(time.Minute)
	local.orchestrator.RunOnce(context.Background())
	status := local.orchestrator.Status()
	if status.Failed != 1 {
		t.Errorf("failed sessions = %d, want 1", status.Failed)
	}
	if n := local.peers.count(wire.TypeComponentRequest); n != 2 {
		t.Errorf("component requests = %d, want 2 after the retry pass", n)
	}
	if len(status.Sessions) != 1 || status.Sessions[0].Status != SessionActive {
		t.Errorf("sessions = %+v, want one fresh active session", status.Sessions)
	}
}

func TestPeerWithoutComponentFailsSessionWithoutTouchingCache(t *testing.T) {
	fake := clock.Fake(epoch)
	alpha := newNode(t, fake)
	beta := newNode(t, fake)
	link(alpha, beta)

	// Alpha declares a component it never cached, so it answers
	// component_missing.
	hash := modstate.HashContent([]byte("lost file"))
	state := modstate.New(alpha.id, 1, []modstate.ComponentReference{{Type: "outfit", Hash: hash}})
	beta.orchestrator.Declare(alpha.id, state)
	beta.orchestrator.RunOnce(context.Background())

	if n := alpha.peers.count(wire.TypeComponentMissing); n != 1 {
		t.Fatalf("alpha sent %d component_missing, want 1", n)
	}
	status := beta.orchestrator.Status()
	if status.Failed != 1 {
		t.Fatalf("failed sessions = %d, want 1", status.Failed)
	}
	if !errors.Is(status.Sessions[0].Err, ErrComponentUnavailable) {
		t.Errorf("session error = %v, want ErrComponentUnavailable", status.Sessions[0].Err)
	}
	if beta.cache.Stats().Entries != 0 {
		t.Error("failed session left entries in the cache")
	}
}

func TestTamperedChunkFailsSessionAndIsNotCached(t *testing.T) {
	local := newNode(t, clock.Fake(epoch))
	remote := newPeerID(t)
	local.peers.reachable = []identity.PeerID{remote}

	data := []byte("genuine appearance payload")
	reference := modstate.ComponentReference{Type: "appearance", Hash: modstate.HashContent(data)}
	local.orchestrator.Declare(remote, modstate.New(remote, 1, []modstate.ComponentReference{reference}))
	local.orchestrator.RunOnce(context.Background())

	frame, ok := local.peers.last(wire.TypeComponentRequest)
	if !ok {
		t.Fatal("no component request sent")
	}
	request := frame.payload.(wire.ComponentRequest)
	chunks, err := wire.SplitComponent(request.SessionID, reference, []byte("forged appearance payload!"))
	if err != nil {
		t.Fatal(err)
	}
	for i := range chunks {
		local.orchestrator.HandleChunk(context.Background(), remote, &chunks[i])
	}

	if local.orchestrator.Status().Failed != 1 {
		t.Error("tampered component did not fail the session")
	}
	if local.cache.Has(reference.Hash) {
		t.Error("tampered component was cached")
	}
	if !local.applier.NeedsUpdate(remote, modstate.New(remote, 1, []modstate.ComponentReference{reference}).StateHash) {
		t.Error("state applied from tampered component")
	}
}

func TestApplyFailureEndsSessionFailed(t *testing.T) {
	fake := clock.Fake(epoch)
	alpha := newNode(t, fake)
	beta := newNode(t, fake)
	link(alpha, beta)
	beta.target.fail = true

	data := []byte("rejected by host")
	hash, err := alpha.cache.Store("outfit", "", data)
	if err != nil {
		t.Fatal(err)
	}
	state := modstate.New(alpha.id, 1, []modstate.ComponentReference{{Type: "outfit", Hash: hash}})
	alpha.orchestrator.SetLocal(state)
	beta.orchestrator.Declare(alpha.id, state)
	beta.orchestrator.RunOnce(context.Background())

	status := beta.orchestrator.Status()
	if status.Failed != 1 || status.Applied != 0 {
		t.Errorf("status = %+v, want one failed session and no apply", status)
	}
	if !beta.cache.Has(hash) {
		t.Error("component fetched before the failed apply should stay cached")
	}
}

func TestRequestForUndeclaredComponentIsReportedMissing(t *testing.T) {
	local := newNode(t, clock.Fake(epoch))
	requester := newPeerID(t)

	hash, err := local.cache.Store("outfit", "", []byte("private draft"))
	if err != nil {
		t.Fatal(err)
	}
	local.orchestrator.HandleRequest(requester, &wire.ComponentRequest{SessionID: "s1", Hashes: []string{hash}})

	if n := local.peers.count(wire.TypeComponentChunk); n != 0 {
		t.Errorf("served %d chunks of an undeclared component", n)
	}
	frame, ok := local.peers.last(wire.TypeComponentMissing)
	if !ok || frame.payload.(wire.ComponentMissing).Hash != hash {
		t.Errorf("component_missing not reported: %+v", frame)
	}
}

func TestRedeclarationReleasesDroppedComponents(t *testing.T) {
	local := newNode(t, clock.Fake(epoch))
	remote := newPeerID(t)
	local.peers.reachable = []identity.PeerID{remote}

	oldHash, err := local.cache.Store("outfit", "", []byte("old outfit"))
	if err != nil {
		t.Fatal(err)
	}
	newHash, err := local.cache.Store("outfit", "", []byte("new outfit"))
	if err != nil {
		t.Fatal(err)
	}
	local.orchestrator.Declare(remote, modstate.New(remote, 1, []modstate.ComponentReference{{Type: "outfit", Hash: oldHash}}))
	local.orchestrator.RunOnce(context.Background())
	if got := local.cache.ReferenceCount(oldHash); got != 2 {
		t.Fatalf("reference count while declared = %d, want 2", got)
	}

	local.orchestrator.Declare(remote, modstate.New(remote, 2, []modstate.ComponentReference{{Type: "outfit", Hash: newHash}}))
	if got := local.cache.ReferenceCount(oldHash); got != 1 {
		t.Errorf("reference count after redeclaration = %d, want 1", got)
	}

	local.orchestrator.Forget(remote)
	if got := local.cache.ReferenceCount(newHash); got != 1 {
		t.Errorf("reference count after Forget = %d, want 1", got)
	}
}

func TestRunFailsSessionWhenPeerDisconnects(t *testing.T) {
	fake := clock.Fake(epoch)
	local := newNode(t, fake)
	remote := newPeerID(t)
	local.peers.reachable = []identity.PeerID{remote}

	hash := modstate.HashContent([]byte("in flight"))
	local.orchestrator.Declare(remote, modstate.New(remote, 1, []modstate.ComponentReference{{Type: "outfit", Hash: hash}}))
	local.orchestrator.RunOnce(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	transitions := make(chan connection.Transition, 1)
	done := make(chan error, 1)
	go func() { done <- local.orchestrator.Run(ctx, transitions) }()

	transitions <- connection.Transition{Peer: remote, From: connection.StateConnected, To: connection.StateDisconnected}
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return local.orchestrator.Status().Failed == 1
	}, "disconnect did not fail the session")

	cancel()
	if err := testutil.RequireReceive(t, done, 5*time.Second, "Run did not return"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
}

func TestTriggeredPassesAreRateLimited(t *testing.T) {
	fake := clock.Fake(epoch)
	local := newNode(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go local.orchestrator.Run(ctx, nil)

	// The ticker is the first timer; the first triggered pass runs
	// immediately and consumes the limiter's single token.
	fake.WaitForTimers(1)
	local.orchestrator.Trigger()
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return local.orchestrator.Status().LastRun.Equal(epoch)
	}, "first pass never ran")

	// A second trigger must wait for the limiter delay.
	local.orchestrator.Trigger()
	fake.WaitForTimers(2)
	if !local.orchestrator.Status().LastRun.Equal(epoch) {
		t.Fatal("second pass ran without waiting for the rate limiter")
	}
	fake.Advance(time.Second)
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return local.orchestrator.Status().LastRun.Equal(epoch.Add(time.Second))
	}, "second pass never ran after the limiter delay")
}

// staleApplier reports every state as needing an update, as when an
// apply from another path lands between the check and the apply.
type staleApplier struct {
	*applier.Applier
}

func (staleApplier) NeedsUpdate(identity.PeerID, string) bool { return true }

func TestStateAppliedConcurrentlyIsNotCountedTwice(t *testing.T) {
	local := newNode(t, clock.Fake(epoch))
	remote := newPeerID(t)
	local.peers.reachable = []identity.PeerID{remote}
	local.orchestrator = New(Config{
		Peers:   local.peers,
		Cache:   local.cache,
		Applier: staleApplier{local.applier},
		Clock:   clock.Fake(epoch),
		Logger:  slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})

	hash, err := local.cache.Store("outfit", "tunic", []byte("green tunic"))
	if err != nil {
		t.Fatal(err)
	}
	state := modstate.New(remote, 1, []modstate.ComponentReference{{Type: "outfit", Hash: hash}})
	local.orchestrator.Declare(remote, state)
	local.orchestrator.RunOnce(context.Background())
	local.orchestrator.RunOnce(context.Background())

	if applied := local.orchestrator.Status().Applied; applied != 1 {
		t.Errorf("applied %d times, want 1", applied)
	}
	if n := len(local.applier.History()); n != 1 {
		t.Errorf("history has %d transactions, want 1", n)
	}
}
