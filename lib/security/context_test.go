// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/group"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/sealed"
	"github.com/bureau-foundation/syncshell/lib/testutil"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newContext(t *testing.T, clk clock.Clock, config Config) *Context {
	t.Helper()
	local, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	ctx := New(local, config, clk, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func addGroup(t *testing.T, ctx *Context) string {
	t.Helper()
	keys, err := group.Derive("raid-team", []byte("s3cr3t"))
	if err != nil {
		t.Fatal(err)
	}
	ctx.AddGroup(keys)
	return keys.GroupID
}

func epochCount(c *Context, groupID string) int {
	c.groupsMu.RLock()
	defer c.groupsMu.RUnlock()
	if state, ok := c.groups[groupID]; ok {
		return len(state.epochs)
	}
	return 0
}

func TestPublicKeyRegistryEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := newContext(t, clock.Fake(start), Config{KeyCacheSize: 2})
	peers := make([]identity.PeerID, 3)
	for index := range peers {
		id, err := identity.Generate()
		if err != nil {
			t.Fatal(err)
		}
		peers[index] = id.ID()
	}

	for _, peer := range peers[:2] {
		if _, err := ctx.PublicKey(peer); err != nil {
			t.Fatal(err)
		}
	}
	// Touch the first so the second becomes least recently used.
	ctx.PublicKey(peers[0])
	ctx.PublicKey(peers[2])

	if ctx.KnownKeys() != 2 {
		t.Fatalf("KnownKeys = %d, want 2", ctx.KnownKeys())
	}
	if _, ok := ctx.keyIndex[peers[1]]; ok {
		t.Error("least recently used key was not evicted")
	}
	if _, ok := ctx.keyIndex[peers[0]]; !ok {
		t.Error("recently used key was evicted")
	}
	if _, err := ctx.PublicKey("ssp1bogus"); !errors.Is(err, identity.ErrMalformedPeerID) {
		t.Errorf("malformed peer: error = %v, want ErrMalformedPeerID", err)
	}
}

func TestVerifyUsesRecoveredKey(t *testing.T) {
	ctx := newContext(t, clock.Fake(start), Config{})
	remote, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}
	signature := remote.Sign([]byte("hello"))
	if !ctx.Verify(remote.ID(), []byte("hello"), signature) {
		t.Error("valid signature rejected")
	}
	if ctx.Verify(ctx.LocalID(), []byte("hello"), signature) {
		t.Error("signature accepted for the wrong peer")
	}
}

func TestBroadcastOpensAcrossMembersWithinEpochWindow(t *testing.T) {
	fake := clock.Fake(start)
	sender := newContext(t, fake, Config{})
	receiver := newContext(t, fake, Config{})
	groupID := addGroup(t, sender)
	addGroup(t, receiver)

	blob, err := sender.SealBroadcast(groupID, []byte("ledger"))
	if err != nil {
		t.Fatalf("SealBroadcast: %v", err)
	}
	fake.Advance(DefaultRotationInterval)
	plaintext, err := receiver.OpenBroadcast(groupID, blob)
	if err != nil {
		t.Fatalf("OpenBroadcast one epoch later: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("ledger")) {
		t.Errorf("plaintext = %q", plaintext)
	}

	fake.Advance(DefaultRotationInterval)
	if _, err := receiver.OpenBroadcast(groupID, blob); !errors.Is(err, ErrStaleEpoch) {
		t.Errorf("OpenBroadcast two epochs later: error = %v, want ErrStaleEpoch", err)
	}
}

func TestBroadcastRejectsOtherGroupsAndTampering(t *testing.T) {
	fake := clock.Fake(start)
	ctx := newContext(t, fake, Config{})
	groupID := addGroup(t, ctx)

	blob, err := ctx.SealBroadcast(groupID, []byte("ledger"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctx.OpenBroadcast("ffffffffffffffffffffffffffffffff", blob); !errors.Is(err, ErrUnknownGroup) {
		t.Errorf("unknown group: error = %v, want ErrUnknownGroup", err)
	}
	blob[len(blob)-1] ^= 1
	if _, err := ctx.OpenBroadcast(groupID, blob); !errors.Is(err, sealed.ErrOpen) {
		t.Errorf("tampered blob: error = %v, want ErrOpen", err)
	}
	if _, err := ctx.OpenBroadcast(groupID, []byte{1, 2}); !errors.Is(err, sealed.ErrOpen) {
		t.Errorf("short blob: error = %v, want ErrOpen", err)
	}
}

func TestRotateDropsStaleEpochKeys(t *testing.T) {
	fake := clock.Fake(start)
	ctx := newContext(t, fake, Config{})
	groupID := addGroup(t, ctx)

	ctx.Rotate(fake.Now())
	if _, err := ctx.SealBroadcast(groupID, []byte("x")); err != nil {
		t.Fatal(err)
	}
	ctx.Rotate(fake.Now().Add(DefaultRotationInterval))
	if got := epochCount(ctx, groupID); got != 2 {
		t.Errorf("after one rotation: %d epoch keys, want 2", got)
	}
	ctx.Rotate(fake.Now().Add(3 * DefaultRotationInterval))
	if got := epochCount(ctx, groupID); got != 1 {
		t.Errorf("after skipping ahead: %d epoch keys, want 1", got)
	}
}

func TestRunRotatesOnTicker(t *testing.T) {
	fake := clock.Fake(start)
	ctx := newContext(t, fake, Config{RotationInterval: time.Minute})
	groupID := addGroup(t, ctx)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ctx.Run(runCtx)
		close(done)
	}()

	fake.WaitForTimers(1)
	testutil.RequireEventually(t, time.Second, func() bool { return epochCount(ctx, groupID) == 1 },
		"initial rotation did not derive the current epoch key")
	fake.Advance(time.Minute)
	testutil.RequireEventually(t, time.Second, func() bool { return epochCount(ctx, groupID) == 2 },
		"ticker rotation did not derive the next epoch key")

	cancel()
	testutil.RequireClosed(t, done, time.Second)
}
