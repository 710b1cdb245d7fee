// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package security

import (
	"container/list"
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/group"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/sealed"
)

const (
	// DefaultRotationInterval is the broadcast key epoch length.
	DefaultRotationInterval = time.Hour

	// DefaultKeyCacheSize bounds the remote public key registry.
	DefaultKeyCacheSize = 1024

	broadcastInfo = "syncshell.broadcast.v1"
	epochSize     = 8
)

var (
	// ErrUnknownGroup is returned for operations on a group this
	// context holds no keys for.
	ErrUnknownGroup = errors.New("security: unknown group")

	// ErrStaleEpoch is returned when a broadcast was sealed under an
	// epoch key no longer (or not yet) accepted.
	ErrStaleEpoch = errors.New("security: broadcast epoch not accepted")
)

// Config holds SecurityContext parameters. Zero values select
// defaults.
type Config struct {
	RotationInterval time.Duration
	KeyCacheSize     int
}

// Context owns the local identity, a bounded registry of remote public
// keys, the key material for each joined group, and the per-epoch
// broadcast keys derived from it.
type Context struct {
	identity *identity.Identity
	clock    clock.Clock
	logger   *slog.Logger
	interval time.Duration

	keysMu   sync.Mutex
	keyLimit int
	keyOrder *list.List
	keyIndex map[identity.PeerID]*list.Element

	groupsMu sync.RWMutex
	groups   map[string]*groupState
}

type remoteKey struct {
	peer identity.PeerID
	key  ed25519.PublicKey
}

type groupState struct {
	keys   *group.Keys
	epochs map[int64]*sealed.Box
}

// New returns a Context for the local identity.
func New(local *identity.Identity, config Config, clk clock.Clock, logger *slog.Logger) *Context {
	if config.RotationInterval <= 0 {
		config.RotationInterval = DefaultRotationInterval
	}
	if config.KeyCacheSize <= 0 {
		config.KeyCacheSize = DefaultKeyCacheSize
	}
	return &Context{
		identity: local,
		clock:    clk,
		logger:   logger,
		interval: config.RotationInterval,
		keyLimit: config.KeyCacheSize,
		keyOrder: list.New(),
		keyIndex: make(map[identity.PeerID]*list.Element),
		groups:   make(map[string]*groupState),
	}
}

// Identity returns the local identity.
func (c *Context) Identity() *identity.Identity { return c.identity }

// LocalID returns the local peer ID.
func (c *Context) LocalID() identity.PeerID { return c.identity.ID() }

// PublicKey returns peer's public key, recovering it from the peer ID
// on first use and caching it in the LRU registry.
func (c *Context) PublicKey(peer identity.PeerID) (ed25519.PublicKey, error) {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()

	if element, ok := c.keyIndex[peer]; ok {
		c.keyOrder.MoveToFront(element)
		return element.Value.(*remoteKey).key, nil
	}
	key, err := peer.PublicKey()
	if err != nil {
		return nil, err
	}
	c.keyIndex[peer] = c.keyOrder.PushFront(&remoteKey{peer: peer, key: key})
	for c.keyOrder.Len() > c.keyLimit {
		oldest := c.keyOrder.Back()
		c.keyOrder.Remove(oldest)
		delete(c.keyIndex, oldest.Value.(*remoteKey).peer)
	}
	return key, nil
}

// KnownKeys returns the number of cached remote keys.
func (c *Context) KnownKeys() int {
	c.keysMu.Lock()
	defer c.keysMu.Unlock()
	return c.keyOrder.Len()
}

// Verify checks signature over message by peer.
func (c *Context) Verify(peer identity.PeerID, message, signature []byte) bool {
	key, err := c.PublicKey(peer)
	if err != nil {
		return false
	}
	return identity.Verify(message, signature, key)
}

// AddGroup registers key material for a joined group. The context
// takes ownership of keys and closes them on RemoveGroup or Close.
func (c *Context) AddGroup(keys *group.Keys) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if existing, ok := c.groups[keys.GroupID]; ok {
		existing.close()
	}
	c.groups[keys.GroupID] = &groupState{keys: keys, epochs: make(map[int64]*sealed.Box)}
}

// RemoveGroup forgets a group's key material.
func (c *Context) RemoveGroup(groupID string) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	if state, ok := c.groups[groupID]; ok {
		state.close()
		delete(c.groups, groupID)
	}
}

// Group returns the key material for groupID.
func (c *Context) Group(groupID string) (*group.Keys, bool) {
	c.groupsMu.RLock()
	defer c.groupsMu.RUnlock()
	state, ok := c.groups[groupID]
	if !ok {
		return nil, false
	}
	return state.keys, true
}

// Groups returns the IDs of all registered groups, sorted.
func (c *Context) Groups() []string {
	c.groupsMu.RLock()
	defer c.groupsMu.RUnlock()
	ids := make([]string, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *Context) epochAt(now time.Time) int64 {
	return now.Unix() / int64(c.interval/time.Second)
}

// epochBox returns the broadcast box for epoch, deriving it on first
// use. Caller holds groupsMu for writing.
func (c *Context) epochBox(state *groupState, epoch int64) (*sealed.Box, error) {
	if box, ok := state.epochs[epoch]; ok {
		return box, nil
	}
	info := make([]byte, len(broadcastInfo)+epochSize)
	copy(info, broadcastInfo)
	binary.BigEndian.PutUint64(info[len(broadcastInfo):], uint64(epoch))
	key, err := sealed.DeriveKey(state.keys.EncryptionKey(), nil, info)
	if err != nil {
		return nil, err
	}
	box, err := sealed.NewBox(key)
	if err != nil {
		return nil, err
	}
	state.epochs[epoch] = box
	return box, nil
}

// SealBroadcast encrypts a group broadcast under the current epoch
// key. The blob is prefixed with the epoch number.
func (c *Context) SealBroadcast(groupID string, plaintext []byte) ([]byte, error) {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	state, ok := c.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	epoch := c.epochAt(c.clock.Now())
	box, err := c.epochBox(state, epoch)
	if err != nil {
		return nil, err
	}
	header := make([]byte, epochSize)
	binary.BigEndian.PutUint64(header, uint64(epoch))
	blob, err := box.Seal(plaintext, []byte(groupID))
	if err != nil {
		return nil, err
	}
	return append(header, blob...), nil
}

// OpenBroadcast decrypts a group broadcast. Blobs sealed in the
// previous, current, or next epoch are accepted so peers with slightly
// skewed clocks interoperate across a rotation.
func (c *Context) OpenBroadcast(groupID string, blob []byte) ([]byte, error) {
	if len(blob) < epochSize {
		return nil, sealed.ErrOpen
	}
	epoch := int64(binary.BigEndian.Uint64(blob[:epochSize]))
	current := c.epochAt(c.clock.Now())
	if epoch < current-1 || epoch > current+1 {
		return nil, fmt.Errorf("%w: epoch %d, current %d", ErrStaleEpoch, epoch, current)
	}

	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	state, ok := c.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	box, err := c.epochBox(state, epoch)
	if err != nil {
		return nil, err
	}
	return box.Open(blob[epochSize:], []byte(groupID))
}

// Rotate discards epoch keys older than the previous epoch at now and
// derives the current one ahead of use.
func (c *Context) Rotate(now time.Time) {
	current := c.epochAt(now)
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	for groupID, state := range c.groups {
		for epoch, box := range state.epochs {
			if epoch < current-1 {
				box.Close()
				delete(state.epochs, epoch)
			}
		}
		if _, err := c.epochBox(state, current); err != nil {
			c.logger.Error("deriving broadcast key", "group", groupID, "epoch", current, "error", err)
		}
	}
	c.logger.Debug("rotated broadcast keys", "epoch", current, "groups", len(c.groups))
}

// Run rotates broadcast keys on every epoch boundary until ctx is
// done.
func (c *Context) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	c.Rotate(c.clock.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Rotate(now)
		}
	}
}

// Close releases all group key material.
func (c *Context) Close() error {
	c.groupsMu.Lock()
	defer c.groupsMu.Unlock()
	var errs []error
	for id, state := range c.groups {
		errs = append(errs, state.close())
		delete(c.groups, id)
	}
	return errors.Join(errs...)
}

func (s *groupState) close() error {
	var errs []error
	for _, box := range s.epochs {
		errs = append(errs, box.Close())
	}
	errs = append(errs, s.keys.Close())
	return errors.Join(errs...)
}
