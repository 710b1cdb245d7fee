// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncshell

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/connection"
	"github.com/bureau-foundation/syncshell/lib/group"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/membership"
	"github.com/bureau-foundation/syncshell/lib/phonebook"
	"github.com/bureau-foundation/syncshell/lib/secret"
	"github.com/bureau-foundation/syncshell/lib/storage"
	"github.com/bureau-foundation/syncshell/lib/wire"
)

// groupRecord is the persisted form of a joined group. The secret is
// kept so the node can issue invites after a restart; the store seals
// it at rest.
type groupRecord struct {
	Name   string `cbor:"1,keyasint"`
	Secret []byte `cbor:"2,keyasint"`
}

// groupState is a group the node holds keys for. joined is false while
// a join is still in flight.
type groupState struct {
	id     string
	name   string
	secret *secret.Buffer
	ledger *phonebook.Ledger
	joined bool
}

func (g *groupState) close() error {
	return g.secret.Close()
}

func groupKey(groupID string) string {
	return storage.Key("group", groupID)
}

// restoreGroups loads every persisted group record. Records that no
// longer decode are logged and skipped.
func (n *Node) restoreGroups() error {
	keys, err := n.store.List("group/")
	if err != nil {
		return fmt.Errorf("listing groups: %w", err)
	}
	for _, key := range keys {
		data, err := n.store.Get(key)
		if err != nil {
			n.logger.Warn("skipping unreadable group record", "key", key, "error", err)
			continue
		}
		var record groupRecord
		if err := codec.Unmarshal(data, &record); err != nil {
			n.logger.Warn("skipping corrupt group record", "key", key, "error", err)
			continue
		}
		state, err := n.openGroup(record.Name, record.Secret)
		secret.Zero(record.Secret)
		if err != nil {
			return fmt.Errorf("restoring group from %s: %w", key, err)
		}
		if groupKey(state.id) != key {
			n.logger.Warn("group record stored under the wrong key", "key", key, "group", state.id)
		}
		n.mu.Lock()
		state.joined = true
		n.mu.Unlock()
		n.logger.Info("restored group", "group", state.id, "name", state.name, "members", len(state.ledger.Members()))
	}
	return nil
}

// openGroup derives keys for (name, shared) and registers the group
// with the security context and ledger registry. Opening a group that
// is already held returns the existing state.
func (n *Node) openGroup(name string, shared []byte) (*groupState, error) {
	keys, err := group.Derive(name, shared)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if existing, ok := n.groups[keys.GroupID]; ok {
		keys.Close()
		return existing, nil
	}

	buffer, err := secret.NewFromBytes(slices.Clone(shared))
	if err != nil {
		keys.Close()
		return nil, err
	}
	ledger, err := n.ledgers.Open(keys.GroupID)
	if err != nil {
		keys.Close()
		buffer.Close()
		return nil, err
	}
	n.security.AddGroup(keys)
	state := &groupState{id: keys.GroupID, name: name, secret: buffer, ledger: ledger}
	n.groups[state.id] = state
	return state, nil
}

// persistGroup writes the group record and the ledger.
func (n *Node) persistGroup(state *groupState) error {
	data, err := codec.Marshal(&groupRecord{Name: state.name, Secret: state.secret.Bytes()})
	if err != nil {
		return fmt.Errorf("encoding group record: %w", err)
	}
	if err := n.store.Put(groupKey(state.id), data); err != nil {
		return fmt.Errorf("saving group record: %w", err)
	}
	return state.ledger.Persist()
}

// joinedGroup returns the state of a fully joined group.
func (n *Node) joinedGroup(groupID string) (*groupState, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	state, ok := n.groups[groupID]
	if !ok || !state.joined {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	return state, nil
}

// CreateGroup joins the group derived from (name, shared secret) as
// its first member and returns the group ID. Every node calling
// CreateGroup with the same arguments derives the same group; creating
// a group the node already holds returns its ID.
func (n *Node) CreateGroup(name string, shared []byte) (string, error) {
	state, err := n.openGroup(name, shared)
	if err != nil {
		return "", err
	}

	n.mu.Lock()
	joined := state.joined
	n.mu.Unlock()
	if joined {
		return state.id, nil
	}

	local := n.local.ID()
	token, err := membership.IssueToken(n.local, state.id, local, n.config.TokenValidity, n.clock.Now())
	if err != nil {
		return "", err
	}
	if err := n.tokens.Save(token); err != nil {
		return "", err
	}
	if err := state.ledger.AddMember(local, n.config.Address, n.config.Port); err != nil {
		return "", err
	}
	if err := n.persistGroup(state); err != nil {
		return "", err
	}

	n.mu.Lock()
	state.joined = true
	n.mu.Unlock()
	n.logger.Info("created group", "group", state.id, "name", name)
	return state.id, nil
}

// Groups returns the IDs of joined groups, sorted.
func (n *Node) Groups() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ids []string
	for id, state := range n.groups {
		if state.joined {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// CurrentMembers returns the group's ledger entries ordered by peer
// ID.
func (n *Node) CurrentMembers(groupID string) ([]phonebook.Entry, error) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return nil, err
	}
	return state.ledger.Members(), nil
}

// Ledger returns a snapshot of the group's replica.
func (n *Node) Ledger(groupID string) (*phonebook.Phonebook, error) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return nil, err
	}
	return state.ledger.Snapshot(), nil
}

// RemoveMember signs a tombstone for peer, gossips it, and revokes the
// peer locally once the tombstone takes effect.
func (n *Node) RemoveMember(ctx context.Context, groupID string, peer identity.PeerID) error {
	if peer == n.local.ID() {
		return errors.New("syncshell: use LeaveGroup to remove the local peer")
	}
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return err
	}
	if _, err := state.ledger.Remove(peer); err != nil {
		return err
	}
	if err := state.ledger.Persist(); err != nil {
		n.logger.Warn("persisting ledger after removal", "group", groupID, "error", err)
	}
	n.gossipLedger(groupID, "")
	n.reconcileMembership(ctx, groupID)
	return nil
}

// EndorseRemoval co-signs existing tombstones for peer, for groups
// whose removals need a quorum. Returns the number endorsed.
func (n *Node) EndorseRemoval(ctx context.Context, groupID string, peer identity.PeerID) (int, error) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return 0, err
	}
	endorsed, err := state.ledger.Endorse(peer)
	if err != nil {
		return endorsed, err
	}
	if endorsed > 0 {
		if err := state.ledger.Persist(); err != nil {
			n.logger.Warn("persisting ledger after endorsement", "group", groupID, "error", err)
		}
		n.gossipLedger(groupID, "")
		n.reconcileMembership(ctx, groupID)
	}
	return endorsed, nil
}

// LeaveGroup tombstones the local entry, tells authorized peers, and
// forgets the group.
func (n *Node) LeaveGroup(ctx context.Context, groupID string) error {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return err
	}
	if _, err := state.ledger.Remove(n.local.ID()); err != nil && !errors.Is(err, phonebook.ErrNotMember) {
		n.logger.Warn("tombstoning local entry", "group", groupID, "error", err)
	}
	n.gossipLedger(groupID, "")
	for _, peer := range n.authorizedIn(groupID) {
		if err := n.connections.Send(peer, wire.TypeLeave, &wire.Leave{GroupID: groupID}); err != nil {
			n.logger.Debug("sending leave", "peer", peer.Short(), "error", err)
		}
	}
	n.dropGroup(ctx, groupID)
	n.logger.Info("left group", "group", groupID)
	return nil
}

// dropGroup forgets everything held for groupID and releases peers no
// longer sharing a group with this node.
func (n *Node) dropGroup(ctx context.Context, groupID string) {
	n.mu.Lock()
	state, ok := n.groups[groupID]
	delete(n.groups, groupID)
	var affected []identity.PeerID
	for peer, groups := range n.authorized {
		if groups[groupID] {
			delete(groups, groupID)
			affected = append(affected, peer)
		}
	}
	for _, groups := range n.accepted {
		delete(groups, groupID)
	}
	n.mu.Unlock()
	if !ok {
		return
	}

	n.security.RemoveGroup(groupID)
	var errs []error
	errs = append(errs, n.ledgers.Forget(groupID))
	errs = append(errs, n.tokens.DeleteGroup(groupID))
	errs = append(errs, n.store.Delete(groupKey(groupID)))
	errs = append(errs, state.close())
	if err := errors.Join(errs...); err != nil {
		n.logger.Warn("forgetting group", "group", groupID, "error", err)
	}
	for _, peer := range affected {
		n.release(ctx, peer)
	}
}

// reconcileMembership applies the ledger's tombstones to live state:
// removed peers lose their authorization, and a removed local peer
// leaves the group.
func (n *Node) reconcileMembership(ctx context.Context, groupID string) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return
	}
	if state.ledger.IsRemoved(n.local.ID()) {
		n.logger.Warn("removed from group", "group", groupID)
		n.dropGroup(ctx, groupID)
		return
	}

	n.mu.Lock()
	var revoked []identity.PeerID
	for peer, groups := range n.authorized {
		if groups[groupID] && state.ledger.IsRemoved(peer) {
			delete(groups, groupID)
			revoked = append(revoked, peer)
		}
	}
	n.mu.Unlock()

	for _, peer := range revoked {
		n.logger.Info("revoked removed member", "group", groupID, "member", peer.Short())
		if err := n.tokens.Delete(groupID, peer); err != nil {
			n.logger.Debug("deleting revoked token", "member", peer.Short(), "error", err)
		}
		n.release(ctx, peer)
	}
}

// revokeGrace delays closing a revoked peer's link so frames already
// sent to it, such as the ledger carrying its tombstone, are read
// before the link goes down.
const revokeGrace = time.Second

// release drops a peer that is no longer authorized in any group: its
// declaration, cache references, applied components, and link.
func (n *Node) release(ctx context.Context, peer identity.PeerID) {
	n.mu.Lock()
	remaining := len(n.authorized[peer])
	n.mu.Unlock()
	if remaining > 0 {
		return
	}
	n.orchestrator.Forget(peer)
	if _, err := n.applier.Remove(ctx, peer); err != nil {
		n.logger.Warn("removing peer components", "member", peer.Short(), "error", err)
	}
	n.clock.AfterFunc(revokeGrace, func() {
		if !n.authorizedAny(peer) {
			n.connections.Disconnect(peer)
		}
	})
}

// authorizedIn returns the connected peers authorized in groupID.
func (n *Node) authorizedIn(groupID string) []identity.PeerID {
	connected := n.connections.Connected()
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.DeleteFunc(connected, func(peer identity.PeerID) bool {
		return !n.authorized[peer][groupID]
	})
}

// sealedLedger returns the group's replica signed by the local peer and
// sealed under the current broadcast key.
func (n *Node) sealedLedger(state *groupState) (*wire.Ledger, error) {
	signed, err := phonebook.SignBroadcast(n.local, state.ledger.Snapshot())
	if err != nil {
		return nil, err
	}
	data, err := codec.Marshal(signed)
	if err != nil {
		return nil, fmt.Errorf("encoding ledger broadcast: %w", err)
	}
	blob, err := n.security.SealBroadcast(state.id, data)
	if err != nil {
		return nil, err
	}
	return &wire.Ledger{GroupID: state.id, Sealed: blob}, nil
}

// sendLedger sends the group's replica to one peer.
func (n *Node) sendLedger(peer identity.PeerID, groupID string) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return
	}
	message, err := n.sealedLedger(state)
	if err != nil {
		n.logger.Warn("sealing ledger", "group", groupID, "error", err)
		return
	}
	if err := n.connections.Send(peer, wire.TypeLedger, message); err != nil {
		n.logger.Debug("sending ledger", "member", peer.Short(), "error", err)
	}
}

// gossipLedger sends the group's replica to every authorized peer
// other than except.
func (n *Node) gossipLedger(groupID string, except identity.PeerID) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return
	}
	peers := slices.DeleteFunc(n.authorizedIn(groupID), func(peer identity.PeerID) bool { return peer == except })
	if len(peers) == 0 {
		return
	}
	message, err := n.sealedLedger(state)
	if err != nil {
		n.logger.Warn("sealing ledger", "group", groupID, "error", err)
		return
	}
	for _, peer := range peers {
		if err := n.connections.Send(peer, wire.TypeLedger, message); err != nil {
			n.logger.Debug("gossiping ledger", "member", peer.Short(), "error", err)
		}
	}
}

// connectMembers dials every ledger member without a link, signaling
// through an authorized member that is connected to this node.
func (n *Node) connectMembers(groupID string) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return
	}
	introducers := n.authorizedIn(groupID)
	if len(introducers) == 0 {
		return
	}
	local := n.local.ID()
	for _, entry := range state.ledger.Members() {
		member := entry.PeerID
		if member == local || state.ledger.IsRemoved(member) {
			continue
		}
		switch n.connections.State(member) {
		case connection.StateNew, connection.StateFailed, connection.StateClosed:
		default:
			continue
		}
		for _, introducer := range introducers {
			if introducer == member {
				continue
			}
			if err := n.connections.Connect(member, n.connections.MeshSignaler(introducer)); err != nil {
				n.logger.Debug("dialing member", "member", member.Short(), "error", err)
			}
			break
		}
	}
}
