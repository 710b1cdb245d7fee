// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncshell

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/membership"
	"github.com/bureau-foundation/syncshell/lib/phonebook"
	"github.com/bureau-foundation/syncshell/lib/wire"
)

// challengeKey identifies an outstanding challenge this node issued.
type challengeKey struct {
	peer    identity.PeerID
	groupID string
}

// errUnauthorized marks frames that require a group authorization the
// sender does not have. They are dropped without reply.
var errUnauthorized = errors.New("syncshell: sender not authorized")

// dispatch decodes an envelope's payload into T and hands it to
// handle.
func dispatch[T any](envelope *wire.Envelope, handle func(*T) error) error {
	var message T
	if err := envelope.Decode(&message); err != nil {
		return err
	}
	return handle(&message)
}

// handleFrame routes every application frame from an authenticated
// link.
func (n *Node) handleFrame(ctx context.Context, peer identity.PeerID, envelope *wire.Envelope) {
	var err error
	switch envelope.Type {
	case wire.TypeChallengeRequest:
		err = dispatch(envelope, func(m *wire.ChallengeRequest) error { return n.handleChallengeRequest(peer, m) })
	case wire.TypeChallenge:
		err = dispatch(envelope, func(m *wire.Challenge) error { return n.handleChallenge(peer, m) })
	case wire.TypeGroupAuth:
		err = dispatch(envelope, func(m *wire.GroupAuth) error { return n.handleGroupAuth(peer, m) })
	case wire.TypeAuthResult:
		err = dispatch(envelope, func(m *wire.AuthResult) error { return n.handleAuthResult(peer, m) })
	case wire.TypeJoinRequest:
		err = dispatch(envelope, func(m *wire.JoinRequest) error { return n.handleJoinRequest(peer, m) })
	case wire.TypeJoinAccept:
		err = dispatch(envelope, func(m *wire.JoinAccept) error { return n.handleJoinAccept(peer, m) })
	case wire.TypeJoinReject:
		err = dispatch(envelope, func(m *wire.JoinReject) error {
			n.completeJoin(m.GroupID, fmt.Errorf("%w: %s", ErrJoinRejected, m.Reason))
			return nil
		})
	case wire.TypeLedger:
		err = dispatch(envelope, func(m *wire.Ledger) error { return n.handleLedger(ctx, peer, m) })
	case wire.TypeLeave:
		err = dispatch(envelope, func(m *wire.Leave) error { return n.handleLeave(ctx, peer, m) })
	case wire.TypeStateDeclaration:
		err = dispatch(envelope, func(m *wire.StateDeclaration) error { return n.handleDeclaration(peer, m) })
	case wire.TypeComponentRequest:
		err = dispatch(envelope, func(m *wire.ComponentRequest) error {
			if !n.authorizedAny(peer) {
				return errUnauthorized
			}
			n.orchestrator.HandleRequest(peer, m)
			return nil
		})
	case wire.TypeComponentChunk:
		err = dispatch(envelope, func(m *wire.ComponentChunk) error {
			if !n.authorizedAny(peer) {
				return errUnauthorized
			}
			n.orchestrator.HandleChunk(ctx, peer, m)
			return nil
		})
	case wire.TypeComponentMissing:
		err = dispatch(envelope, func(m *wire.ComponentMissing) error {
			if !n.authorizedAny(peer) {
				return errUnauthorized
			}
			n.orchestrator.HandleMissing(peer, m)
			return nil
		})
	default:
		n.logger.Debug("ignoring frame", "from", peer.Short(), "type", envelope.Type)
	}

	switch {
	case err == nil:
	case errors.Is(err, errUnauthorized):
		n.logger.Debug("dropped frame from unauthorized peer", "from", peer.Short(), "type", envelope.Type)
	default:
		n.logger.Warn("handling frame", "from", peer.Short(), "type", envelope.Type, "error", err)
	}
}

// greet starts group authentication on a new link: a challenge for
// every shared group, and the join request if peer is an inviter.
func (n *Node) greet(peer identity.PeerID) {
	var challenge, join []string
	n.mu.Lock()
	for id, state := range n.groups {
		if state.joined && state.ledger.IsMember(peer) {
			challenge = append(challenge, id)
		}
	}
	for id, pending := range n.joins {
		if pending.inviter == peer {
			join = append(join, id)
		}
	}
	n.mu.Unlock()

	for _, groupID := range challenge {
		n.requestChallenge(peer, groupID)
	}
	for _, groupID := range join {
		n.sendJoinRequest(peer, groupID)
	}
}

// dropLink clears per-link authorization when a link goes down.
func (n *Node) dropLink(peer identity.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.authorized, peer)
	delete(n.accepted, peer)
	for key := range n.challenges {
		if key.peer == peer {
			delete(n.challenges, key)
		}
	}
	for key := range n.requested {
		if key.peer == peer {
			delete(n.requested, key)
		}
	}
}

func (n *Node) authorize(peer identity.PeerID, groupID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.authorized[peer] == nil {
		n.authorized[peer] = make(map[string]bool)
	}
	n.authorized[peer][groupID] = true
}

func (n *Node) isAuthorized(peer identity.PeerID, groupID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.authorized[peer][groupID]
}

func (n *Node) authorizedAny(peer identity.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.authorized[peer]) > 0
}

// mutual reports whether peer and this node have each authorized the
// other in groupID.
func (n *Node) mutual(peer identity.PeerID, groupID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.authorized[peer][groupID] && n.accepted[peer][groupID]
}

// requestChallenge asks peer to challenge this node for groupID,
// once per link until peer answers with an AuthResult.
func (n *Node) requestChallenge(peer identity.PeerID, groupID string) {
	key := challengeKey{peer, groupID}
	n.mu.Lock()
	skip := n.requested[key] || n.accepted[peer][groupID]
	n.requested[key] = true
	n.mu.Unlock()
	if skip {
		return
	}
	if err := n.connections.Send(peer, wire.TypeChallengeRequest, &wire.ChallengeRequest{GroupID: groupID}); err != nil {
		n.logger.Debug("requesting challenge", "member", peer.Short(), "error", err)
	}
}

// handleChallengeRequest issues a fresh nonce to a peer asking to
// prove its membership, and asks to be challenged in return so both
// sides authenticate.
func (n *Node) handleChallengeRequest(peer identity.PeerID, m *wire.ChallengeRequest) error {
	state, err := n.joinedGroup(m.GroupID)
	if err != nil {
		return nil
	}
	if state.ledger.IsRemoved(peer) {
		return n.connections.Send(peer, wire.TypeAuthResult, &wire.AuthResult{GroupID: m.GroupID, Reason: "removed"})
	}
	nonce, err := membership.NewNonce()
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.challenges[challengeKey{peer, m.GroupID}] = nonce
	n.mu.Unlock()
	if err := n.connections.Send(peer, wire.TypeChallenge, &wire.Challenge{GroupID: m.GroupID, Nonce: nonce}); err != nil {
		return err
	}
	n.requestChallenge(peer, m.GroupID)
	return nil
}

// handleChallenge answers a nonce with the stored member token and a
// signature binding the nonce, the time, and the group.
func (n *Node) handleChallenge(peer identity.PeerID, m *wire.Challenge) error {
	if _, err := n.joinedGroup(m.GroupID); err != nil {
		return nil
	}
	token, err := n.tokens.Load(m.GroupID, n.local.ID())
	if err != nil {
		return err
	}
	if token == nil {
		n.logger.Warn("challenged without a member token", "group", m.GroupID, "by", peer.Short())
		return nil
	}
	now := n.clock.Now()
	signature, err := membership.SignChallenge(n.local, m.Nonce, now, m.GroupID)
	if err != nil {
		return err
	}
	return n.connections.Send(peer, wire.TypeGroupAuth, &wire.GroupAuth{
		GroupID:   m.GroupID,
		Token:     token,
		Nonce:     m.Nonce,
		Timestamp: now.UnixMilli(),
		Signature: signature,
	})
}

// verifyGroupAuth checks a challenge response: the nonce is the one
// issued, the signature is fresh, the token names peer and was issued
// by a member that is not removed, and peer itself is not removed.
func (n *Node) verifyGroupAuth(peer identity.PeerID, state *groupState, m *wire.GroupAuth) error {
	key := challengeKey{peer, m.GroupID}
	n.mu.Lock()
	expected, ok := n.challenges[key]
	delete(n.challenges, key)
	n.mu.Unlock()
	if !ok || !bytes.Equal(expected, m.Nonce) {
		return membership.ErrNonceMismatch
	}
	now := n.clock.Now()
	if err := membership.VerifyChallenge(peer, m.Nonce, m.Timestamp, m.GroupID, m.Signature, now); err != nil {
		return err
	}
	if err := membership.VerifyTokenFor(m.Token, m.GroupID, peer, now); err != nil {
		return err
	}
	if state.ledger.IsRemoved(m.Token.IssuedBy) {
		return fmt.Errorf("token issuer %s was removed", m.Token.IssuedBy.Short())
	}
	if state.ledger.IsRemoved(peer) {
		return phonebook.ErrRemoved
	}
	return nil
}

func (n *Node) handleGroupAuth(peer identity.PeerID, m *wire.GroupAuth) error {
	state, err := n.joinedGroup(m.GroupID)
	if err != nil {
		return nil
	}
	if err := n.verifyGroupAuth(peer, state, m); err != nil {
		n.metrics.VerificationFailure("group_auth")
		n.logger.Warn("rejected group authentication", "group", m.GroupID, "member", peer.Short(), "error", err)
		return n.connections.Send(peer, wire.TypeAuthResult, &wire.AuthResult{GroupID: m.GroupID, Reason: err.Error()})
	}

	n.authorize(peer, m.GroupID)
	if err := state.ledger.Observe(peer, "", 0); errors.Is(err, phonebook.ErrNotMember) {
		if err := state.ledger.AddMember(peer, "", 0); err != nil {
			return err
		}
	}
	n.logger.Info("authenticated member", "group", m.GroupID, "member", peer.Short())
	if err := n.connections.Send(peer, wire.TypeAuthResult, &wire.AuthResult{GroupID: m.GroupID, Accepted: true}); err != nil {
		return err
	}
	n.exchangeIfMutual(peer, m.GroupID)
	return nil
}

func (n *Node) handleAuthResult(peer identity.PeerID, m *wire.AuthResult) error {
	if _, err := n.joinedGroup(m.GroupID); err != nil {
		return nil
	}
	local := n.local.ID()
	n.mu.Lock()
	delete(n.requested, challengeKey{peer, m.GroupID})
	n.mu.Unlock()
	if !m.Accepted {
		n.logger.Warn("peer rejected our membership", "group", m.GroupID, "by", peer.Short(), "reason", m.Reason)
		discarded, err := n.tokens.RecordFailure(m.GroupID, local)
		if err != nil {
			return err
		}
		if discarded {
			n.logger.Error("member token discarded after repeated rejections", "group", m.GroupID)
		}
		return nil
	}
	n.tokens.RecordSuccess(m.GroupID, local)
	n.mu.Lock()
	if n.accepted[peer] == nil {
		n.accepted[peer] = make(map[string]bool)
	}
	n.accepted[peer][m.GroupID] = true
	n.mu.Unlock()
	n.exchangeIfMutual(peer, m.GroupID)
	return nil
}

// exchangeIfMutual sends the ledger and local declaration once both
// sides have authenticated each other in groupID.
func (n *Node) exchangeIfMutual(peer identity.PeerID, groupID string) {
	if !n.mutual(peer, groupID) {
		return
	}
	n.sendLedger(peer, groupID)
	n.sendDeclaration(peer)
}

func (n *Node) rejectJoin(peer identity.PeerID, groupID, reason string) error {
	n.logger.Warn("rejected join", "group", groupID, "joiner", peer.Short(), "reason", reason)
	return n.connections.Send(peer, wire.TypeJoinReject, &wire.JoinReject{GroupID: groupID, Reason: reason})
}

// handleJoinRequest admits a joiner that proves knowledge of the group
// secret: it is added to the ledger, issued a token, and sent the
// signed ledger.
func (n *Node) handleJoinRequest(peer identity.PeerID, m *wire.JoinRequest) error {
	state, err := n.joinedGroup(m.GroupID)
	if err != nil {
		return n.rejectJoin(peer, m.GroupID, "unknown group")
	}
	keys, ok := n.security.Group(m.GroupID)
	if !ok {
		return n.rejectJoin(peer, m.GroupID, "unknown group")
	}
	if !keys.VerifyJoinProof(peer, m.Proof) {
		n.metrics.VerificationFailure("join_proof")
		return n.rejectJoin(peer, m.GroupID, "invalid proof")
	}
	if state.ledger.IsRemoved(peer) {
		return n.rejectJoin(peer, m.GroupID, "removed from group")
	}

	if state.ledger.IsMember(peer) {
		if err := state.ledger.Observe(peer, m.Address, m.Port); err != nil {
			return err
		}
	} else if err := state.ledger.AddMember(peer, m.Address, m.Port); err != nil {
		return err
	}
	token, err := membership.IssueToken(n.local, m.GroupID, peer, n.config.TokenValidity, n.clock.Now())
	if err != nil {
		return err
	}
	signed, err := phonebook.SignBroadcast(n.local, state.ledger.Snapshot())
	if err != nil {
		return err
	}
	if err := n.connections.Send(peer, wire.TypeJoinAccept, &wire.JoinAccept{GroupID: m.GroupID, Token: token, Ledger: signed}); err != nil {
		return err
	}
	if err := state.ledger.Persist(); err != nil {
		n.logger.Warn("persisting ledger after join", "group", m.GroupID, "error", err)
	}

	n.mu.Lock()
	for _, table := range []map[identity.PeerID]map[string]bool{n.authorized, n.accepted} {
		if table[peer] == nil {
			table[peer] = make(map[string]bool)
		}
		table[peer][m.GroupID] = true
	}
	n.mu.Unlock()

	n.logger.Info("admitted member", "group", m.GroupID, "member", peer.Short())
	n.sendDeclaration(peer)
	n.gossipLedger(m.GroupID, peer)
	return nil
}

// handleJoinAccept completes a pending join: the token must name this
// node and be issued by the inviter, and the ledger must be signed by
// the inviter.
func (n *Node) handleJoinAccept(peer identity.PeerID, m *wire.JoinAccept) error {
	n.mu.Lock()
	join, pending := n.joins[m.GroupID]
	state, held := n.groups[m.GroupID]
	n.mu.Unlock()
	if !pending || !held || join.inviter != peer {
		n.logger.Warn("unexpected join accept", "group", m.GroupID, "from", peer.Short())
		return nil
	}

	local := n.local.ID()
	if err := n.verifyJoinAccept(peer, local, m); err != nil {
		n.metrics.VerificationFailure("join_accept")
		n.completeJoin(m.GroupID, err)
		return err
	}
	if _, err := state.ledger.MergeRemote(m.Ledger.Phonebook); err != nil {
		n.completeJoin(m.GroupID, err)
		return err
	}
	if !state.ledger.IsMember(local) {
		if err := state.ledger.AddMember(local, n.config.Address, n.config.Port); err != nil {
			return err
		}
	}
	if err := n.tokens.Save(m.Token); err != nil {
		n.completeJoin(m.GroupID, err)
		return err
	}

	n.mu.Lock()
	state.joined = true
	for _, table := range []map[identity.PeerID]map[string]bool{n.authorized, n.accepted} {
		if table[peer] == nil {
			table[peer] = make(map[string]bool)
		}
		table[peer][m.GroupID] = true
	}
	n.mu.Unlock()
	if err := n.persistGroup(state); err != nil {
		n.logger.Warn("persisting joined group", "group", m.GroupID, "error", err)
	}

	n.completeJoin(m.GroupID, nil)
	n.logger.Info("joined group", "group", m.GroupID, "inviter", peer.Short(), "members", len(state.ledger.Members()))
	n.sendDeclaration(peer)
	n.connectMembers(m.GroupID)
	return nil
}

func (n *Node) verifyJoinAccept(peer, local identity.PeerID, m *wire.JoinAccept) error {
	if m.Token == nil {
		return fmt.Errorf("join accept without token")
	}
	if err := membership.VerifyTokenFor(m.Token, m.GroupID, local, n.clock.Now()); err != nil {
		return err
	}
	if m.Token.IssuedBy != peer {
		return fmt.Errorf("token issued by %s, not the inviter", m.Token.IssuedBy.Short())
	}
	if !phonebook.VerifyBroadcast(m.Ledger) || m.Ledger.Sender != peer {
		return fmt.Errorf("ledger not signed by the inviter")
	}
	return nil
}

// handleLedger merges a gossiped replica from an authorized member.
// A replica that changes the local one is passed on to the other
// members.
func (n *Node) handleLedger(ctx context.Context, peer identity.PeerID, m *wire.Ledger) error {
	if !n.isAuthorized(peer, m.GroupID) {
		return errUnauthorized
	}
	state, err := n.joinedGroup(m.GroupID)
	if err != nil {
		return nil
	}
	plaintext, err := n.security.OpenBroadcast(m.GroupID, m.Sealed)
	if err != nil {
		n.metrics.VerificationFailure("ledger_seal")
		return err
	}
	var signed phonebook.SignedPhonebook
	if err := codec.Unmarshal(plaintext, &signed); err != nil {
		n.metrics.VerificationFailure("ledger_encoding")
		return fmt.Errorf("decoding ledger broadcast: %w", err)
	}
	if !phonebook.VerifyBroadcast(&signed) || signed.Sender != peer {
		n.metrics.VerificationFailure("ledger_signature")
		return fmt.Errorf("ledger broadcast not signed by sender")
	}

	changed, err := state.ledger.MergeRemote(signed.Phonebook)
	if err != nil {
		n.metrics.LedgerMerge("rejected")
		return err
	}
	if !changed {
		n.metrics.LedgerMerge("unchanged")
		return nil
	}
	n.metrics.LedgerMerge("changed")
	if err := state.ledger.Persist(); err != nil {
		n.logger.Warn("persisting merged ledger", "group", m.GroupID, "error", err)
	}
	n.gossipLedger(m.GroupID, peer)
	n.reconcileMembership(ctx, m.GroupID)
	n.connectMembers(m.GroupID)
	return nil
}

// handleLeave revokes a member that announced it is leaving.
func (n *Node) handleLeave(ctx context.Context, peer identity.PeerID, m *wire.Leave) error {
	n.mu.Lock()
	authorized := n.authorized[peer][m.GroupID]
	delete(n.authorized[peer], m.GroupID)
	delete(n.accepted[peer], m.GroupID)
	n.mu.Unlock()
	if !authorized {
		return errUnauthorized
	}
	n.logger.Info("member left group", "group", m.GroupID, "member", peer.Short())
	n.release(ctx, peer)
	return nil
}

// handleDeclaration records a peer's declared state for the next sync
// pass. Declarations must come from the peer they describe.
func (n *Node) handleDeclaration(peer identity.PeerID, m *wire.StateDeclaration) error {
	if !n.authorizedAny(peer) {
		return errUnauthorized
	}
	if m.State == nil {
		return fmt.Errorf("empty state declaration")
	}
	if err := m.State.Validate(); err != nil {
		n.metrics.VerificationFailure("declaration")
		return err
	}
	if m.State.PeerID != peer {
		n.metrics.VerificationFailure("declaration_origin")
		return fmt.Errorf("declaration for %s sent by %s", m.State.PeerID.Short(), peer.Short())
	}
	n.orchestrator.Declare(peer, m.State)
	return nil
}

// sendDeclaration sends the local state to peer, if one is declared.
func (n *Node) sendDeclaration(peer identity.PeerID) {
	n.mu.Lock()
	state := n.declared
	n.mu.Unlock()
	if state == nil {
		return
	}
	if err := n.connections.Send(peer, wire.TypeStateDeclaration, &wire.StateDeclaration{State: state}); err != nil {
		n.logger.Debug("sending declaration", "member", peer.Short(), "error", err)
	}
}
