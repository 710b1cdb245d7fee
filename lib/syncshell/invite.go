// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncshell

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/syncshell/lib/connection"
	"github.com/bureau-foundation/syncshell/lib/group"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/wire"
	"github.com/bureau-foundation/syncshell/transport"
)

// JoinResult is returned by JoinByInvite. AnswerCode is set for direct
// invites and must reach the inviter, who passes it to AcceptAnswer.
type JoinResult struct {
	GroupID    string
	AnswerCode string
}

// directInvite is an outstanding direct offer, keyed by offer token.
type directInvite struct {
	groupID string
	created time.Time
}

// relayInvite is a relay mailbox the inviter polls for joiners.
type relayInvite struct {
	groupID  string
	signaler *transport.RelaySignaler
	created  time.Time
}

// pendingJoin tracks a join from the joiner's side until the inviter
// accepts or rejects it.
type pendingJoin struct {
	groupID   string
	inviter   identity.PeerID
	signaler  transport.Signaler
	requested bool
	done      chan struct{}
	err       error
}

// finish records the outcome and wakes waiters. Caller holds the node
// mutex.
func (j *pendingJoin) finish(err error) {
	select {
	case <-j.done:
	default:
		j.err = err
		close(j.done)
	}
}

// GenerateInvite returns an invite code for groupID. Direct codes
// embed a connection offer; relay codes name a fresh relay mailbox;
// bootstrap codes only carry the group credentials and expect the
// joiner to already be connected.
func (n *Node) GenerateInvite(ctx context.Context, groupID string, mode group.Mode) (string, error) {
	state, err := n.joinedGroup(groupID)
	if err != nil {
		return "", err
	}
	invite := &group.Invite{
		Version:   group.InviteVersion,
		GroupName: state.name,
		Secret:    slices.Clone(state.secret.Bytes()),
		Mode:      mode,
		Inviter:   n.local.ID(),
	}

	switch mode {
	case group.ModeDirect:
		token, offer, err := n.connections.OfferDirect(ctx)
		if err != nil {
			return "", fmt.Errorf("creating direct offer: %w", err)
		}
		invite.OfferToken = token
		invite.InlineOffer = offer
		n.mu.Lock()
		n.invites[token] = directInvite{groupID: groupID, created: n.clock.Now()}
		n.mu.Unlock()

	case group.ModeRelay:
		if len(n.config.RelayURLs) == 0 {
			return "", ErrNoRelay
		}
		session := uuid.NewString()
		signaler, err := transport.NewRelaySignaler(n.config.RelayURLs, session, n.config.HTTPClient)
		if err != nil {
			return "", err
		}
		n.mu.Lock()
		n.relays[session] = &relayInvite{groupID: groupID, signaler: signaler, created: n.clock.Now()}
		n.mu.Unlock()
		n.connections.AddSignaler(signaler)
		invite.Relay = &group.RelayInfo{UUID: session, URLs: slices.Clone(n.config.RelayURLs)}

	case group.ModeBootstrap:
		invite.Bootstrap = &group.BootstrapInfo{Address: n.config.Address}

	default:
		return "", fmt.Errorf("%w: unknown mode %q", group.ErrMalformedCode, mode)
	}

	code, err := invite.Encode()
	if err != nil {
		return "", err
	}
	n.logger.Info("generated invite", "group", groupID, "mode", mode)
	return code, nil
}

// JoinByInvite starts joining the group an invite code names. The
// join completes asynchronously once the inviter accepts; use
// WaitJoined to block on it.
func (n *Node) JoinByInvite(ctx context.Context, code string) (*JoinResult, error) {
	invite, err := group.DecodeInvite(code)
	if err != nil {
		return nil, err
	}
	if invite.Inviter == n.local.ID() {
		return nil, connection.ErrSelf
	}

	state, err := n.openGroup(invite.GroupName, invite.Secret)
	if err != nil {
		return nil, err
	}
	result := &JoinResult{GroupID: state.id}

	n.mu.Lock()
	if state.joined {
		n.mu.Unlock()
		return result, ErrAlreadyMember
	}
	if previous, ok := n.joins[state.id]; ok {
		previous.finish(fmt.Errorf("%w: superseded by a newer invite", ErrJoinRejected))
	}
	join := &pendingJoin{groupID: state.id, inviter: invite.Inviter, done: make(chan struct{})}
	n.joins[state.id] = join
	n.mu.Unlock()

	fail := func(err error) (*JoinResult, error) {
		n.abandonJoin(join, err)
		return nil, err
	}

	if n.connections.IsConnected(invite.Inviter) {
		n.sendJoinRequest(invite.Inviter, state.id)
		return result, nil
	}

	switch invite.Mode {
	case group.ModeDirect:
		keys, ok := n.security.Group(state.id)
		if !ok {
			return fail(fmt.Errorf("%w: %s", ErrUnknownGroup, state.id))
		}
		sdp, err := n.connections.AnswerDirect(ctx, invite.Inviter, invite.InlineOffer)
		if err != nil {
			return fail(fmt.Errorf("answering invite: %w", err))
		}
		answer := &group.Answer{
			Version:    group.InviteVersion,
			GroupID:    state.id,
			Joiner:     n.local.ID(),
			OfferToken: invite.OfferToken,
			SDP:        sdp,
			Proof:      keys.JoinProof(n.local.ID()),
		}
		result.AnswerCode, err = answer.Encode()
		if err != nil {
			return fail(err)
		}

	case group.ModeRelay:
		signaler, err := transport.NewRelaySignaler(invite.Relay.URLs, invite.Relay.UUID, n.config.HTTPClient)
		if err != nil {
			return fail(err)
		}
		n.mu.Lock()
		join.signaler = signaler
		n.mu.Unlock()
		n.connections.AddSignaler(signaler)
		if err := n.connections.Connect(invite.Inviter, signaler); err != nil {
			return fail(fmt.Errorf("connecting through relay: %w", err))
		}

	case group.ModeBootstrap:
		return fail(ErrInviterUnreachable)
	}

	n.logger.Info("joining group", "group", state.id, "mode", invite.Mode, "inviter", invite.Inviter.Short())
	return result, nil
}

// AcceptAnswer completes a direct invite with the joiner's answer
// code. The joiner's proof is checked before any link is made.
func (n *Node) AcceptAnswer(code string) error {
	answer, err := group.DecodeAnswer(code)
	if err != nil {
		return err
	}

	n.mu.Lock()
	invite, ok := n.invites[answer.OfferToken]
	n.mu.Unlock()
	if !ok {
		return connection.ErrUnknownOffer
	}
	if invite.groupID != answer.GroupID {
		n.metrics.VerificationFailure("join_proof")
		return fmt.Errorf("%w: answer names group %s", ErrInvalidProof, answer.GroupID)
	}
	keys, ok := n.security.Group(answer.GroupID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, answer.GroupID)
	}
	if !keys.VerifyJoinProof(answer.Joiner, answer.Proof) {
		n.metrics.VerificationFailure("join_proof")
		return ErrInvalidProof
	}

	if err := n.connections.CompleteDirect(answer.OfferToken, answer.Joiner, answer.SDP); err != nil {
		return err
	}
	n.mu.Lock()
	delete(n.invites, answer.OfferToken)
	n.mu.Unlock()
	n.logger.Info("accepted invite answer", "group", answer.GroupID, "joiner", answer.Joiner.Short())
	return nil
}

// WaitJoined blocks until the pending join of groupID completes or ctx
// is done. A group that is already joined returns immediately.
func (n *Node) WaitJoined(ctx context.Context, groupID string) error {
	n.mu.Lock()
	join, pending := n.joins[groupID]
	state, held := n.groups[groupID]
	joined := held && state.joined
	n.mu.Unlock()
	if joined {
		return nil
	}
	if !pending {
		return fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	select {
	case <-join.done:
		return join.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sendJoinRequest proves knowledge of the group secret to the inviter.
func (n *Node) sendJoinRequest(inviter identity.PeerID, groupID string) {
	keys, ok := n.security.Group(groupID)
	if !ok {
		return
	}
	request := &wire.JoinRequest{
		GroupID: groupID,
		Proof:   keys.JoinProof(n.local.ID()),
		Address: n.config.Address,
		Port:    n.config.Port,
	}
	if err := n.connections.Send(inviter, wire.TypeJoinRequest, request); err != nil {
		n.logger.Warn("sending join request", "group", groupID, "inviter", inviter.Short(), "error", err)
		return
	}
	n.mu.Lock()
	if join, ok := n.joins[groupID]; ok {
		join.requested = true
	}
	n.mu.Unlock()
}

// completeJoin finishes a pending join. On failure the group's keys
// and ledger are dropped unless the group was joined some other way.
func (n *Node) completeJoin(groupID string, err error) {
	n.mu.Lock()
	join, ok := n.joins[groupID]
	n.mu.Unlock()
	if !ok {
		return
	}
	n.abandonJoin(join, err)
}

func (n *Node) abandonJoin(join *pendingJoin, err error) {
	n.mu.Lock()
	if current, ok := n.joins[join.groupID]; ok && current == join {
		delete(n.joins, join.groupID)
	}
	join.finish(err)
	signaler := join.signaler
	state, held := n.groups[join.groupID]
	discard := err != nil && held && !state.joined
	if discard {
		delete(n.groups, join.groupID)
	}
	n.mu.Unlock()

	if signaler != nil {
		n.connections.RemoveSignaler(signaler)
	}
	if discard {
		n.security.RemoveGroup(join.groupID)
		if forgetErr := n.ledgers.Forget(join.groupID); forgetErr != nil {
			n.logger.Debug("forgetting abandoned ledger", "group", join.groupID, "error", forgetErr)
		}
		state.close()
		n.logger.Warn("join failed", "group", join.groupID, "error", err)
	}
}

// expireInvites drops direct and relay invites older than InviteTTL.
func (n *Node) expireInvites() {
	cutoff := n.clock.Now().Add(-n.config.InviteTTL)
	var stale []*transport.RelaySignaler
	n.mu.Lock()
	for token, invite := range n.invites {
		if invite.created.Before(cutoff) {
			delete(n.invites, token)
		}
	}
	for session, invite := range n.relays {
		if invite.created.Before(cutoff) {
			delete(n.relays, session)
			stale = append(stale, invite.signaler)
		}
	}
	n.mu.Unlock()
	for _, signaler := range stale {
		n.connections.RemoveSignaler(signaler)
	}
}

// admit decides whether an inbound offer is answered: members of a
// joined group, inviters of a pending join, and anyone while a relay
// invite is outstanding.
func (n *Node) admit(peer identity.PeerID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.relays) > 0 {
		return true
	}
	for _, join := range n.joins {
		if join.inviter == peer {
			return true
		}
	}
	for _, state := range n.groups {
		if state.joined && state.ledger.IsMember(peer) {
			return true
		}
	}
	return false
}
