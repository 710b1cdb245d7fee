// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/wire"
	"github.com/bureau-foundation/syncshell/transport"
)

// Run polls the registered signalers every PollInterval and expires
// unanswered direct offers. It returns when ctx is cancelled or the
// manager is closed.
func (m *Manager) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.config.PollInterval)
	defer ticker.Stop()
	for {
		m.PollOnce(ctx)
		m.expireDirectOffers()
		m.sweepIdle()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce drains every registered signaler once, answering offers
// and routing answers to waiting attempts.
func (m *Manager) PollOnce(ctx context.Context) {
	m.mu.Lock()
	signalers := append([]transport.Signaler(nil), m.signalers...)
	m.mu.Unlock()

	for _, signaler := range signalers {
		offers, err := signaler.PollOffers(ctx, m.local)
		if err != nil {
			m.logger.Warn("polling offers failed", "error", err)
		}
		for _, offer := range offers {
			m.handleOffer(signaler, offer)
		}

		answers, err := signaler.PollAnswers(ctx, m.local)
		if err != nil {
			m.logger.Warn("polling answers failed", "error", err)
		}
		for _, answer := range answers {
			m.deliverAnswer(answer)
		}
	}
}

// MeshSignaler returns a signaler that routes offers and answers
// through an already-connected introducer. Inbound mesh signals
// arrive as frames and are dispatched as they are read, so the
// signaler's poll methods never return anything.
func (m *Manager) MeshSignaler(via identity.PeerID) transport.Signaler {
	return &meshSignaler{manager: m, via: via}
}

type meshSignaler struct {
	manager *Manager
	via     identity.PeerID
}

func (s *meshSignaler) PublishOffer(ctx context.Context, from, to identity.PeerID, sdp string) error {
	return s.manager.Send(s.via, wire.TypeRelaySignal, wire.RelaySignal{From: from, To: to, Kind: transport.KindOffer, SDP: sdp})
}

func (s *meshSignaler) PublishAnswer(ctx context.Context, offerer, answerer identity.PeerID, sdp string) error {
	return s.manager.Send(s.via, wire.TypeRelaySignal, wire.RelaySignal{From: answerer, To: offerer, Kind: transport.KindAnswer, SDP: sdp})
}

func (s *meshSignaler) PollOffers(context.Context, identity.PeerID) ([]transport.SignalMessage, error) {
	return nil, nil
}

func (s *meshSignaler) PollAnswers(context.Context, identity.PeerID) ([]transport.SignalMessage, error) {
	return nil, nil
}

// handleRelaySignal processes a RelaySignal frame read from sender.
// Signals for the local peer are dispatched; signals for another peer
// are forwarded when the sender is their true origin and the target
// is connected.
func (m *Manager) handleRelaySignal(sender identity.PeerID, signal wire.RelaySignal) {
	if err := transport.ValidateSignal(signal.Kind, signal.SDP); err != nil {
		m.logger.Warn("dropping invalid relay signal", "peer", sender.Short(), "error", err)
		return
	}

	if signal.To == m.local {
		message := transport.SignalMessage{Peer: signal.From, SDP: signal.SDP}
		switch signal.Kind {
		case transport.KindOffer:
			m.handleOffer(m.MeshSignaler(sender), message)
		case transport.KindAnswer:
			m.deliverAnswer(message)
		}
		return
	}

	if signal.From != sender {
		m.metrics.VerificationFailure("relay_origin")
		m.logger.Warn("relay signal with forged origin", "peer", sender.Short(), "claimed", signal.From.Short())
		return
	}
	if !m.IsConnected(signal.To) {
		m.logger.Info("relay target not connected", "from", sender.Short(), "to", signal.To.Short())
		return
	}
	if err := m.Send(signal.To, wire.TypeRelaySignal, signal); err != nil {
		m.logger.Warn("forwarding relay signal failed", "to", signal.To.Short(), "error", fmt.Errorf("%s: %w", signal.Kind, err))
	}
}
