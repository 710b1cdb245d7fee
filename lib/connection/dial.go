// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/transport"
)

// errSuperseded reports that a newer attempt replaced the one in
// progress.
var errSuperseded = errors.New("connection: attempt superseded")

// Connect starts an outbound connection to peer, signaling through
// signaler. It returns immediately; progress is published as
// transitions. Connecting to a peer that is connected or already
// being connected is a no-op.
func (m *Manager) Connect(id identity.PeerID, signaler transport.Signaler) error {
	if id == m.local {
		return ErrSelf
	}
	if !id.Valid() {
		return fmt.Errorf("connecting: %w", identity.ErrMalformedPeerID)
	}
	if signaler == nil {
		return ErrNoSignaler
	}
	if m.ctx.Err() != nil {
		return ErrClosed
	}

	p := m.acquire(id)
	defer p.mu.Unlock()
	if p.state == StateConnected || p.state.attempting() {
		return nil
	}
	p.signaler = signaler
	p.attempts = 0
	m.startOutboundLocked(p)
	return nil
}

// startOutboundLocked begins an offer attempt through p.signaler.
// Caller holds p.mu.
func (m *Manager) startOutboundLocked(p *peer) {
	ctx, generation := m.beginLocked(p, true)
	answers, signaler := p.answers, p.signaler
	m.transitionLocked(p, StateOffering, nil)
	m.spawn(func() { m.dial(ctx, p, generation, signaler, answers) })
}

// dial runs the offering side: gather, publish, wait for the answer,
// then establish the stream.
func (m *Manager) dial(ctx context.Context, p *peer, generation uint64, signaler transport.Signaler, answers <-chan string) {
	link, err := m.backend.NewLink(p.id)
	if err != nil {
		m.lost(p, generation, fmt.Errorf("creating link: %w", err))
		return
	}
	if !m.adopt(p, generation, link, StateIceGathering) {
		return
	}

	offer, err := link.CreateOffer(ctx)
	if err != nil {
		m.lost(p, generation, fmt.Errorf("creating offer: %w", err))
		return
	}
	if ctx.Err() != nil {
		return
	}
	if err := signaler.PublishOffer(ctx, m.local, p.id, offer); err != nil {
		m.lost(p, generation, fmt.Errorf("publishing offer: %w", err))
		return
	}
	m.logger.Info("offer published", "peer", p.id.Short(), "backend", m.backend.Name())

	var answer string
	select {
	case answer = <-answers:
	case <-m.clock.After(m.config.AnswerTimeout):
		m.lost(p, generation, ErrAnswerTimeout)
		return
	case <-ctx.Done():
		return
	}
	if err := link.SetRemoteAnswer(answer); err != nil {
		m.lost(p, generation, err)
		return
	}
	if !m.advance(p, generation, StateConnecting) {
		return
	}
	m.establish(ctx, p, generation, link)
}

// handleOffer answers an inbound offer, applying the simultaneous
// offer tie-break: the lexicographically smaller peer ID is the
// canonical offerer, so an offer from a larger ID is ignored while our
// own offer to it is in flight.
func (m *Manager) handleOffer(signaler transport.Signaler, message transport.SignalMessage) {
	if message.Peer == m.local || !message.Peer.Valid() {
		return
	}
	if err := transport.ValidateSignal(transport.KindOffer, message.SDP); err != nil {
		m.logger.Warn("dropping invalid offer", "peer", message.Peer.Short(), "error", err)
		return
	}
	if m.config.Admit != nil && !m.config.Admit(message.Peer) {
		m.logger.Info("offer from unadmitted peer ignored", "peer", message.Peer.Short())
		return
	}

	p := m.acquire(message.Peer)
	defer p.mu.Unlock()
	if p.state.attempting() {
		if !p.outbound {
			return
		}
		if m.local < p.id {
			m.logger.Info("simultaneous offer: keeping ours", "peer", p.id.Short())
			return
		}
		m.logger.Info("simultaneous offer: yielding to peer", "peer", p.id.Short())
	}
	if p.state == StateConnected && !message.Timestamp.IsZero() && message.Timestamp.Before(p.since) {
		m.logger.Debug("ignoring offer older than the current session", "peer", p.id.Short())
		return
	}

	ctx, generation := m.beginLocked(p, false)
	p.signaler = signaler
	p.attempts = 0
	m.transitionLocked(p, StateAnswering, nil)
	m.spawn(func() {
		answer, link, err := m.prepareAnswer(ctx, p, generation, message.SDP)
		if err != nil {
			return
		}
		if err := signaler.PublishAnswer(ctx, p.id, m.local, answer); err != nil {
			m.lost(p, generation, fmt.Errorf("publishing answer: %w", err))
			return
		}
		if !m.advance(p, generation, StateConnecting) {
			return
		}
		m.establish(ctx, p, generation, link)
	})
}

// prepareAnswer creates the answering link and gathers its answer.
// On failure the attempt has already been handed to lost.
func (m *Manager) prepareAnswer(ctx context.Context, p *peer, generation uint64, offer string) (string, transport.Link, error) {
	link, err := m.backend.NewLink(p.id)
	if err != nil {
		err = fmt.Errorf("creating link: %w", err)
		m.lost(p, generation, err)
		return "", nil, err
	}
	if !m.adopt(p, generation, link, StateIceGathering) {
		return "", nil, errSuperseded
	}
	answer, err := link.CreateAnswer(ctx, offer)
	if err != nil {
		err = fmt.Errorf("creating answer: %w", err)
		m.lost(p, generation, err)
		return "", nil, err
	}
	return answer, link, nil
}

// deliverAnswer routes an inbound answer to the outbound attempt
// waiting for it.
func (m *Manager) deliverAnswer(message transport.SignalMessage) {
	if err := transport.ValidateSignal(transport.KindAnswer, message.SDP); err != nil {
		m.logger.Warn("dropping invalid answer", "peer", message.Peer.Short(), "error", err)
		return
	}
	p, ok := m.lookup(message.Peer)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.outbound || p.answers == nil || !p.state.attempting() {
		m.logger.Debug("answer without pending offer", "peer", p.id.Short())
		return
	}
	select {
	case p.answers <- message.SDP:
	default:
	}
}

// OfferDirect creates an offer for out-of-band exchange (an invite
// code) before the answering peer is known. The returned token names
// the offer in CompleteDirect.
func (m *Manager) OfferDirect(ctx context.Context) (string, string, error) {
	if m.ctx.Err() != nil {
		return "", "", ErrClosed
	}
	link, err := m.backend.NewLink("")
	if err != nil {
		return "", "", fmt.Errorf("creating link: %w", err)
	}
	offer, err := link.CreateOffer(ctx)
	if err != nil {
		link.Close()
		return "", "", fmt.Errorf("creating offer: %w", err)
	}
	token := uuid.NewString()
	m.mu.Lock()
	m.direct[token] = &directOffer{link: link, created: m.clock.Now()}
	m.mu.Unlock()
	return token, offer, nil
}

// CompleteDirect binds the direct offer named by token to peer and
// applies its answer. The stream is established in the background.
func (m *Manager) CompleteDirect(token string, id identity.PeerID, answer string) error {
	if id == m.local {
		return ErrSelf
	}
	if err := transport.ValidateSignal(transport.KindAnswer, answer); err != nil {
		return err
	}
	m.mu.Lock()
	offer, ok := m.direct[token]
	if ok {
		delete(m.direct, token)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownOffer
	}

	p := m.acquire(id)
	defer p.mu.Unlock()
	if p.state == StateConnected || p.state.attempting() {
		offer.link.Close()
		return fmt.Errorf("%w: %s", ErrPeerBusy, id.Short())
	}
	ctx, generation := m.beginLocked(p, true)
	p.answers = nil
	p.link = offer.link
	p.attempts = 0
	m.transitionLocked(p, StateOffering, nil)
	if err := offer.link.SetRemoteAnswer(answer); err != nil {
		m.teardownLocked(p)
		m.transitionLocked(p, StateFailed, err)
		return err
	}
	m.transitionLocked(p, StateConnecting, nil)
	m.spawn(func() { m.establish(ctx, p, generation, offer.link) })
	return nil
}

// AnswerDirect answers an offer received out of band (from an invite
// code) and returns the answer for the caller to hand back. The
// stream is established in the background.
func (m *Manager) AnswerDirect(ctx context.Context, id identity.PeerID, offer string) (string, error) {
	if id == m.local {
		return "", ErrSelf
	}
	if err := transport.ValidateSignal(transport.KindOffer, offer); err != nil {
		return "", err
	}
	if m.ctx.Err() != nil {
		return "", ErrClosed
	}
	p := m.acquire(id)
	if p.state == StateConnected || p.state.attempting() {
		p.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrPeerBusy, id.Short())
	}
	attemptCtx, generation := m.beginLocked(p, false)
	p.attempts = 0
	m.transitionLocked(p, StateAnswering, nil)
	p.mu.Unlock()

	answer, link, err := m.prepareAnswer(ctx, p, generation, offer)
	if err != nil {
		return "", fmt.Errorf("answering direct offer from %s: %w", id.Short(), err)
	}
	if !m.advance(p, generation, StateConnecting) {
		return "", fmt.Errorf("answering direct offer from %s: %w", id.Short(), errSuperseded)
	}
	m.spawn(func() { m.establish(attemptCtx, p, generation, link) })
	return answer, nil
}

// expireDirectOffers closes direct offers nobody answered in time.
func (m *Manager) expireDirectOffers() {
	cutoff := m.clock.Now().Add(-m.config.DirectOfferTTL)
	m.mu.Lock()
	var expired []transport.Link
	for token, offer := range m.direct {
		if offer.created.Before(cutoff) {
			expired = append(expired, offer.link)
			delete(m.direct, token)
		}
	}
	m.mu.Unlock()
	for _, link := range expired {
		link.Close()
	}
}

// adopt records link as the current attempt's link and advances to
// state. It returns false, closing link, if the attempt was
// superseded.
func (m *Manager) adopt(p *peer, generation uint64, link transport.Link, state State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != generation {
		link.Close()
		return false
	}
	p.link = link
	m.transitionLocked(p, state, nil)
	return true
}

// advance moves the current attempt to state if it is still current.
func (m *Manager) advance(p *peer, generation uint64, state State) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != generation {
		return false
	}
	m.transitionLocked(p, state, nil)
	return true
}

// establish waits for the stream, authenticates the remote identity,
// and starts the session goroutines.
func (m *Manager) establish(ctx context.Context, p *peer, generation uint64, link transport.Link) {
	connectCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()
	conn, err := link.Conn(connectCtx)
	if err != nil {
		m.lost(p, generation, fmt.Errorf("opening stream: %w", err))
		return
	}
	if err := transport.Authenticate(conn, m.auth, m.local, p.id, m.config.ConnectTimeout); err != nil {
		m.metrics.VerificationFailure("link")
		m.lost(p, generation, err)
		return
	}

	p.mu.Lock()
	if p.generation != generation {
		p.mu.Unlock()
		return
	}
	p.conn = conn
	p.attempts = 0
	p.since = time.Now()
	p.missed.Store(0)
	m.transitionLocked(p, StateConnected, nil)
	p.mu.Unlock()

	m.spawn(func() { m.readLoop(ctx, p, generation, conn) })
	m.spawn(func() { m.healthLoop(ctx, p, generation) })
	m.spawn(func() { m.watchLink(ctx, p, generation, link) })
}

// lost handles the end of an attempt or session: the peer becomes
// Disconnected and, when a signaler is known, a reconnection is
// scheduled with exponential backoff. After MaxAttempts consecutive
// failures, or with no signaler, the peer is Failed.
func (m *Manager) lost(p *peer, generation uint64, cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generation != generation || p.state == StateClosed {
		return
	}
	m.teardownLocked(p)
	if m.ctx.Err() != nil {
		m.transitionLocked(p, StateClosed, nil)
		return
	}
	m.transitionLocked(p, StateDisconnected, cause)

	if p.signaler == nil {
		m.transitionLocked(p, StateFailed, fmt.Errorf("%w: cannot reconnect", ErrNoSignaler))
		return
	}
	p.attempts++
	if p.attempts > m.config.MaxAttempts {
		m.transitionLocked(p, StateFailed, fmt.Errorf("giving up after %d attempts: %w", m.config.MaxAttempts, cause))
		return
	}

	delay := m.backoff(p.attempts)
	waiting := p.generation
	m.metrics.ReconnectAttempt()
	m.logger.Info("scheduling reconnect", "peer", p.id.Short(), "attempt", p.attempts, "delay", delay)
	m.spawn(func() {
		select {
		case <-m.clock.After(delay):
		case <-m.ctx.Done():
			return
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.generation != waiting || p.state != StateDisconnected {
			return
		}
		m.startOutboundLocked(p)
	})
}

// backoff returns the delay before reconnection attempt n (1-based):
// base·2^(n-1), capped, plus up to Jitter of random delay.
func (m *Manager) backoff(attempt int) time.Duration {
	delay := m.config.BackoffBase
	for i := 1; i < attempt && delay < m.config.BackoffCap; i++ {
		delay *= 2
	}
	delay = min(delay, m.config.BackoffCap)
	if m.config.Jitter > 0 {
		delay += rand.N(m.config.Jitter)
	}
	return delay
}
