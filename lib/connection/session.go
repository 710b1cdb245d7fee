// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"context"
	"fmt"
	"net"

	"github.com/bureau-foundation/syncshell/lib/netutil"
	"github.com/bureau-foundation/syncshell/lib/wire"
	"github.com/bureau-foundation/syncshell/transport"
)

// readLoop reads frames from an established stream until it fails or
// the session is superseded. Any frame counts as proof of liveness.
func (m *Manager) readLoop(ctx context.Context, p *peer, generation uint64, conn net.Conn) {
	for {
		envelope, err := wire.ReadFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if netutil.IsExpectedCloseError(err) {
				err = fmt.Errorf("peer closed the stream: %w", err)
			}
			m.lost(p, generation, err)
			return
		}
		p.missed.Store(0)
		m.metrics.FrameReceived(string(envelope.Type))

		switch envelope.Type {
		case wire.TypePing:
			var ping wire.Ping
			if err := envelope.Decode(&ping); err != nil {
				m.logger.Warn("malformed ping", "peer", p.id.Short(), "error", err)
				continue
			}
			if err := m.Send(p.id, wire.TypePong, wire.Pong{Sequence: ping.Sequence}); err != nil {
				m.logger.Debug("pong failed", "peer", p.id.Short(), "error", err)
			}
		case wire.TypePong:
		case wire.TypeRelaySignal:
			var signal wire.RelaySignal
			if err := envelope.Decode(&signal); err != nil {
				m.logger.Warn("malformed relay signal", "peer", p.id.Short(), "error", err)
				continue
			}
			m.handleRelaySignal(p.id, signal)
		default:
			if m.config.Handler != nil {
				m.config.Handler.HandleFrame(ctx, p.id, envelope)
			}
		}
	}
}

// healthLoop pings the peer every PingInterval. A peer that lets
// HealthFailures consecutive intervals pass without sending anything
// is considered lost.
func (m *Manager) healthLoop(ctx context.Context, p *peer, generation uint64) {
	ticker := m.clock.NewTicker(m.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if int(p.missed.Load()) >= m.config.HealthFailures {
			m.lost(p, generation, ErrHealthCheck)
			return
		}
		p.missed.Add(1)
		ping := wire.Ping{Sequence: p.pingSeq.Add(1), SentAt: m.clock.Now().UnixMilli()}
		if err := m.Send(p.id, wire.TypePing, ping); err != nil {
			m.logger.Debug("ping failed", "peer", p.id.Short(), "error", err)
		}
	}
}

// watchLink turns connectivity events from the backend into losses.
func (m *Manager) watchLink(ctx context.Context, p *peer, generation uint64, link transport.Link) {
	events := link.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event {
			case transport.EventDisconnected, transport.EventFailed:
				m.lost(p, generation, fmt.Errorf("link %s", event))
				return
			case transport.EventClosed:
				return
			}
		}
	}
}
