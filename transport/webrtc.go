// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/identity"
)

// DefaultGatherTimeout bounds ICE candidate gathering. When it passes,
// the description is published with whatever candidates were found.
const DefaultGatherTimeout = 5 * time.Second

// channelLabel names the single data channel each link carries.
const channelLabel = "syncshell"

// WebRTCBackend creates links over pion PeerConnections with one
// ordered, reliable data channel each.
type WebRTCBackend struct {
	local         identity.PeerID
	clock         clock.Clock
	logger        *slog.Logger
	gatherTimeout time.Duration

	// iceConfig is protected by configMu so ICE servers can be
	// refreshed without restarting the backend.
	configMu  sync.RWMutex
	iceConfig ICEConfig
}

// Compile-time interface check.
var _ Backend = (*WebRTCBackend)(nil)

// NewWebRTCBackend creates a WebRTC backend. A zero gatherTimeout
// selects DefaultGatherTimeout.
func NewWebRTCBackend(local identity.PeerID, iceConfig ICEConfig, gatherTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *WebRTCBackend {
	if gatherTimeout <= 0 {
		gatherTimeout = DefaultGatherTimeout
	}
	return &WebRTCBackend{
		local:         local,
		clock:         clk,
		logger:        logger,
		gatherTimeout: gatherTimeout,
		iceConfig:     iceConfig,
	}
}

func (b *WebRTCBackend) Name() string { return "webrtc" }

// UpdateICEConfig replaces the ICE configuration for new links.
// Existing links keep their configuration.
func (b *WebRTCBackend) UpdateICEConfig(config ICEConfig) {
	b.configMu.Lock()
	defer b.configMu.Unlock()
	b.iceConfig = config
}

func (b *WebRTCBackend) NewLink(peer identity.PeerID) (Link, error) {
	b.configMu.RLock()
	config := webrtc.Configuration{ICEServers: b.iceConfig.Servers}
	b.configMu.RUnlock()

	pc, err := newPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}
	link := &webrtcLink{
		backend: b,
		peer:    peer,
		pc:      pc,
		events:  make(chan Event, eventBuffer),
		open:    make(chan *webrtc.DataChannel, 1),
		closed:  make(chan struct{}),
		logger:  b.logger.With("peer", peer.Short(), "backend", "webrtc"),
	}
	pc.OnConnectionStateChange(link.handleStateChange)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != channelLabel {
			link.logger.Warn("ignoring unexpected data channel", "label", dc.Label())
			dc.Close()
			return
		}
		link.watchOpen(dc)
	})
	return link, nil
}

// newPeerConnection creates a pion PeerConnection. Data channels are
// detached so they can be used as streams, and loopback candidates are
// included so peers on one host can reach each other.
func newPeerConnection(config webrtc.Configuration) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(config)
}

type webrtcLink struct {
	backend *WebRTCBackend
	peer    identity.PeerID
	pc      *webrtc.PeerConnection
	logger  *slog.Logger
	events  chan Event

	// open receives the data channel once it reaches the open state.
	open chan *webrtc.DataChannel

	connMu sync.Mutex
	conn   net.Conn

	closed    chan struct{}
	closeOnce sync.Once
}

func (l *webrtcLink) watchOpen(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		l.logger.Debug("data channel opened")
		select {
		case l.open <- dc:
		default:
		}
	})
}

func (l *webrtcLink) handleStateChange(state webrtc.PeerConnectionState) {
	l.logger.Info("peer connection state change", "state", state.String())
	switch state {
	case webrtc.PeerConnectionStateConnected:
		emit(l.events, EventConnected)
	case webrtc.PeerConnectionStateDisconnected:
		emit(l.events, EventDisconnected)
	case webrtc.PeerConnectionStateFailed:
		emit(l.events, EventFailed)
	case webrtc.PeerConnectionStateClosed:
		emit(l.events, EventClosed)
	}
}

func (l *webrtcLink) CreateOffer(ctx context.Context) (string, error) {
	ordered := true
	dc, err := l.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return "", fmt.Errorf("creating data channel: %w", err)
	}
	l.watchOpen(dc)

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP offer: %w", err)
	}
	return l.gather(ctx, offer)
}

func (l *webrtcLink) CreateAnswer(ctx context.Context, offer string) (string, error) {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("%w: setting remote offer: %v", ErrUnexpectedDescription, err)
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}
	return l.gather(ctx, answer)
}

// gather sets the local description and waits for ICE gathering. On
// timeout the partial description is returned: a peer with some
// candidates may still connect, and a peer with none fails at ICE.
func (l *webrtcLink) gather(ctx context.Context, description webrtc.SessionDescription) (string, error) {
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(description); err != nil {
		return "", fmt.Errorf("setting local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-l.backend.clock.After(l.backend.gatherTimeout):
		l.logger.Warn("ICE gathering timed out, publishing partial description",
			"timeout", l.backend.gatherTimeout)
	case <-ctx.Done():
		return "", ctx.Err()
	case <-l.closed:
		return "", ErrLinkClosed
	}
	local := l.pc.LocalDescription()
	if local == nil {
		return "", fmt.Errorf("no local description after gathering")
	}
	return local.SDP, nil
}

func (l *webrtcLink) SetRemoteAnswer(answer string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}
	if err := l.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("%w: setting remote answer: %v", ErrUnexpectedDescription, err)
	}
	return nil
}

func (l *webrtcLink) Conn(ctx context.Context) (net.Conn, error) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		return l.conn, nil
	}

	var dc *webrtc.DataChannel
	select {
	case dc = <-l.open:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closed:
		return nil, ErrLinkClosed
	}
	stream, err := dc.Detach()
	if err != nil {
		return nil, fmt.Errorf("detaching data channel: %w", err)
	}
	l.conn = NewDataChannelConn(stream, channelLabel+"/"+l.backend.local.Short(), channelLabel+"/"+l.peer.Short())
	return l.conn, nil
}

func (l *webrtcLink) Events() <-chan Event { return l.events }

func (l *webrtcLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.closed)
		l.connMu.Lock()
		if l.conn != nil {
			l.conn.Close()
		}
		l.connMu.Unlock()
		err = l.pc.Close()
	})
	return err
}
