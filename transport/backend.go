// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/identity"
)

// Backend names accepted by NewBackend.
const (
	BackendAuto     = "auto"
	BackendWebRTC   = "webrtc"
	BackendLoopback = "loopback"
)

// Options configures NewBackend.
type Options struct {
	Local         identity.PeerID
	ICE           ICEConfig
	GatherTimeout time.Duration

	// Network is the in-process network for the loopback backend.
	// Nil creates a private one.
	Network *LoopbackNetwork

	Clock  clock.Clock
	Logger *slog.Logger
}

// webrtcAvailable probes once per process whether pion can create a
// PeerConnection here.
var webrtcAvailable = sync.OnceValue(func() bool {
	pc, err := newPeerConnection(webrtc.Configuration{})
	if err != nil {
		return false
	}
	pc.Close()
	return true
})

// NewBackend creates the named backend. "auto" selects WebRTC when the
// probe succeeds and falls back to loopback otherwise.
func NewBackend(name string, options Options) (Backend, error) {
	if name == BackendAuto {
		if webrtcAvailable() {
			name = BackendWebRTC
		} else {
			if options.Logger != nil {
				options.Logger.Warn("WebRTC unavailable, falling back to loopback backend")
			}
			name = BackendLoopback
		}
	}
	switch name {
	case BackendWebRTC:
		return NewWebRTCBackend(options.Local, options.ICE, options.GatherTimeout, options.Clock, options.Logger), nil
	case BackendLoopback:
		network := options.Network
		if network == nil {
			network = NewLoopbackNetwork()
		}
		return NewLoopbackBackend(network), nil
	default:
		return nil, fmt.Errorf("unknown transport backend %q", name)
	}
}
