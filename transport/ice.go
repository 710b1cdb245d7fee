// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"github.com/pion/webrtc/v4"
)

// ICEConfig holds ICE server configuration for WebRTC PeerConnections.
type ICEConfig struct {
	// Servers is the list of ICE servers (STUN + TURN) to use during
	// candidate gathering. Order matters: pion tries them in sequence.
	Servers []webrtc.ICEServer
}

// TURNServer is one TURN relay with its long-term credentials.
type TURNServer struct {
	URLs       []string
	Username   string
	Credential string
}

// NewICEConfig builds an ICE configuration from STUN URLs and TURN
// servers. With neither, only host candidates are gathered, which is
// enough for same-host and same-LAN peers.
func NewICEConfig(stun []string, turn []TURNServer) ICEConfig {
	var config ICEConfig
	if len(stun) > 0 {
		config.Servers = append(config.Servers, webrtc.ICEServer{URLs: stun})
	}
	for _, server := range turn {
		if len(server.URLs) == 0 {
			continue
		}
		config.Servers = append(config.Servers, webrtc.ICEServer{
			URLs:       server.URLs,
			Username:   server.Username,
			Credential: server.Credential,
		})
	}
	return config
}
