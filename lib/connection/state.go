// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"time"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

// State is the lifecycle position of the connection to one peer.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAnswering
	StateIceGathering
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateIceGathering:
		return "ice_gathering"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// attempting reports whether a connection attempt is in flight.
func (s State) attempting() bool {
	switch s {
	case StateOffering, StateAnswering, StateIceGathering, StateConnecting:
		return true
	default:
		return false
	}
}

// Transition is published to subscribers whenever a peer changes
// state. Err explains transitions into Disconnected and Failed.
type Transition struct {
	Peer identity.PeerID
	From State
	To   State
	At   time.Time
	Err  error
}
