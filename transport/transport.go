// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"net"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

// ErrLinkClosed is returned by Link methods after Close.
var ErrLinkClosed = errors.New("transport: link closed")

// ErrUnexpectedDescription is returned when a session description
// does not belong to this link or backend.
var ErrUnexpectedDescription = errors.New("transport: unexpected session description")

// Backend creates links to remote peers. Implementations differ in
// how the bytes move (pion WebRTC data channels, in-process pipes);
// the connection manager drives all of them the same way.
type Backend interface {
	// Name identifies the backend in logs and configuration.
	Name() string

	// NewLink creates an unconnected link to peer. The peer is used
	// for labels only; authentication happens on the stream.
	NewLink(peer identity.PeerID) (Link, error)
}

// Link is one peer-to-peer connection attempt. A link is either the
// offering side (CreateOffer, then SetRemoteAnswer) or the answering
// side (CreateAnswer); it is never reused after Close.
type Link interface {
	// CreateOffer returns a complete session description with every
	// candidate gathered within the backend's gather timeout.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer consumes a remote offer and returns the local
	// answer description.
	CreateAnswer(ctx context.Context, offer string) (string, error)

	// SetRemoteAnswer completes the offering side.
	SetRemoteAnswer(answer string) error

	// Conn blocks until the reliable ordered stream is open.
	Conn(ctx context.Context) (net.Conn, error)

	// Events delivers connectivity changes. The channel is buffered;
	// events are dropped if nobody reads them.
	Events() <-chan Event

	// Close tears the link down.
	Close() error
}

// Event is a connectivity change on a link.
type Event int

const (
	EventConnected Event = iota + 1
	EventDisconnected
	EventFailed
	EventClosed
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventFailed:
		return "failed"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// eventBuffer is the capacity of a link's event channel.
const eventBuffer = 8

// emit delivers event without blocking.
func emit(events chan Event, event Event) {
	select {
	case events <- event:
	default:
	}
}
