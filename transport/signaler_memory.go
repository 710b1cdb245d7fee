// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
	"time"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler. Each recipient has one
// mailbox per kind; polling drains it. Two managers sharing a
// MemorySignaler can connect without any network signaling, and the
// mesh relay uses one as the inbox for forwarded blobs.
type MemorySignaler struct {
	mu      sync.Mutex
	offers  map[identity.PeerID][]SignalMessage
	answers map[identity.PeerID][]SignalMessage
	now     func() time.Time
}

// NewMemorySignaler creates a new in-process signaler.
func NewMemorySignaler() *MemorySignaler {
	return &MemorySignaler{
		offers:  make(map[identity.PeerID][]SignalMessage),
		answers: make(map[identity.PeerID][]SignalMessage),
		now:     time.Now,
	}
}

func (s *MemorySignaler) PublishOffer(_ context.Context, from, to identity.PeerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers[to] = append(s.offers[to], SignalMessage{Peer: from, SDP: sdp, Timestamp: s.now()})
	return nil
}

func (s *MemorySignaler) PublishAnswer(_ context.Context, offerer, answerer identity.PeerID, sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[offerer] = append(s.answers[offerer], SignalMessage{Peer: answerer, SDP: sdp, Timestamp: s.now()})
	return nil
}

func (s *MemorySignaler) PollOffers(_ context.Context, local identity.PeerID) ([]SignalMessage, error) {
	return s.drain(s.offers, local), nil
}

func (s *MemorySignaler) PollAnswers(_ context.Context, local identity.PeerID) ([]SignalMessage, error) {
	return s.drain(s.answers, local), nil
}

func (s *MemorySignaler) drain(mailboxes map[identity.PeerID][]SignalMessage, local identity.PeerID) []SignalMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := mailboxes[local]
	delete(mailboxes, local)
	return messages
}
