// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

// loopbackAttribute carries the rendezvous token in loopback
// descriptions.
const loopbackAttribute = "a=loopback:"

// LoopbackNetwork connects loopback links within one process. Offers
// and answers are SDP-shaped blobs naming a rendezvous token, so they
// travel through every signaler and pass ValidateSignal exactly like
// WebRTC descriptions.
type LoopbackNetwork struct {
	mu      sync.Mutex
	offers  map[string]*loopbackLink
	answers map[string]pendingAnswer
}

// pendingAnswer is the offerer's stream end, held until the offerer
// applies the matching answer.
type pendingAnswer struct {
	offerer  *loopbackLink
	answerer *loopbackLink
	conn     net.Conn
}

// NewLoopbackNetwork creates an empty in-process network.
func NewLoopbackNetwork() *LoopbackNetwork {
	return &LoopbackNetwork{
		offers:  make(map[string]*loopbackLink),
		answers: make(map[string]pendingAnswer),
	}
}

// Pending reports how many offers and answers await their other side.
func (n *LoopbackNetwork) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offers) + len(n.answers)
}

// LoopbackBackend creates links on a LoopbackNetwork.
type LoopbackBackend struct {
	network *LoopbackNetwork
}

// Compile-time interface checks.
var (
	_ Backend = (*LoopbackBackend)(nil)
	_ Link    = (*loopbackLink)(nil)
)

// NewLoopbackBackend creates a backend on network. Backends of peers
// that should reach each other share one network.
func NewLoopbackBackend(network *LoopbackNetwork) *LoopbackBackend {
	return &LoopbackBackend{network: network}
}

func (b *LoopbackBackend) Name() string { return "loopback" }

func (b *LoopbackBackend) NewLink(peer identity.PeerID) (Link, error) {
	return &loopbackLink{
		network: b.network,
		peer:    peer,
		events:  make(chan Event, eventBuffer),
		ready:   make(chan struct{}),
		closed:  make(chan struct{}),
	}, nil
}

type loopbackLink struct {
	network *LoopbackNetwork
	peer    identity.PeerID
	events  chan Event

	mu      sync.Mutex
	tokens  []string
	conn    net.Conn
	partner *loopbackLink

	ready     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func loopbackDescription(token string) string {
	return strings.Join([]string{
		"v=0",
		"o=- 0 0 IN IP4 127.0.0.1",
		"s=syncshell-loopback",
		"t=0 0",
		"m=application 9 LOOPBACK syncshell",
		loopbackAttribute + token,
	}, "\r\n") + "\r\n"
}

func parseLoopbackDescription(sdp string) (string, error) {
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if token, ok := strings.CutPrefix(line, loopbackAttribute); ok && token != "" {
			return token, nil
		}
	}
	return "", fmt.Errorf("%w: not a loopback description", ErrUnexpectedDescription)
}

func (l *loopbackLink) CreateOffer(ctx context.Context) (string, error) {
	if err := l.checkOpen(ctx); err != nil {
		return "", err
	}
	token := uuid.NewString()
	l.network.mu.Lock()
	l.network.offers[token] = l
	l.network.mu.Unlock()

	l.mu.Lock()
	l.tokens = append(l.tokens, token)
	l.mu.Unlock()
	return loopbackDescription(token), nil
}

func (l *loopbackLink) CreateAnswer(ctx context.Context, offer string) (string, error) {
	if err := l.checkOpen(ctx); err != nil {
		return "", err
	}
	offerToken, err := parseLoopbackDescription(offer)
	if err != nil {
		return "", err
	}

	answerToken := uuid.NewString()
	remote, local := newLoopbackConns("loopback/"+offerToken, "loopback/"+answerToken)

	l.network.mu.Lock()
	offerer, ok := l.network.offers[offerToken]
	if ok {
		delete(l.network.offers, offerToken)
		l.network.answers[answerToken] = pendingAnswer{offerer: offerer, answerer: l, conn: remote}
	}
	l.network.mu.Unlock()
	if !ok {
		local.Close()
		remote.Close()
		return "", fmt.Errorf("%w: unknown loopback offer", ErrUnexpectedDescription)
	}

	l.mu.Lock()
	l.tokens = append(l.tokens, answerToken)
	l.partner = offerer
	l.mu.Unlock()
	l.deliver(local)
	return loopbackDescription(answerToken), nil
}

func (l *loopbackLink) SetRemoteAnswer(answer string) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}
	token, err := parseLoopbackDescription(answer)
	if err != nil {
		return err
	}

	l.network.mu.Lock()
	pending, ok := l.network.answers[token]
	if ok && pending.offerer == l {
		delete(l.network.answers, token)
	}
	l.network.mu.Unlock()
	if !ok || pending.offerer != l {
		return fmt.Errorf("%w: answer is not for this link", ErrUnexpectedDescription)
	}

	l.mu.Lock()
	l.partner = pending.answerer
	l.mu.Unlock()
	l.deliver(pending.conn)
	return nil
}

// deliver hands the link its stream end and reports it connected.
func (l *loopbackLink) deliver(conn net.Conn) {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		conn.Close()
		return
	}
	l.conn = conn
	l.mu.Unlock()
	close(l.ready)
	emit(l.events, EventConnected)
}

func (l *loopbackLink) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
		return nil
	}
}

func (l *loopbackLink) Conn(ctx context.Context) (net.Conn, error) {
	select {
	case <-l.ready:
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.conn, nil
	case <-l.closed:
		return nil, ErrLinkClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *loopbackLink) Events() <-chan Event { return l.events }

func (l *loopbackLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)

		l.network.mu.Lock()
		for _, token := range l.tokens {
			delete(l.network.offers, token)
		}
		for token, pending := range l.network.answers {
			if pending.offerer == l || pending.answerer == l {
				pending.conn.Close()
				delete(l.network.answers, token)
			}
		}
		l.network.mu.Unlock()

		l.mu.Lock()
		conn, partner := l.conn, l.partner
		l.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		if partner != nil {
			emit(partner.events, EventDisconnected)
		}
		emit(l.events, EventClosed)
	})
	return nil
}
