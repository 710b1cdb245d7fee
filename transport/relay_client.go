// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/netutil"
)

// ErrRelayUnavailable is returned when no relay URL accepted a
// request.
var ErrRelayUnavailable = errors.New("transport: no relay reachable")

// Compile-time interface check.
var _ Signaler = (*RelaySignaler)(nil)

// RelaySignaler signals through one session on an HTTP relay. Several
// base URLs may be given for the same relay; the last one that worked
// is tried first. Every request observes the caller's context.
type RelaySignaler struct {
	session string
	client  *http.Client

	mu        sync.Mutex
	urls      []string
	preferred int
}

// NewRelaySignaler creates a client for session on the relay reachable
// at urls. A nil client uses one with a 10-second timeout.
func NewRelaySignaler(urls []string, session string, client *http.Client) (*RelaySignaler, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("relay signaler needs at least one URL")
	}
	if _, err := uuid.Parse(session); err != nil {
		return nil, fmt.Errorf("relay session %q: %w", session, err)
	}
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return nil, fmt.Errorf("relay URL %q is not an http(s) URL", raw)
		}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RelaySignaler{
		session: session,
		client:  client,
		urls:    append([]string(nil), urls...),
	}, nil
}

// Session is the relay session UUID.
func (s *RelaySignaler) Session() string { return s.session }

func (s *RelaySignaler) PublishOffer(ctx context.Context, from, to identity.PeerID, sdp string) error {
	return s.publish(ctx, to, RelayMessage{From: from, Kind: KindOffer, SDP: sdp, SentAt: time.Now().UnixMilli()})
}

func (s *RelaySignaler) PublishAnswer(ctx context.Context, offerer, answerer identity.PeerID, sdp string) error {
	return s.publish(ctx, offerer, RelayMessage{From: answerer, Kind: KindAnswer, SDP: sdp, SentAt: time.Now().UnixMilli()})
}

func (s *RelaySignaler) PollOffers(ctx context.Context, local identity.PeerID) ([]SignalMessage, error) {
	return s.poll(ctx, local, KindOffer)
}

func (s *RelaySignaler) PollAnswers(ctx context.Context, local identity.PeerID) ([]SignalMessage, error) {
	return s.poll(ctx, local, KindAnswer)
}

func (s *RelaySignaler) mailboxPath(base string, recipient identity.PeerID) string {
	return strings.TrimRight(base, "/") + "/v1/relay/" + s.session + "/" + recipient.String()
}

func (s *RelaySignaler) publish(ctx context.Context, recipient identity.PeerID, message RelayMessage) error {
	if err := ValidateSignal(message.Kind, message.SDP); err != nil {
		return err
	}
	body, err := codec.Marshal(&message)
	if err != nil {
		return fmt.Errorf("encoding relay message: %w", err)
	}
	_, err = s.do(ctx, func(base string) (*http.Request, error) {
		request, err := http.NewRequestWithContext(ctx, http.MethodPost, s.mailboxPath(base, recipient), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		request.Header.Set("Content-Type", relayContentType)
		return request, nil
	})
	return err
}

func (s *RelaySignaler) poll(ctx context.Context, local identity.PeerID, kind string) ([]SignalMessage, error) {
	body, err := s.do(ctx, func(base string) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.mailboxPath(base, local)+"?kind="+kind, nil)
	})
	if err != nil {
		return nil, err
	}
	var relayed []RelayMessage
	if err := codec.Unmarshal(body, &relayed); err != nil {
		return nil, fmt.Errorf("decoding relay %s mailbox: %w", kind, err)
	}
	messages := make([]SignalMessage, 0, len(relayed))
	for _, message := range relayed {
		if message.Kind != kind || !message.From.Valid() {
			continue
		}
		messages = append(messages, SignalMessage{
			Peer:      message.From,
			SDP:       message.SDP,
			Timestamp: time.UnixMilli(message.SentAt),
		})
	}
	return messages, nil
}

// do sends the request built for each base URL in turn until one
// answers with a 2xx status, and returns that response body.
func (s *RelaySignaler) do(ctx context.Context, build func(base string) (*http.Request, error)) ([]byte, error) {
	s.mu.Lock()
	order := make([]int, 0, len(s.urls))
	order = append(order, s.preferred)
	for index := range s.urls {
		if index != s.preferred {
			order = append(order, index)
		}
	}
	s.mu.Unlock()

	var failures []error
	for _, index := range order {
		base := s.urls[index]
		request, err := build(base)
		if err != nil {
			return nil, fmt.Errorf("building relay request: %w", err)
		}
		response, err := s.client.Do(request)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			failures = append(failures, fmt.Errorf("%s: %w", base, err))
			continue
		}
		if response.StatusCode/100 != 2 {
			detail := netutil.ErrorBody(response.Body)
			response.Body.Close()
			failures = append(failures, fmt.Errorf("%s: status %d: %s", base, response.StatusCode, detail))
			// Client errors are not retried on other URLs.
			if response.StatusCode/100 == 4 {
				break
			}
			continue
		}
		body, readErr := netutil.ReadResponse(response.Body)
		response.Body.Close()
		if readErr != nil {
			failures = append(failures, fmt.Errorf("%s: reading response: %w", base, readErr))
			continue
		}
		s.mu.Lock()
		s.preferred = index
		s.mu.Unlock()
		return body, nil
	}
	return nil, fmt.Errorf("%w: %w", ErrRelayUnavailable, errors.Join(failures...))
}
