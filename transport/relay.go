// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/syncshell/lib/clock"
	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/telemetry"
)

// relayContentType is the media type of relay request and response
// bodies.
const relayContentType = "application/cbor"

// RelayMessage is one signaling blob held in a relay mailbox.
type RelayMessage struct {
	From   identity.PeerID `cbor:"1,keyasint"`
	Kind   string          `cbor:"2,keyasint"`
	SDP    string          `cbor:"3,keyasint"`
	SentAt int64           `cbor:"4,keyasint"`
}

// RelayConfig tunes a RelayServer. Zero fields take defaults.
type RelayConfig struct {
	// MailboxTTL is how long an untouched mailbox survives.
	MailboxTTL time.Duration

	// MaxQueued bounds the messages waiting in one mailbox.
	MaxQueued int

	// Rate and Burst limit publishes into one mailbox.
	Rate  rate.Limit
	Burst int
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.MailboxTTL <= 0 {
		c.MailboxTTL = 5 * time.Minute
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = 16
	}
	if c.Rate <= 0 {
		c.Rate = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	return c
}

// RelayServer is the HTTP signaling relay an introducer member can
// host for peers that cannot exchange codes directly. Blobs are held
// in mailboxes keyed by (session UUID, recipient peer ID) and handed
// out once. Only session descriptions are accepted.
//
// Routes:
//
//	POST /v1/relay/{session}/{recipient}            publish a RelayMessage
//	GET  /v1/relay/{session}/{recipient}?kind=offer drain offers (or answers)
type RelayServer struct {
	config  RelayConfig
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu        sync.Mutex
	mailboxes map[string]*mailbox
}

type mailbox struct {
	messages []RelayMessage
	touched  time.Time
	limiter  *rate.Limiter
}

// NewRelayServer creates a relay. metrics may be nil.
func NewRelayServer(config RelayConfig, clk clock.Clock, logger *slog.Logger, metrics *telemetry.Metrics) *RelayServer {
	return &RelayServer{
		config:    config.withDefaults(),
		clock:     clk,
		logger:    logger,
		metrics:   metrics,
		mailboxes: make(map[string]*mailbox),
	}
}

// Handler returns the relay's HTTP routes.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/relay/{session}/{recipient}", s.metrics.Instrument("publish", http.HandlerFunc(s.publish)))
	mux.Handle("GET /v1/relay/{session}/{recipient}", s.metrics.Instrument("poll", http.HandlerFunc(s.poll)))
	return mux
}

// mailboxKey validates the path parameters and returns the mailbox
// key, or writes a 400 and returns false.
func (s *RelayServer) mailboxKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	session, err := uuid.Parse(r.PathValue("session"))
	if err != nil {
		http.Error(w, "invalid session", http.StatusBadRequest)
		return "", false
	}
	recipient, err := identity.ParsePeerID(r.PathValue("recipient"))
	if err != nil {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
		return "", false
	}
	return session.String() + "/" + recipient.String(), true
}

func (s *RelayServer) publish(w http.ResponseWriter, r *http.Request) {
	key, ok := s.mailboxKey(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxSignalSize+1024))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var message RelayMessage
	if err := codec.Unmarshal(body, &message); err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}
	if !message.From.Valid() {
		http.Error(w, "invalid sender", http.StatusBadRequest)
		return
	}
	if err := ValidateSignal(message.Kind, message.SDP); err != nil {
		s.logger.Warn("relay rejected blob", "mailbox", key, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	box, exists := s.mailboxes[key]
	if !exists {
		box = &mailbox{limiter: rate.NewLimiter(s.config.Rate, s.config.Burst)}
		s.mailboxes[key] = box
	}
	if !box.limiter.AllowN(now, 1) || len(box.messages) >= s.config.MaxQueued {
		s.mu.Unlock()
		http.Error(w, "mailbox busy", http.StatusTooManyRequests)
		return
	}
	box.touched = now
	box.messages = append(box.messages, message)
	count := len(s.mailboxes)
	s.mu.Unlock()

	s.metrics.RelayMailboxes(count)
	w.WriteHeader(http.StatusNoContent)
}

func (s *RelayServer) poll(w http.ResponseWriter, r *http.Request) {
	key, ok := s.mailboxKey(w, r)
	if !ok {
		return
	}
	kind := r.URL.Query().Get("kind")
	if kind != KindOffer && kind != KindAnswer {
		http.Error(w, "kind must be offer or answer", http.StatusBadRequest)
		return
	}

	var taken []RelayMessage
	s.mu.Lock()
	if box, exists := s.mailboxes[key]; exists {
		kept := box.messages[:0]
		for _, message := range box.messages {
			if message.Kind == kind {
				taken = append(taken, message)
			} else {
				kept = append(kept, message)
			}
		}
		box.messages = kept
		box.touched = s.clock.Now()
	}
	s.mu.Unlock()

	body, err := codec.Marshal(taken)
	if err != nil {
		http.Error(w, "encoding messages", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", relayContentType)
	w.Write(body)
}

// Sweep drops mailboxes untouched for longer than the TTL and returns
// how many were dropped.
func (s *RelayServer) Sweep() int {
	cutoff := s.clock.Now().Add(-s.config.MailboxTTL)
	s.mu.Lock()
	dropped := 0
	for key, box := range s.mailboxes {
		if box.touched.Before(cutoff) {
			delete(s.mailboxes, key)
			dropped++
		}
	}
	count := len(s.mailboxes)
	s.mu.Unlock()

	s.metrics.RelayMailboxes(count)
	if dropped > 0 {
		s.logger.Info("relay mailboxes expired", "dropped", dropped, "remaining", count)
	}
	return dropped
}

// Mailboxes returns the number of live mailboxes.
func (s *RelayServer) Mailboxes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mailboxes)
}

// Run sweeps expired mailboxes every interval until ctx is cancelled.
func (s *RelayServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// ListenAndServe serves the relay on address until ctx is cancelled,
// then shuts down within the grace period.
func (s *RelayServer) ListenAndServe(ctx context.Context, address string, grace time.Duration) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go s.Run(ctx, time.Minute)

	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()

	select {
	case err := <-errs:
		return fmt.Errorf("relay server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("relay server shutdown: %w", err)
	}
	return nil
}
