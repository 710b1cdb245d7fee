// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

// Signaler abstracts the mechanism for exchanging session descriptions
// between peers. Implementations include an in-process mailbox, the
// HTTP relay client, and the mesh relay that forwards through an
// already-connected introducer.
//
// The signaling model is vanilla ICE: all ICE candidates are gathered
// before the description is published, so connection establishment
// requires exactly one signaling round-trip (offer → answer).
type Signaler interface {
	// PublishOffer delivers an offer from one peer to another.
	PublishOffer(ctx context.Context, from, to identity.PeerID, sdp string) error

	// PublishAnswer delivers an answer back to the offerer.
	PublishAnswer(ctx context.Context, offerer, answerer identity.PeerID, sdp string) error

	// PollOffers returns offers addressed to local that have not been
	// returned before.
	PollOffers(ctx context.Context, local identity.PeerID) ([]SignalMessage, error)

	// PollAnswers returns answers addressed to local that have not
	// been returned before.
	PollAnswers(ctx context.Context, local identity.PeerID) ([]SignalMessage, error)
}

// SignalMessage is one received offer or answer.
type SignalMessage struct {
	// Peer is the other party: the offerer for offers, the answerer
	// for answers.
	Peer identity.PeerID

	// SDP is the complete session description.
	SDP string

	// Timestamp is when the sender published the signal.
	Timestamp time.Time
}

// Signal kinds.
const (
	KindOffer  = "offer"
	KindAnswer = "answer"
)

// MaxSignalSize bounds a signaling blob.
const MaxSignalSize = 16 * 1024

// ErrInvalidSignal is returned for blobs that are not session
// descriptions. Relays refuse to carry anything else.
var ErrInvalidSignal = errors.New("transport: invalid signaling blob")

// ValidateSignal checks that sdp is a plausible session description of
// the given kind: bounded size, "v=0" first line, printable lines, and
// an application media section.
func ValidateSignal(kind, sdp string) error {
	if kind != KindOffer && kind != KindAnswer {
		return fmt.Errorf("%w: kind %q", ErrInvalidSignal, kind)
	}
	if len(sdp) == 0 || len(sdp) > MaxSignalSize {
		return fmt.Errorf("%w: size %d", ErrInvalidSignal, len(sdp))
	}
	lines := strings.Split(strings.TrimRight(sdp, "\r\n"), "\n")
	if strings.TrimSuffix(lines[0], "\r") != "v=0" {
		return fmt.Errorf("%w: missing version line", ErrInvalidSignal)
	}
	hasApplication := false
	for number, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		for _, r := range line {
			if r > unicode.MaxASCII || !unicode.IsPrint(r) {
				return fmt.Errorf("%w: non-printable character on line %d", ErrInvalidSignal, number+1)
			}
		}
		if strings.HasPrefix(line, "m=application") {
			hasApplication = true
		}
	}
	if !hasApplication {
		return fmt.Errorf("%w: no application media section", ErrInvalidSignal)
	}
	return nil
}
