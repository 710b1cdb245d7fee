// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

const validOffer = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\na=setup:actpass\r\n"

func TestValidateSignal(t *testing.T) {
	tests := []struct {
		name  string
		kind  string
		sdp   string
		valid bool
	}{
		{"offer", KindOffer, validOffer, true},
		{"answer with bare newlines", KindAnswer, strings.ReplaceAll(validOffer, "\r\n", "\n"), true},
		{"unknown kind", "candidate", validOffer, false},
		{"empty", KindOffer, "", false},
		{"oversized", KindOffer, validOffer + strings.Repeat("a=x\r\n", MaxSignalSize/5), false},
		{"missing version line", KindOffer, "o=- 1 2 IN IP4 127.0.0.1\r\nm=application 9 x\r\n", false},
		{"no application section", KindOffer, "v=0\r\nm=audio 9 RTP/AVP 0\r\n", false},
		{"control character", KindOffer, "v=0\r\nm=application 9 x\r\na=\x07bell\r\n", false},
		{"non-ascii", KindOffer, "v=0\r\nm=application 9 x\r\ns=café\r\n", false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := ValidateSignal(test.kind, test.sdp)
			if test.valid && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !test.valid && !errors.Is(err, ErrInvalidSignal) {
				t.Fatalf("err = %v, want ErrInvalidSignal", err)
			}
		})
	}
}

func TestMemorySignalerDeliversEachSignalOnce(t *testing.T) {
	ctx := context.Background()
	signaler := NewMemorySignaler()
	alpha := newTestIdentity(t).ID()
	beta := newTestIdentity(t).ID()

	if err := signaler.PublishOffer(ctx, alpha, beta, validOffer); err != nil {
		t.Fatalf("PublishOffer: %v", err)
	}
	if offers, _ := signaler.PollOffers(ctx, alpha); len(offers) != 0 {
		t.Errorf("offerer received its own offer")
	}
	offers, _ := signaler.PollOffers(ctx, beta)
	if len(offers) != 1 || offers[0].Peer != alpha || offers[0].SDP != validOffer {
		t.Fatalf("offers = %+v", offers)
	}
	if again, _ := signaler.PollOffers(ctx, beta); len(again) != 0 {
		t.Errorf("offer delivered twice")
	}

	if err := signaler.PublishAnswer(ctx, alpha, beta, validOffer); err != nil {
		t.Fatalf("PublishAnswer: %v", err)
	}
	answers, _ := signaler.PollAnswers(ctx, alpha)
	if len(answers) != 1 || answers[0].Peer != beta {
		t.Fatalf("answers = %+v", answers)
	}
}
