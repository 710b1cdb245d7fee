// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestInviteCodesRoundTripEveryMode(t *testing.T) {
	inviter := newPeerID(t)
	invites := map[string]*Invite{
		"direct": {
			Version:     InviteVersion,
			GroupName:   "raid-team",
			Secret:      []byte("s3cr3t"),
			Mode:        ModeDirect,
			Inviter:     inviter,
			OfferToken:  "token-1",
			InlineOffer: "v=0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n",
		},
		"relay": {
			Version:   InviteVersion,
			GroupName: "raid-team",
			Secret:    []byte("s3cr3t"),
			Mode:      ModeRelay,
			Inviter:   inviter,
			Relay:     &RelayInfo{UUID: "0d4c7c1e-5b9a-4c1c-9a43-2b5f0f3b8e11", URLs: []string{"http://relay.example:7777"}},
		},
		"bootstrap": {
			Version:   InviteVersion,
			GroupName: "raid-team",
			Secret:    []byte("s3cr3t"),
			Mode:      ModeBootstrap,
			Inviter:   inviter,
			Bootstrap: &BootstrapInfo{Address: "192.0.2.10:7000"},
		},
	}

	for name, invite := range invites {
		t.Run(name, func(t *testing.T) {
			code, err := invite.Encode()
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if strings.ContainsAny(code, "+/=") {
				t.Errorf("code %q is not unpadded base64url", code)
			}
			decoded, err := DecodeInvite("  " + code + "\n")
			if err != nil {
				t.Fatalf("DecodeInvite: %v", err)
			}
			if !reflect.DeepEqual(decoded, invite) {
				t.Errorf("decoded = %+v, want %+v", decoded, invite)
			}
		})
	}
}

func TestInviteValidateRejectsIncompleteModes(t *testing.T) {
	inviter := newPeerID(t)
	cases := map[string]Invite{
		"direct without offer": {Version: InviteVersion, GroupName: "g", Secret: []byte("s"), Mode: ModeDirect, Inviter: inviter},
		"relay without urls":   {Version: InviteVersion, GroupName: "g", Secret: []byte("s"), Mode: ModeRelay, Inviter: inviter, Relay: &RelayInfo{UUID: "u"}},
		"unknown mode":         {Version: InviteVersion, GroupName: "g", Secret: []byte("s"), Mode: "carrier-pigeon", Inviter: inviter},
		"bad inviter":          {Version: InviteVersion, GroupName: "g", Secret: []byte("s"), Mode: ModeBootstrap, Inviter: "nobody", Bootstrap: &BootstrapInfo{}},
		"future version":       {Version: 99, GroupName: "g", Secret: []byte("s"), Mode: ModeBootstrap, Inviter: inviter, Bootstrap: &BootstrapInfo{}},
	}
	for name, invite := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := invite.Encode(); !errors.Is(err, ErrMalformedCode) {
				t.Errorf("Encode error = %v, want ErrMalformedCode", err)
			}
		})
	}
}

func TestDecodeInviteRejectsGarbage(t *testing.T) {
	for _, code := range []string{"", "not base64!", "AAAA"} {
		if _, err := DecodeInvite(code); !errors.Is(err, ErrMalformedCode) {
			t.Errorf("DecodeInvite(%q) error = %v, want ErrMalformedCode", code, err)
		}
	}
}

func TestAnswerCodeRoundTrip(t *testing.T) {
	keys := derive(t, "raid-team", "s3cr3t")
	joiner := newPeerID(t)
	answer := &Answer{
		Version:    InviteVersion,
		GroupID:    keys.GroupID,
		Joiner:     joiner,
		OfferToken: "token-1",
		SDP:        "v=0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n",
		Proof:      keys.JoinProof(joiner),
	}
	code, err := answer.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := DecodeAnswer(code)
	if err != nil {
		t.Fatalf("DecodeAnswer: %v", err)
	}
	if !reflect.DeepEqual(decoded, answer) {
		t.Errorf("decoded = %+v, want %+v", decoded, answer)
	}
	if !keys.VerifyJoinProof(decoded.Joiner, decoded.Proof) {
		t.Error("join proof did not survive the round trip")
	}
}
