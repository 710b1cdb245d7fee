// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package group

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/bureau-foundation/syncshell/lib/codec"
	"github.com/bureau-foundation/syncshell/lib/identity"
)

// InviteVersion is the current invite and answer code format.
const InviteVersion = 1

// Mode selects how a joiner reaches the inviter.
type Mode string

const (
	// ModeDirect carries the inviter's offer inline. The joiner
	// returns an answer code out of band.
	ModeDirect Mode = "direct"

	// ModeRelay names a relay mailbox both sides poll for the
	// offer and answer.
	ModeRelay Mode = "relay"

	// ModeBootstrap asks a joiner already connected to the inviter
	// to send a join request over the existing channel.
	ModeBootstrap Mode = "bootstrap"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeDirect, ModeRelay, ModeBootstrap:
		return true
	}
	return false
}

// ErrMalformedCode is returned when an invite or answer code cannot be
// decoded or is missing required fields.
var ErrMalformedCode = errors.New("group: malformed code")

// RelayInfo locates the relay mailbox for ModeRelay.
type RelayInfo struct {
	UUID string   `cbor:"1,keyasint"`
	URLs []string `cbor:"2,keyasint"`
}

// BootstrapInfo locates the inviter for ModeBootstrap.
type BootstrapInfo struct {
	Address string `cbor:"1,keyasint,omitempty"`
}

// Invite is everything a joiner needs to derive the group keys and
// reach the inviter. It carries the shared secret, so invite codes are
// as sensitive as the secret itself.
type Invite struct {
	Version     int             `cbor:"1,keyasint"`
	GroupName   string          `cbor:"2,keyasint"`
	Secret      []byte          `cbor:"3,keyasint"`
	Mode        Mode            `cbor:"4,keyasint"`
	Inviter     identity.PeerID `cbor:"5,keyasint"`
	OfferToken  string          `cbor:"6,keyasint,omitempty"`
	InlineOffer string          `cbor:"7,keyasint,omitempty"`
	Relay       *RelayInfo      `cbor:"8,keyasint,omitempty"`
	Bootstrap   *BootstrapInfo  `cbor:"9,keyasint,omitempty"`
}

// Validate checks that the fields required by the invite's mode are
// present.
func (i *Invite) Validate() error {
	if i.Version != InviteVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedCode, i.Version)
	}
	if i.GroupName == "" || len(i.Secret) == 0 {
		return fmt.Errorf("%w: missing group name or secret", ErrMalformedCode)
	}
	if !i.Inviter.Valid() {
		return fmt.Errorf("%w: invalid inviter %q", ErrMalformedCode, i.Inviter)
	}
	switch i.Mode {
	case ModeDirect:
		if i.InlineOffer == "" || i.OfferToken == "" {
			return fmt.Errorf("%w: direct invite without inline offer", ErrMalformedCode)
		}
	case ModeRelay:
		if i.Relay == nil || i.Relay.UUID == "" || len(i.Relay.URLs) == 0 {
			return fmt.Errorf("%w: relay invite without relay location", ErrMalformedCode)
		}
	case ModeBootstrap:
		if i.Bootstrap == nil {
			return fmt.Errorf("%w: bootstrap invite without bootstrap info", ErrMalformedCode)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrMalformedCode, i.Mode)
	}
	return nil
}

// Encode returns the invite code: unpadded base64url of the invite's
// CBOR encoding.
func (i *Invite) Encode() (string, error) {
	if err := i.Validate(); err != nil {
		return "", err
	}
	return encodeCode(i)
}

// DecodeInvite parses and validates an invite code. Surrounding
// whitespace is ignored so codes pasted from chat still decode.
func DecodeInvite(code string) (*Invite, error) {
	var invite Invite
	if err := decodeCode(code, &invite); err != nil {
		return nil, err
	}
	if err := invite.Validate(); err != nil {
		return nil, err
	}
	return &invite, nil
}

// Answer is the joiner's reply to a direct invite. Proof is the
// joiner's JoinProof under the group keys.
type Answer struct {
	Version    int             `cbor:"1,keyasint"`
	GroupID    string          `cbor:"2,keyasint"`
	Joiner     identity.PeerID `cbor:"3,keyasint"`
	OfferToken string          `cbor:"4,keyasint"`
	SDP        string          `cbor:"5,keyasint"`
	Proof      []byte          `cbor:"6,keyasint"`
}

// Validate checks an answer's required fields.
func (a *Answer) Validate() error {
	if a.Version != InviteVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrMalformedCode, a.Version)
	}
	if !ValidID(a.GroupID) || !a.Joiner.Valid() || a.OfferToken == "" || a.SDP == "" {
		return fmt.Errorf("%w: incomplete answer", ErrMalformedCode)
	}
	return nil
}

// Encode returns the answer code.
func (a *Answer) Encode() (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	return encodeCode(a)
}

// DecodeAnswer parses and validates an answer code.
func DecodeAnswer(code string) (*Answer, error) {
	var answer Answer
	if err := decodeCode(code, &answer); err != nil {
		return nil, err
	}
	if err := answer.Validate(); err != nil {
		return nil, err
	}
	return &answer, nil
}

func encodeCode(value any) (string, error) {
	data, err := codec.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("group: encoding code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func decodeCode(code string, value any) error {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(code))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
	if err := codec.Unmarshal(data, value); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCode, err)
	}
	return nil
}
