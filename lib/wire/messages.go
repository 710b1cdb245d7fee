// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"github.com/bureau-foundation/syncshell/lib/identity"
	"github.com/bureau-foundation/syncshell/lib/membership"
	"github.com/bureau-foundation/syncshell/lib/modstate"
	"github.com/bureau-foundation/syncshell/lib/phonebook"
)

// Type names a message schema. Values double as metric labels.
type Type string

const (
	TypeChallengeRequest Type = "challenge_request"
	TypeChallenge        Type = "challenge"
	TypeGroupAuth        Type = "group_auth"
	TypeAuthResult       Type = "auth_result"
	TypeJoinRequest      Type = "join_request"
	TypeJoinAccept       Type = "join_accept"
	TypeJoinReject       Type = "join_reject"
	TypeLedger           Type = "ledger"
	TypeStateDeclaration Type = "state_declaration"
	TypeComponentRequest Type = "component_request"
	TypeComponentChunk   Type = "component_chunk"
	TypeComponentMissing Type = "component_missing"
	TypeRelaySignal      Type = "relay_signal"
	TypePing             Type = "ping"
	TypePong             Type = "pong"
	TypeLeave            Type = "leave"
)

// ChallengeRequest asks the receiver for a fresh nonce to prove
// membership of GroupID against.
type ChallengeRequest struct {
	GroupID string `cbor:"1,keyasint"`
}

// Challenge carries the nonce the requester must sign.
type Challenge struct {
	GroupID string `cbor:"1,keyasint"`
	Nonce   []byte `cbor:"2,keyasint"`
}

// GroupAuth is the response to a Challenge: the sender's member token
// plus its signature over (nonce, timestamp, group).
type GroupAuth struct {
	GroupID   string                  `cbor:"1,keyasint"`
	Token     *membership.MemberToken `cbor:"2,keyasint"`
	Nonce     []byte                  `cbor:"3,keyasint"`
	Timestamp int64                   `cbor:"4,keyasint"`
	Signature []byte                  `cbor:"5,keyasint"`
}

// AuthResult tells the prover whether the verifier accepted it.
type AuthResult struct {
	GroupID  string `cbor:"1,keyasint"`
	Accepted bool   `cbor:"2,keyasint"`
	Reason   string `cbor:"3,keyasint,omitempty"`
}

// JoinRequest asks an already-connected member to admit the sender to
// a group. Proof demonstrates knowledge of the group secret.
type JoinRequest struct {
	GroupID string `cbor:"1,keyasint"`
	Proof   []byte `cbor:"2,keyasint"`
	Address string `cbor:"3,keyasint,omitempty"`
	Port    uint16 `cbor:"4,keyasint,omitempty"`
}

// JoinAccept admits the requester: a freshly issued token and the
// accepting member's signed ledger.
type JoinAccept struct {
	GroupID string                     `cbor:"1,keyasint"`
	Token   *membership.MemberToken    `cbor:"2,keyasint"`
	Ledger  *phonebook.SignedPhonebook `cbor:"3,keyasint"`
}

// JoinReject refuses a JoinRequest.
type JoinReject struct {
	GroupID string `cbor:"1,keyasint"`
	Reason  string `cbor:"2,keyasint"`
}

// Ledger gossips a sealed, signed phonebook replica for one group.
type Ledger struct {
	GroupID string `cbor:"1,keyasint"`
	Sealed  []byte `cbor:"2,keyasint"`
}

// StateDeclaration announces the sender's current component set.
type StateDeclaration struct {
	State *modstate.PeerModState `cbor:"1,keyasint"`
}

// ComponentRequest asks the receiver for the payloads of Hashes.
type ComponentRequest struct {
	SessionID string   `cbor:"1,keyasint"`
	Hashes    []string `cbor:"2,keyasint"`
}

// ComponentChunk carries one slice of a compressed component payload.
// Size is the uncompressed length of the whole component.
type ComponentChunk struct {
	SessionID   string `cbor:"1,keyasint"`
	Hash        string `cbor:"2,keyasint"`
	Type        string `cbor:"3,keyasint"`
	Identifier  string `cbor:"4,keyasint,omitempty"`
	Index       int    `cbor:"5,keyasint"`
	Total       int    `cbor:"6,keyasint"`
	Size        int    `cbor:"7,keyasint"`
	Compression uint8  `cbor:"8,keyasint"`
	Data        []byte `cbor:"9,keyasint"`
}

// ComponentMissing tells the requester the sender does not hold Hash.
type ComponentMissing struct {
	SessionID string `cbor:"1,keyasint"`
	Hash      string `cbor:"2,keyasint"`
}

// RelaySignal forwards a signaling blob between two peers through an
// introducer connected to both.
type RelaySignal struct {
	From identity.PeerID `cbor:"1,keyasint"`
	To   identity.PeerID `cbor:"2,keyasint"`
	Kind string          `cbor:"3,keyasint"`
	SDP  string          `cbor:"4,keyasint"`
}

// Ping is a link health probe.
type Ping struct {
	Sequence uint64 `cbor:"1,keyasint"`
	SentAt   int64  `cbor:"2,keyasint"`
}

// Pong answers a Ping with the same sequence.
type Pong struct {
	Sequence uint64 `cbor:"1,keyasint"`
}

// Leave announces the sender is leaving a group.
type Leave struct {
	GroupID string `cbor:"1,keyasint"`
}
