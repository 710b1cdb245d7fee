// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bureau-foundation/syncshell/lib/identity"
)

// authNonceSize is the size of the random challenge nonce in bytes.
const authNonceSize = 32

// authContext prefixes every signed handshake message so a handshake
// signature is never valid as any other signed record.
const authContext = "syncshell.link.v1"

// DefaultAuthTimeout bounds the whole handshake.
const DefaultAuthTimeout = 10 * time.Second

// ErrPeerAuthentication is returned when the remote end of a stream
// does not prove the expected identity.
var ErrPeerAuthentication = errors.New("transport: peer authentication failed")

// PeerAuthenticator provides cryptographic identity verification for
// links between peers. Once the stream is open, both peers exchange
// random nonces, sign each other's nonce bound to the challenger's
// peer ID, and verify the signature under the public key embedded in
// the expected peer ID. This binds the link to the peers' identities
// and stops a party with access to the signaling path from
// impersonating a member.
type PeerAuthenticator interface {
	// Sign signs message with the local identity.
	Sign(message []byte) []byte

	// VerifyPeer verifies that signature over message was produced by
	// peer.
	VerifyPeer(peer identity.PeerID, message, signature []byte) error
}

// IdentityAuthenticator authenticates with a local identity and
// recovers remote keys from peer IDs.
type IdentityAuthenticator struct {
	Identity *identity.Identity
}

func (a IdentityAuthenticator) Sign(message []byte) []byte {
	return a.Identity.Sign(message)
}

func (a IdentityAuthenticator) VerifyPeer(peer identity.PeerID, message, signature []byte) error {
	if !identity.VerifyFrom(peer, message, signature) {
		return fmt.Errorf("signature does not verify for %s", peer.Short())
	}
	return nil
}

func authMessage(nonce []byte, challenger identity.PeerID) []byte {
	message := make([]byte, 0, len(authContext)+authNonceSize+len(challenger))
	message = append(message, authContext...)
	message = append(message, nonce...)
	message = append(message, challenger...)
	return message
}

// Authenticate runs the mutual handshake on conn. Both peers run it
// simultaneously:
//
//  1. Send a 32-byte random nonce
//  2. Read the peer's 32-byte nonce
//  3. Sign (peerNonce || peer) binding the response to the challenger
//  4. Send the 64-byte Ed25519 signature
//  5. Read the peer's signature
//  6. Verify it against (ownNonce || local) using the peer's key
//
// The challenger binding in step 3 prevents a valid signature for peer
// A from being replayed to authenticate against peer B. Writes run on
// a background goroutine because synchronous streams such as net.Pipe
// block a Write until the other side reads.
//
// A deadline of timeout is set on conn for the duration and cleared on
// return.
func Authenticate(conn net.Conn, authenticator PeerAuthenticator, local, peer identity.PeerID, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultAuthTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating auth nonce: %w", err)
	}

	writeErrors := make(chan error, 1)
	signatureToSend := make(chan []byte, 1)
	go func() {
		if _, err := conn.Write(nonce); err != nil {
			writeErrors <- fmt.Errorf("sending auth nonce: %w", err)
			return
		}
		signature, ok := <-signatureToSend
		if !ok {
			writeErrors <- nil
			return
		}
		if _, err := conn.Write(signature); err != nil {
			writeErrors <- fmt.Errorf("sending auth signature: %w", err)
			return
		}
		writeErrors <- nil
	}()

	peerNonce := make([]byte, authNonceSize)
	if _, err := io.ReadFull(conn, peerNonce); err != nil {
		close(signatureToSend)
		return fmt.Errorf("reading peer nonce: %w", err)
	}
	signatureToSend <- authenticator.Sign(authMessage(peerNonce, peer))

	peerSignature := make([]byte, ed25519.SignatureSize)
	if _, err := io.ReadFull(conn, peerSignature); err != nil {
		return fmt.Errorf("reading peer signature: %w", err)
	}
	if err := <-writeErrors; err != nil {
		return err
	}

	if err := authenticator.VerifyPeer(peer, authMessage(nonce, local), peerSignature); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPeerAuthentication, peer.Short(), err)
	}
	return nil
}
