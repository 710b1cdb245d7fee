// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/syncshell/lib/codec"
)

// MaxFrameSize bounds the encoded envelope carried by one frame.
const MaxFrameSize = 60 * 1024

// frameHeaderSize is the length prefix in front of every envelope.
const frameHeaderSize = 4

var (
	// ErrFrameTooLarge is returned when a frame's declared or encoded
	// length exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

	// ErrMalformedFrame is returned when a frame does not decode to a
	// typed envelope.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Envelope is the outer CBOR structure of every frame. Payload is
// decoded once Type is known.
type Envelope struct {
	Type    Type             `cbor:"1,keyasint"`
	Payload codec.RawMessage `cbor:"2,keyasint"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decoding %s payload: %v", ErrMalformedFrame, e.Type, err)
	}
	return nil
}

// Encode builds a complete frame (length prefix included) carrying
// payload as a message of the given type.
func Encode(messageType Type, payload any) ([]byte, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", messageType, err)
	}
	envelope, err := codec.Marshal(&Envelope{Type: messageType, Payload: body})
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", messageType, err)
	}
	if len(envelope) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s message is %d bytes", ErrFrameTooLarge, messageType, len(envelope))
	}
	frame := make([]byte, frameHeaderSize+len(envelope))
	binary.BigEndian.PutUint32(frame, uint32(len(envelope)))
	copy(frame[frameHeaderSize:], envelope)
	return frame, nil
}

// WriteFrame encodes payload and writes it to w as a single Write, so
// concurrent writers serialized by the caller never interleave a
// header with another frame's body.
func WriteFrame(w io.Writer, messageType Type, payload any) error {
	frame, err := Encode(messageType, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing %s frame: %w", messageType, err)
	}
	return nil
}

// ReadFrame reads one frame from r. It returns io.EOF only when the
// stream ends cleanly on a frame boundary.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("reading frame header: %w", err)
		}
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrFrameTooLarge, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	var envelope Envelope
	if err := codec.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if envelope.Type == "" {
		return nil, fmt.Errorf("%w: missing message type", ErrMalformedFrame)
	}
	return &envelope, nil
}
