// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"sync"
)

// streamBuffer is one direction of a loopback stream. Writes append
// and never block, like a data channel's send buffer; reads block
// until data arrives or the direction is closed.
type streamBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

func newStreamBuffer() *streamBuffer {
	buffer := &streamBuffer{}
	buffer.cond = sync.NewCond(&buffer.mu)
	return buffer
}

func (b *streamBuffer) write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, io.ErrClosedPipe
	}
	b.data = append(b.data, p...)
	b.cond.Broadcast()
	return len(p), nil
}

func (b *streamBuffer) read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.data) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.data) == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

// close stops the direction. Buffered data stays readable unless
// discard is set.
func (b *streamBuffer) close(discard bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	if discard {
		b.data = nil
	}
	b.cond.Broadcast()
}

// loopbackStream is one end of an in-process stream pair.
type loopbackStream struct {
	in, out *streamBuffer
}

func (s *loopbackStream) Read(p []byte) (int, error)  { return s.in.read(p) }
func (s *loopbackStream) Write(p []byte) (int, error) { return s.out.write(p) }

// Close fails local reads immediately. The other end drains what was
// already written, then reads EOF.
func (s *loopbackStream) Close() error {
	s.in.close(true)
	s.out.close(false)
	return nil
}

// newLoopbackConns returns the two ends of a buffered in-process
// stream, each wrapped with the same deadline handling as a WebRTC
// data channel.
func newLoopbackConns(offerer, answerer string) (offerSide, answerSide net.Conn) {
	toAnswerer, toOfferer := newStreamBuffer(), newStreamBuffer()
	offerSide = NewDataChannelConn(&loopbackStream{in: toOfferer, out: toAnswerer}, offerer, answerer)
	answerSide = NewDataChannelConn(&loopbackStream{in: toAnswerer, out: toOfferer}, answerer, offerer)
	return offerSide, answerSide
}
