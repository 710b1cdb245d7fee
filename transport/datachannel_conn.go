// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// DataChannelConn wraps a detached pion data channel as a net.Conn. The
// detached channel is stream-oriented (SCTP handles fragmentation and
// reassembly), so frames written by the wire package arrive intact and
// in order.
//
// Deadlines are enforced by closing the stream when they pass: a
// blocked Read or Write then fails with os.ErrDeadlineExceeded and
// the conn stays broken. This matches how the connection manager
// treats any I/O timeout (the link is torn down and reconnected).
type DataChannelConn struct {
	stream io.ReadWriteCloser
	local  string
	remote string

	mu      sync.Mutex
	timers  [2]*time.Timer // read, write
	expired bool
}

const (
	readTimer = iota
	writeTimer
)

// Compile-time interface check.
var _ net.Conn = (*DataChannelConn)(nil)

// NewDataChannelConn wraps stream. local and remote label the two ends
// in LocalAddr and RemoteAddr.
func NewDataChannelConn(stream io.ReadWriteCloser, local, remote string) *DataChannelConn {
	return &DataChannelConn{stream: stream, local: local, remote: remote}
}

func (c *DataChannelConn) Read(buffer []byte) (int, error) {
	n, err := c.stream.Read(buffer)
	return n, c.translate(err)
}

func (c *DataChannelConn) Write(buffer []byte) (int, error) {
	n, err := c.stream.Write(buffer)
	return n, c.translate(err)
}

// translate reports failures caused by an expired deadline as
// os.ErrDeadlineExceeded so callers can tell them from a remote close.
func (c *DataChannelConn) translate(err error) error {
	if err == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired {
		return os.ErrDeadlineExceeded
	}
	return err
}

func (c *DataChannelConn) Close() error {
	c.mu.Lock()
	for index, timer := range c.timers {
		if timer != nil {
			timer.Stop()
			c.timers[index] = nil
		}
	}
	c.mu.Unlock()
	return c.stream.Close()
}

func (c *DataChannelConn) LocalAddr() net.Addr  { return dataChannelAddr(c.local) }
func (c *DataChannelConn) RemoteAddr() net.Addr { return dataChannelAddr(c.remote) }

// SetDeadline sets both read and write deadlines. A zero value clears
// them.
func (c *DataChannelConn) SetDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(readTimer, deadline)
	c.armLocked(writeTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetReadDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(readTimer, deadline)
	return nil
}

func (c *DataChannelConn) SetWriteDeadline(deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armLocked(writeTimer, deadline)
	return nil
}

// armLocked replaces one deadline timer. Caller holds c.mu.
func (c *DataChannelConn) armLocked(which int, deadline time.Time) {
	if c.timers[which] != nil {
		c.timers[which].Stop()
		c.timers[which] = nil
	}
	if deadline.IsZero() || c.expired {
		return
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		c.expireLocked()
		return
	}
	c.timers[which] = time.AfterFunc(remaining, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.expireLocked()
	})
}

func (c *DataChannelConn) expireLocked() {
	if c.expired {
		return
	}
	c.expired = true
	c.stream.Close()
}

// dataChannelAddr is a synthetic net.Addr naming one end of a link.
type dataChannelAddr string

func (a dataChannelAddr) Network() string { return "webrtc" }
func (a dataChannelAddr) String() string  { return string(a) }
