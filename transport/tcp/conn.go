// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"
)

// connState is the state of a client connection of the slave port.
type connState int32

const (
	stateAccepted connState = iota
	stateReadingHeader
	stateReadingBody
	stateFrameReady
	stateAwaitingResponse
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepted:
		return "accepted"
	case stateReadingHeader:
		return "reading-header"
	case stateReadingBody:
		return "reading-body"
	case stateFrameReady:
		return "frame-ready"
	case stateAwaitingResponse:
		return "awaiting-response"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	errFrameOverflow = errors.New("modbus: frame exceeds maximum adu size")
	errProtocolID    = errors.New("modbus: non-zero protocol id")
	errShortFrame    = errors.New("modbus: frame shorter than unit id and function code")
)

// clientConn is one accepted master connection.
type clientConn struct {
	id   uint64
	conn net.Conn

	state      atomic.Int32
	lastActive atomic.Int64 // unix nanos

	// frame reassembly, owned by the reader goroutine
	buf       [tcpMaxSize]byte
	pos       int
	remaining int
	tid       uint16
}

func newClientConn(id uint64, conn net.Conn) *clientConn {
	c := &clientConn{id: id, conn: conn}
	c.setState(stateAccepted)
	c.touch()
	return c
}

func (c *clientConn) getState() connState { return connState(c.state.Load()) }

func (c *clientConn) setState(s connState) { c.state.Store(int32(s)) }

func (c *clientConn) touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *clientConn) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

// feed consumes a chunk of the byte stream and returns every frame it
// completes, header included. Partial frames are kept for the next call,
// so the result does not depend on how the stream is chunked. An error is
// a protocol violation and leaves the connection unusable.
func (c *clientConn) feed(p []byte) ([][]byte, error) {
	var frames [][]byte
	for len(p) > 0 {
		switch c.getState() {
		case stateAccepted, stateFrameReady, stateAwaitingResponse:
			c.setState(stateReadingHeader)
			fallthrough
		case stateReadingHeader:
			n := copy(c.buf[c.pos:mbapLengthEnd], p)
			c.pos += n
			p = p[n:]
			if c.pos < mbapLengthEnd {
				continue
			}
			if binary.BigEndian.Uint16(c.buf[2:]) != 0 {
				c.setState(stateClosing)
				return frames, errProtocolID
			}
			length := int(binary.BigEndian.Uint16(c.buf[4:]))
			if length < 2 {
				c.setState(stateClosing)
				return frames, errShortFrame
			}
			if mbapLengthEnd+length > tcpMaxSize {
				c.setState(stateClosing)
				return frames, fmt.Errorf("%w: declared %d bytes", errFrameOverflow, mbapLengthEnd+length)
			}
			c.remaining = length
			c.setState(stateReadingBody)
		case stateReadingBody:
			n := copy(c.buf[c.pos:c.pos+c.remaining], p)
			c.pos += n
			c.remaining -= n
			p = p[n:]
			if c.remaining > 0 {
				continue
			}
			frame := make([]byte, c.pos)
			copy(frame, c.buf[:c.pos])
			frames = append(frames, frame)
			c.tid = binary.BigEndian.Uint16(frame)
			c.pos = 0
			c.setState(stateFrameReady)
		default:
			return frames, fmt.Errorf("modbus: connection %d is %s", c.id, c.getState())
		}
	}
	return frames, nil
}

func (c *clientConn) close() error {
	c.setState(stateClosing)
	err := c.conn.Close()
	c.setState(stateClosed)
	return err
}
