// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ffutop/modbus-controller/modbus"
	rtupacket "github.com/ffutop/modbus-controller/modbus/rtu"
)

const (
	tcpTimeout = 10 * time.Second
)

// Client implements a Modbus RTU over TCP master port: RTU frames, with
// unit address and CRC, carried over one TCP stream to a serial device
// server.
type Client struct {
	Network        string // "tcp4" or "tcp6", "tcp" when empty
	Address        string
	Timeout        time.Duration
	ConnectTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewClient allocates and initializes a TCP Client.
func NewClient(address string) *Client {
	return &Client{
		Address:        address,
		Timeout:        tcpTimeout,
		ConnectTimeout: tcpTimeout,
	}
}

// Send sends a PDU to slaveID and returns the response PDU. A broadcast
// returns an empty PDU once written.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	// Ensure connection is open
	if err := mb.connect(ctx); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: failed to connect to %s: %w", modbus.ErrFail, mb.Address, err)
	}

	adu := &rtupacket.ApplicationDataUnit{
		SlaveID: slaveID,
		Pdu:     pdu,
	}
	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: failed to encode ADU: %w", modbus.ErrInvalidArgument, err)
	}

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err = mb.conn.SetDeadline(deadline); err != nil {
		mb.close()
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: %w", modbus.ErrFail, err)
	}

	if _, err := mb.conn.Write(aduBytes); err != nil {
		mb.close() // force reconnect next time
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: failed to write to connection: %w", modbus.ErrFail, err)
	}
	if slaveID == rtupacket.BroadcastAddress {
		return modbus.ProtocolDataUnit{}, nil
	}

	respBytes, err := rtupacket.ReadResponse(slaveID, pdu.FunctionCode, mb.conn, deadline)
	if err != nil {
		// the stream is out of step after a partial frame
		mb.close()
		if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, rtupacket.ErrRequestTimedOut) {
			return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: no response from unit %d: %w", modbus.ErrTimeout, slaveID, err)
		}
		if errors.Is(err, modbus.ErrInvalidResponse) || errors.Is(err, modbus.ErrNotSupported) {
			return modbus.ProtocolDataUnit{}, err
		}
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: failed to read response: %w", modbus.ErrFail, err)
	}

	respAdu, err := rtupacket.Decode(respBytes)
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("failed to decode response ADU: %w", err)
	}
	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("verification failed: %w", err)
	}
	return respAdu.Pdu, nil
}

// Connect dials the device server.
func (mb *Client) Connect(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return mb.connect(ctx)
}

// Close closes the connection. A later Send dials again.
func (mb *Client) Close() error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.close()
	return nil
}

// connect ensures there is an active connection. Caller must hold the mutex.
func (mb *Client) connect(ctx context.Context) error {
	if mb.conn != nil {
		return nil
	}
	network := mb.Network
	if network == "" {
		network = "tcp"
	}
	d := net.Dialer{Timeout: mb.ConnectTimeout}
	conn, err := d.DialContext(ctx, network, mb.Address)
	if err != nil {
		return err
	}
	mb.conn = conn
	return nil
}

// close closes the connection and resets the state. Caller must hold the mutex.
func (mb *Client) close() {
	if mb.conn != nil {
		mb.conn.Close()
		mb.conn = nil
	}
}
