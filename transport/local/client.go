// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package local connects a master to a slave handler in the same process,
// without a wire in between.
package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/transport"
)

// Client implements a master port that hands every request to an
// in-process slave handler.
type Client struct {
	handler transport.RequestHandler

	mu        sync.Mutex
	connected bool
}

// NewClient creates a new Local Client.
func NewClient(handler transport.RequestHandler) *Client {
	return &Client{handler: handler}
}

// Send processes the PDU locally. The handler is called with a copy of the
// request data.
func (c *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: local port not connected", modbus.ErrInvalidState)
	}
	if err := ctx.Err(); err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: %w", modbus.ErrTimeout, err)
	}
	req := modbus.ProtocolDataUnit{
		FunctionCode: pdu.FunctionCode,
		Data:         append([]byte(nil), pdu.Data...),
	}
	resp, err := c.handler(ctx, slaveID, req)
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: local handler: %w", modbus.ErrFail, err)
	}
	return resp, nil
}

// Connect marks the port usable.
func (c *Client) Connect(ctx context.Context) error {
	if c.handler == nil {
		return fmt.Errorf("%w: no handler defined for local port", modbus.ErrInvalidArgument)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Close disconnects the port. It can be connected again.
func (c *Client) Close() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}
