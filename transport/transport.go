// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transport defines the ports that bind a controller to a wire.
package transport

import (
	"context"

	"github.com/ffutop/modbus-controller/modbus"
)

// RequestHandler handles a Modbus request/response cycle on the slave side.
// The port decodes the ADU, passes the PDU and the addressed unit id, and
// wraps the returned PDU back into its own framing.
type RequestHandler func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)

// SlavePort serves requests from masters on the wire.
type SlavePort interface {
	// Start serves until ctx is cancelled or Close is called. It blocks and
	// should be called in a goroutine.
	Start(ctx context.Context, handler RequestHandler) error
	Close() error
}

// MasterPort issues requests to slaves on the wire.
type MasterPort interface {
	// Send sends a PDU to a specific SlaveID and returns the response PDU.
	// It blocks until a reply arrives or the transaction times out.
	Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error)
	Connect(ctx context.Context) error
	Close() error
}
