// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package engine implements the Modbus application layer: the slave side
// turns request PDUs into register accesses, the master side builds
// requests and validates replies.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/ffutop/modbus-controller/modbus"
)

// RegisterHandler resolves register accesses decoded from the wire.
//
// buf carries wire order data: big-endian register pairs, or LSB-first
// packed bits. Reads fill buf, writes consume it. A handler returns
// modbus.ErrNoSuchRegister when no memory backs the range.
type RegisterHandler interface {
	ReadInput(buf []byte, addr uint16, count int) error
	ReadWriteHolding(buf []byte, addr uint16, count int, mode modbus.AccessMode) error
	ReadWriteCoils(buf []byte, addr uint16, count int, mode modbus.AccessMode) error
	ReadDiscrete(buf []byte, addr uint16, count int) error
}

// Slave executes request PDUs against a RegisterHandler.
type Slave struct {
	handler RegisterHandler
	enabled atomic.Bool
}

// NewSlave creates a disabled slave engine.
func NewSlave(handler RegisterHandler) *Slave {
	return &Slave{handler: handler}
}

// Enable lets the engine serve requests.
func (s *Slave) Enable() { s.enabled.Store(true) }

// Disable makes the engine answer every request with a busy exception.
func (s *Slave) Disable() { s.enabled.Store(false) }

// Enabled reports whether the engine is serving requests.
func (s *Slave) Enabled() bool { return s.enabled.Load() }

// Handle has the transport.RequestHandler signature.
func (s *Slave) Handle(_ context.Context, _ byte, req modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	return s.Process(req), nil
}

// Process executes the function code of req and returns the response PDU,
// an exception response when the request cannot be served.
func (s *Slave) Process(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if !s.Enabled() {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeServerDeviceBusy)
	}
	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils:
		return s.readBits(req, func(buf []byte, addr uint16, n int) error {
			return s.handler.ReadWriteCoils(buf, addr, n, modbus.AccessRead)
		})
	case modbus.FuncCodeReadDiscreteInputs:
		return s.readBits(req, s.handler.ReadDiscrete)
	case modbus.FuncCodeReadHoldingRegisters:
		return s.readRegisters(req, func(buf []byte, addr uint16, n int) error {
			return s.handler.ReadWriteHolding(buf, addr, n, modbus.AccessRead)
		})
	case modbus.FuncCodeReadInputRegisters:
		return s.readRegisters(req, s.handler.ReadInput)
	case modbus.FuncCodeWriteSingleCoil:
		return s.writeSingleCoil(req)
	case modbus.FuncCodeWriteSingleRegister:
		return s.writeSingleRegister(req)
	case modbus.FuncCodeWriteMultipleCoils:
		return s.writeMultipleCoils(req)
	case modbus.FuncCodeWriteMultipleRegisters:
		return s.writeMultipleRegisters(req)
	default:
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalFunction)
	}
}

type accessFunc func(buf []byte, addr uint16, count int) error

func (s *Slave) readBits(req modbus.ProtocolDataUnit, read accessFunc) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := int(binary.BigEndian.Uint16(req.Data[2:4]))

	if quantity < 1 || quantity > modbus.MaxReadBits {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	n := modbus.BitBytes(quantity)
	respData := make([]byte, 1+n)
	respData[0] = byte(n)
	if err := read(respData[1:], address, quantity); err != nil {
		return s.failure(req.FunctionCode, address, quantity, err)
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: respData}
}

func (s *Slave) readRegisters(req modbus.ProtocolDataUnit, read accessFunc) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := int(binary.BigEndian.Uint16(req.Data[2:4]))

	if quantity < 1 || quantity > modbus.MaxReadRegisters {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	respData := make([]byte, 1+quantity*2)
	respData[0] = byte(quantity * 2)
	if err := read(respData[1:], address, quantity); err != nil {
		return s.failure(req.FunctionCode, address, quantity, err)
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: respData}
}

func (s *Slave) writeSingleCoil(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])

	var bit [1]byte
	switch binary.BigEndian.Uint16(req.Data[2:4]) {
	case 0xFF00:
		bit[0] = 1
	case 0x0000:
	default:
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if err := s.handler.ReadWriteCoils(bit[:], address, 1, modbus.AccessWrite); err != nil {
		return s.failure(req.FunctionCode, address, 1, err)
	}
	return req // echo
}

func (s *Slave) writeSingleRegister(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) != 4 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])

	value := make([]byte, 2)
	copy(value, req.Data[2:4])
	if err := s.handler.ReadWriteHolding(value, address, 1, modbus.AccessWrite); err != nil {
		return s.failure(req.FunctionCode, address, 1, err)
	}
	return req // echo
}

func (s *Slave) writeMultipleCoils(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := int(binary.BigEndian.Uint16(req.Data[2:4]))
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > modbus.MaxWriteBits {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if len(req.Data)-5 != byteCount || byteCount != modbus.BitBytes(quantity) {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if err := s.handler.ReadWriteCoils(req.Data[5:], address, quantity, modbus.AccessWrite); err != nil {
		return s.failure(req.FunctionCode, address, quantity, err)
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: append([]byte(nil), req.Data[:4]...)}
}

func (s *Slave) writeMultipleRegisters(req modbus.ProtocolDataUnit) modbus.ProtocolDataUnit {
	if len(req.Data) < 6 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	address := binary.BigEndian.Uint16(req.Data[0:2])
	quantity := int(binary.BigEndian.Uint16(req.Data[2:4]))
	byteCount := int(req.Data[4])

	if quantity < 1 || quantity > modbus.MaxWriteRegisters {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}
	if len(req.Data)-5 != byteCount || byteCount != quantity*2 {
		return modbus.Exception(req.FunctionCode, modbus.ExceptionCodeIllegalDataValue)
	}

	if err := s.handler.ReadWriteHolding(req.Data[5:], address, quantity, modbus.AccessWrite); err != nil {
		return s.failure(req.FunctionCode, address, quantity, err)
	}
	return modbus.ProtocolDataUnit{FunctionCode: req.FunctionCode, Data: append([]byte(nil), req.Data[:4]...)}
}

func (s *Slave) failure(funcCode byte, address uint16, quantity int, err error) modbus.ProtocolDataUnit {
	if errors.Is(err, modbus.ErrNoSuchRegister) {
		slog.Debug("No area for request", "func", funcCode, "addr", address, "count", quantity)
		return modbus.Exception(funcCode, modbus.ExceptionCodeIllegalDataAddress)
	}
	slog.Error("Register access failed", "func", funcCode, "addr", address, "count", quantity, "err", err)
	return modbus.Exception(funcCode, modbus.ExceptionCodeServerDeviceFailure)
}
