// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-controller/modbus"
)

// DataSize returns the size in bytes of the application value buffer for
// count items accessed with funcCode: two bytes per register, packed
// bytes for bits.
func DataSize(funcCode byte, count int) int {
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteMultipleCoils:
		return modbus.BitBytes(count)
	default:
		return count * 2
	}
}

// BuildRequest encodes a request PDU. data holds the values to write as
// host order registers or LSB-first packed bits; it is ignored for reads.
func BuildRequest(funcCode byte, start uint16, count int, data []byte) (modbus.ProtocolDataUnit, error) {
	pdu := modbus.ProtocolDataUnit{FunctionCode: funcCode}

	limit := 0
	switch funcCode {
	case modbus.FuncCodeReadCoils, modbus.FuncCodeReadDiscreteInputs:
		limit = modbus.MaxReadBits
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		limit = modbus.MaxReadRegisters
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		limit = 1
	case modbus.FuncCodeWriteMultipleCoils:
		limit = modbus.MaxWriteBits
	case modbus.FuncCodeWriteMultipleRegisters:
		limit = modbus.MaxWriteRegisters
	default:
		return pdu, fmt.Errorf("%w: function code 0x%02X", modbus.ErrNotSupported, funcCode)
	}
	if count < 1 || count > limit {
		return pdu, fmt.Errorf("%w: quantity %d out of range [1, %d] for function 0x%02X", modbus.ErrInvalidArgument, count, limit, funcCode)
	}
	if int(start)+count > 65536 {
		return pdu, fmt.Errorf("%w: range %d+%d exceeds the address space", modbus.ErrInvalidArgument, start, count)
	}

	size := DataSize(funcCode, count)
	isWrite := funcCode == modbus.FuncCodeWriteSingleCoil || funcCode == modbus.FuncCodeWriteSingleRegister ||
		funcCode == modbus.FuncCodeWriteMultipleCoils || funcCode == modbus.FuncCodeWriteMultipleRegisters
	if isWrite && len(data) < size {
		return pdu, fmt.Errorf("%w: value buffer holds %d bytes, need %d", modbus.ErrInvalidArgument, len(data), size)
	}

	switch funcCode {
	case modbus.FuncCodeWriteSingleCoil:
		pdu.Data = make([]byte, 4)
		binary.BigEndian.PutUint16(pdu.Data, start)
		if data[0]&1 != 0 {
			binary.BigEndian.PutUint16(pdu.Data[2:], 0xFF00)
		}
	case modbus.FuncCodeWriteSingleRegister:
		pdu.Data = make([]byte, 4)
		binary.BigEndian.PutUint16(pdu.Data, start)
		modbus.RegistersToWire(pdu.Data[2:], data, 1)
	case modbus.FuncCodeWriteMultipleCoils:
		pdu.Data = make([]byte, 5+size)
		binary.BigEndian.PutUint16(pdu.Data, start)
		binary.BigEndian.PutUint16(pdu.Data[2:], uint16(count))
		pdu.Data[4] = byte(size)
		copy(pdu.Data[5:], data[:size])
		modbus.MaskTail(pdu.Data[5:], count)
	case modbus.FuncCodeWriteMultipleRegisters:
		pdu.Data = make([]byte, 5+size)
		binary.BigEndian.PutUint16(pdu.Data, start)
		binary.BigEndian.PutUint16(pdu.Data[2:], uint16(count))
		pdu.Data[4] = byte(size)
		modbus.RegistersToWire(pdu.Data[5:], data, count)
	default:
		pdu.Data = make([]byte, 4)
		binary.BigEndian.PutUint16(pdu.Data, start)
		binary.BigEndian.PutUint16(pdu.Data[2:], uint16(count))
	}
	return pdu, nil
}

// ParseResponse validates resp against req. Read replies are decoded into
// data, which must hold DataSize bytes. An exception reply is returned as
// *modbus.ExceptionError; any other mismatch wraps modbus.ErrInvalidResponse.
func ParseResponse(req, resp modbus.ProtocolDataUnit, data []byte) error {
	if resp.FunctionCode == req.FunctionCode|modbus.ExceptionFlag {
		if len(resp.Data) != 1 {
			return fmt.Errorf("%w: exception reply carries %d bytes", modbus.ErrInvalidResponse, len(resp.Data))
		}
		return &modbus.ExceptionError{FunctionCode: resp.FunctionCode, ExceptionCode: resp.Data[0]}
	}
	if resp.FunctionCode != req.FunctionCode {
		return fmt.Errorf("%w: response function '%v' does not match request '%v'", modbus.ErrInvalidResponse, resp.FunctionCode, req.FunctionCode)
	}

	switch req.FunctionCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters:
		count := int(binary.BigEndian.Uint16(req.Data[2:4]))
		size := DataSize(req.FunctionCode, count)
		if len(resp.Data) != 1+size || int(resp.Data[0]) != size {
			return fmt.Errorf("%w: response size '%v' does not match expected '%v'", modbus.ErrInvalidResponse, len(resp.Data), 1+size)
		}
		if len(data) < size {
			return fmt.Errorf("%w: value buffer holds %d bytes, need %d", modbus.ErrInvalidArgument, len(data), size)
		}
		if req.FunctionCode == modbus.FuncCodeReadCoils || req.FunctionCode == modbus.FuncCodeReadDiscreteInputs {
			copy(data, resp.Data[1:])
			modbus.MaskTail(data[:size], count)
		} else {
			modbus.RegistersFromWire(data, resp.Data[1:], count)
		}
	case modbus.FuncCodeWriteSingleCoil, modbus.FuncCodeWriteSingleRegister:
		if !bytes.Equal(resp.Data, req.Data) {
			return fmt.Errorf("%w: write echo '% x' does not match request '% x'", modbus.ErrInvalidResponse, resp.Data, req.Data)
		}
	case modbus.FuncCodeWriteMultipleCoils, modbus.FuncCodeWriteMultipleRegisters:
		if len(resp.Data) != 4 || !bytes.Equal(resp.Data, req.Data[:4]) {
			return fmt.Errorf("%w: write reply '% x' does not match request", modbus.ErrInvalidResponse, resp.Data)
		}
	}
	return nil
}
