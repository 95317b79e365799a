// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/ffutop/modbus-controller/modbus"
)

var (
	ErrRequestTimedOut = fmt.Errorf("%w: rtu request timed out", modbus.ErrTimeout)
	ErrCRC             = fmt.Errorf("%w: crc mismatch", modbus.ErrInvalidResponse)
)

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
)

type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("modbus: invalid length received: %d", e.Length)
}

// Is makes a bad length byte match modbus.ErrInvalidResponse.
func (e *InvalidLengthError) Is(target error) bool {
	return target == modbus.ErrInvalidResponse
}

// CalculateResponseLength returns the expected length of a response ADU.
func CalculateResponseLength(adu []byte) int {
	length := MinSize
	switch adu[1] {
	case modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadCoils:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + modbus.BitBytes(count)
	case modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadWriteMultipleRegisters:
		count := int(binary.BigEndian.Uint16(adu[4:]))
		length += 1 + count*2
	case modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteSingleRegister,
		modbus.FuncCodeWriteMultipleRegisters:
		length += 4
	case modbus.FuncCodeMaskWriteRegister:
		length += 6
	case modbus.FuncCodeReadFIFOQueue,
		modbus.FuncCodeReadDeviceIdentification:
		// undetermined
	default:
	}
	return length
}

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d", funcCode, len(header))
		}
		return 7 + int(header[6]) + 2, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}

// ReadRequest reads one request frame from r. The first byte read is
// taken as the start of the frame; callers resynchronise on error.
func ReadRequest(r io.Reader, buf []byte) (int, error) {
	if len(buf) < MaxSize {
		return 0, fmt.Errorf("modbus: request buffer too small: %d", len(buf))
	}
	if _, err := io.ReadFull(r, buf[:2]); err != nil {
		return 0, err
	}
	funcCode := buf[1]

	need := 8
	if funcCode == modbus.FuncCodeWriteMultipleCoils || funcCode == modbus.FuncCodeWriteMultipleRegisters {
		need = 7
	}
	if _, err := io.ReadFull(r, buf[2:need]); err != nil {
		return 0, err
	}

	expected, err := CalculateRequestLength(funcCode, buf[:need])
	if err != nil {
		return need, err
	}
	if expected > MaxSize {
		return need, &InvalidLengthError{Length: buf[6]}
	}
	if _, err := io.ReadFull(r, buf[need:expected]); err != nil {
		return 0, err
	}
	return expected, nil
}

// ReadResponse reads an RTU frame incrementally from the reader.
// It uses a state machine to detect the frame based on the expected SlaveID and FunctionCode.
func ReadResponse(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	buf := make([]byte, 1)
	data := make([]byte, MaxSize)

	state := stateSlaveID
	var length, toRead byte
	var n, crcCount int

	for {
		if time.Now().After(deadline) {
			return nil, ErrRequestTimedOut
		}

		if _, err := io.ReadAtLeast(r, buf, 1); err != nil {
			return nil, err
		}

		switch state {
		case stateSlaveID:
			if buf[0] == slaveID {
				state = stateFunctionCode
				data[n] = buf[0]
				n++
			}
		case stateFunctionCode:
			switch buf[0] {
			case functionCode:
				switch functionCode {
				case modbus.FuncCodeReadDiscreteInputs,
					modbus.FuncCodeReadCoils,
					modbus.FuncCodeReadHoldingRegisters,
					modbus.FuncCodeReadInputRegisters,
					modbus.FuncCodeReadWriteMultipleRegisters,
					modbus.FuncCodeReadFIFOQueue:
					state = stateReadLength
				case modbus.FuncCodeWriteSingleCoil,
					modbus.FuncCodeWriteSingleRegister,
					modbus.FuncCodeWriteMultipleRegisters,
					modbus.FuncCodeWriteMultipleCoils:
					state = stateReadPayload
					toRead = 4
				case modbus.FuncCodeMaskWriteRegister:
					state = stateReadPayload
					toRead = 6
				default:
					return nil, fmt.Errorf("%w: function code not handled: %d", modbus.ErrNotSupported, functionCode)
				}
			case functionCode | modbus.ExceptionFlag:
				state = stateReadPayload
				toRead = 1
			default:
				// not our frame, resynchronise on the next address byte
				state = stateSlaveID
				n = 0
				continue
			}
			data[n] = buf[0]
			n++
		case stateReadLength:
			length = buf[0]
			if int(length) > MaxSize-5 || length == 0 {
				return nil, &InvalidLengthError{Length: length}
			}
			toRead = length
			data[n] = length
			n++
			state = stateReadPayload
		case stateReadPayload:
			data[n] = buf[0]
			toRead--
			n++
			if toRead == 0 {
				state = stateCRC
			}
		case stateCRC:
			data[n] = buf[0]
			crcCount++
			n++
			if crcCount == 2 {
				return data[:n], nil
			}
		}
	}
}
