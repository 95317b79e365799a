// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/modbus/crc"
)

// ApplicationDataUnit is a serial line frame.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode checks the CRC of raw and splits it into address and PDU.
func Decode(raw []byte) (*ApplicationDataUnit, error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		return nil, fmt.Errorf("%w: frame length '%v' does not meet minimum '%v'", modbus.ErrInvalidResponse, length, MinSize)
	}

	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if checksum != c.Value() {
		return nil, fmt.Errorf("%w: frame crc '%v' does not match expected '%v'", ErrCRC, checksum, c.Value())
	}
	return &ApplicationDataUnit{
		SlaveID: raw[0],
		Pdu: modbus.ProtocolDataUnit{
			FunctionCode: raw[1],
			Data:         raw[2 : length-2],
		},
	}, nil
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() ([]byte, error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		return nil, fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, MaxSize)
	}
	raw := make([]byte, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	var c crc.CRC
	c.Reset().PushBytes(raw[0 : length-2])
	checksum := c.Value()

	// low byte first on the wire
	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return raw, nil
}

// Verify verifies response length and slave id.
func (adu *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	if len(resp.Pdu.Data)+4 < MinSize {
		return fmt.Errorf("%w: response length '%v' does not meet minimum '%v'", modbus.ErrInvalidResponse, len(resp.Pdu.Data)+4, MinSize)
	}
	if adu.SlaveID != resp.SlaveID {
		return fmt.Errorf("%w: response slave id '%v' does not match request '%v'", modbus.ErrInvalidResponse, resp.SlaveID, adu.SlaveID)
	}
	return nil
}
