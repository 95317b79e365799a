// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"fmt"

	"github.com/ffutop/modbus-controller/modbus"
)

const (
	// mbapLengthEnd is the number of header bytes needed to read the
	// length field: transaction id, protocol id, length.
	mbapLengthEnd = 6
	tcpMinSize    = 8
	tcpMaxSize    = 260
)

type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// NewADU wraps pdu in an MBAP header.
func NewADU(tid uint16, slaveID byte, pdu modbus.ProtocolDataUnit) *ApplicationDataUnit {
	return &ApplicationDataUnit{
		TransactionID: tid,
		Length:        uint16(1 + 1 + len(pdu.Data)), // SlaveID + FunctionCode + Data
		SlaveID:       slaveID,
		Pdu:           pdu,
	}
}

func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	if len(raw) < tcpMinSize {
		err = fmt.Errorf("modbus: request length '%v' does not meet minimum '%v'", len(raw), tcpMinSize)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.TransactionID = binary.BigEndian.Uint16(raw[0:])
	adu.ProtocolID = binary.BigEndian.Uint16(raw[2:])
	adu.Length = binary.BigEndian.Uint16(raw[4:])
	if int(adu.Length) != len(raw)-mbapLengthEnd {
		err = fmt.Errorf("modbus: length in header '%v' does not match frame length '%v'", adu.Length, len(raw)-mbapLengthEnd)
		return nil, err
	}
	adu.SlaveID = raw[6]
	adu.Pdu.FunctionCode = raw[7]
	adu.Pdu.Data = raw[8:]
	return
}

func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 8
	if length > tcpMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v'", length, tcpMaxSize)
		return
	}
	raw = make([]byte, length)

	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], adu.Length)
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return
}

func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) (err error) {
	// Transaction ID must match
	if resp.TransactionID != req.TransactionID {
		err = fmt.Errorf("%w: response transaction id '%v' does not match request '%v'", modbus.ErrInvalidResponse, resp.TransactionID, req.TransactionID)
		return
	}
	if resp.ProtocolID != 0 {
		err = fmt.Errorf("%w: response protocol id '%v' is not zero", modbus.ErrInvalidResponse, resp.ProtocolID)
		return
	}
	if resp.SlaveID != req.SlaveID {
		err = fmt.Errorf("%w: response unit id '%v' does not match request '%v'", modbus.ErrInvalidResponse, resp.SlaveID, req.SlaveID)
		return
	}
	return
}
