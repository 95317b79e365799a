// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/ffutop/modbus-controller/modbus"
)

func TestCalculateRequestLength(t *testing.T) {
	tests := []struct {
		name     string
		funcCode byte
		header   []byte
		want     int
		wantErr  bool
	}{
		{"ReadHoldingRegisters", 0x03, []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01}, 8, false},
		{"WriteSingleRegister", 0x06, []byte{0x01, 0x06, 0x00, 0x00, 0xAA, 0xBB}, 8, false},
		{"WriteMultipleRegisters_ShortHeader", 0x10, []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01}, 0, true},
		{"WriteMultipleRegisters_Valid", 0x10, []byte{0x01, 0x10, 0x00, 0x01, 0x00, 0x01, 0x02}, 7 + 2 + 2, false},
		{"UnknownFunction", 0x99, []byte{0x01, 0x99}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateRequestLength(tt.funcCode, tt.header)
			if (err != nil) != tt.wantErr {
				t.Errorf("CalculateRequestLength() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("CalculateRequestLength() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name string
		pdu  modbus.ProtocolDataUnit
	}{
		{"ReadCoils", modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x00, 0x0A, 0x00, 0x0C}}},
		{"WriteMultipleRegisters", modbus.ProtocolDataUnit{FunctionCode: 0x10, Data: []byte{0x00, 0x01, 0x00, 0x02, 0x04, 0x11, 0x22, 0x33, 0x44}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := (&ApplicationDataUnit{SlaveID: 7, Pdu: tt.pdu}).Encode()
			if err != nil {
				t.Fatal(err)
			}
			buf := make([]byte, MaxSize)
			n, err := ReadRequest(bytes.NewReader(raw), buf)
			if err != nil {
				t.Fatalf("ReadRequest failed: %v", err)
			}
			if !bytes.Equal(buf[:n], raw) {
				t.Errorf("frame mismatch.\nWant: %X\nGot:  %X", raw, buf[:n])
			}
			adu, err := Decode(buf[:n])
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if adu.SlaveID != 7 || adu.Pdu.FunctionCode != tt.pdu.FunctionCode {
				t.Errorf("unexpected adu: %+v", adu)
			}
		})
	}
}

func TestReadResponse_Exception(t *testing.T) {
	raw, _ := (&ApplicationDataUnit{SlaveID: 1, Pdu: modbus.Exception(0x03, modbus.ExceptionCodeIllegalDataAddress)}).Encode()
	// leading noise must be skipped
	stream := append([]byte{0x09, 0x01, 0x44}, raw...)

	got, err := ReadResponse(1, 0x03, bytes.NewReader(stream), time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ReadResponse failed: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("frame mismatch.\nWant: %X\nGot:  %X", raw, got)
	}
}

func TestDecode_BadCRC(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x03, 0x02, 0xAA, 0xBB, 0xFF, 0xFF})
	if !errors.Is(err, ErrCRC) {
		t.Errorf("expected ErrCRC, got %v", err)
	}
}
