// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package crc

import "sync"

// CRC is the Modbus CRC-16 (polynomial 0xA001, reflected, initial 0xFFFF).
type CRC struct {
	high byte
	low  byte
}

var (
	tableOnce sync.Once
	crcTable  [256]uint16
)

func initTable() {
	for i := range crcTable {
		c := uint16(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = c>>1 ^ 0xA001
			} else {
				c >>= 1
			}
		}
		crcTable[i] = c
	}
}

func (crc *CRC) Reset() *CRC {
	tableOnce.Do(initTable)
	crc.high = 0xFF
	crc.low = 0xFF
	return crc
}

func (crc *CRC) PushBytes(bs []byte) *CRC {
	value := uint16(crc.high)<<8 | uint16(crc.low)
	for _, b := range bs {
		value = value>>8 ^ crcTable[byte(value)^b]
	}
	crc.high = byte(value >> 8)
	crc.low = byte(value)
	return crc
}

func (crc *CRC) Value() uint16 {
	return uint16(crc.high)<<8 | uint16(crc.low)
}
