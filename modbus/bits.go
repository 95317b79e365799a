// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import "encoding/binary"

// BitBytes returns the number of bytes needed to pack n bits.
func BitBytes(n int) int {
	return (n + 7) / 8
}

// GetBit returns bit i of an LSB-first packed buffer.
func GetBit(buf []byte, i int) bool {
	return buf[i/8]&(1<<uint(i%8)) != 0
}

// SetBit sets or clears bit i of an LSB-first packed buffer.
func SetBit(buf []byte, i int, on bool) {
	if on {
		buf[i/8] |= 1 << uint(i%8)
	} else {
		buf[i/8] &^= 1 << uint(i%8)
	}
}

// CopyBits copies n bits from src starting at bit srcOff into dst
// starting at bit dstOff. Bits of dst outside the range are untouched.
func CopyBits(dst []byte, dstOff int, src []byte, srcOff int, n int) {
	for i := 0; i < n; i++ {
		SetBit(dst, dstOff+i, GetBit(src, srcOff+i))
	}
}

// MaskTail clears the unused high bits of the last byte of an n-bit
// packed buffer.
func MaskTail(buf []byte, n int) {
	if rem := n % 8; rem != 0 && len(buf) > 0 {
		buf[BitBytes(n)-1] &= byte(1<<uint(rem)) - 1
	}
}

// RegistersToWire converts host order registers held in mem into
// big-endian wire order in dst.
func RegistersToWire(dst, mem []byte, count int) {
	for i := 0; i < count; i++ {
		binary.BigEndian.PutUint16(dst[i*2:], binary.NativeEndian.Uint16(mem[i*2:]))
	}
}

// RegistersFromWire converts big-endian wire registers in src into host
// order in mem.
func RegistersFromWire(mem, src []byte, count int) {
	for i := 0; i < count; i++ {
		binary.NativeEndian.PutUint16(mem[i*2:], binary.BigEndian.Uint16(src[i*2:]))
	}
}

// Uint16s decodes host order registers from buf.
func Uint16s(buf []byte) []uint16 {
	out := make([]uint16, len(buf)/2)
	for i := range out {
		out[i] = binary.NativeEndian.Uint16(buf[i*2:])
	}
	return out
}

// PutUint16s encodes regs into buf in host order.
func PutUint16s(buf []byte, regs ...uint16) {
	for i, r := range regs {
		binary.NativeEndian.PutUint16(buf[i*2:], r)
	}
}
