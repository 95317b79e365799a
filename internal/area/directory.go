// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package area maps Modbus wire offsets onto application memory blocks.
package area

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ffutop/modbus-controller/modbus"
)

const (
	// MinAreaSize and MaxAreaSize bound the memory of a single area in bytes.
	MinAreaSize = 1
	MaxAreaSize = 2 * 65536

	addressSpace = 65536
)

// OverlapPolicy decides what happens when a new area shares addresses
// with an already registered area of the same type.
type OverlapPolicy int

const (
	// RejectOverlap refuses overlapping areas at registration.
	RejectOverlap OverlapPolicy = iota
	// AllowOverlap accepts aliases; lookups resolve to the area that was
	// registered first.
	AllowOverlap
)

// Syncer persists a modified byte range of an area's memory.
type Syncer interface {
	Sync(off, n int) error
}

// Descriptor describes an application memory block exposed to the wire.
//
// Start is a register number for holding/input areas and a bit number for
// coil/discrete areas. Register areas keep 16-bit values in host byte
// order; bit areas are packed LSB first.
type Descriptor struct {
	Type   modbus.RegisterType
	Start  uint16
	Mem    []byte
	Syncer Syncer
}

// Area is a registered descriptor.
type Area struct {
	Descriptor

	seq  int
	span int
}

// Span is the number of registers or bits the area covers.
func (a *Area) Span() int { return a.span }

// End is one past the last covered address.
func (a *Area) End() int { return int(a.Start) + a.span }

func (a *Area) covers(addr uint16, count int) bool {
	return a.Start <= addr && int(addr)+count <= a.End()
}

func (a *Area) overlaps(start, end int) bool {
	return int(a.Start) < end && start < a.End()
}

// Read encodes count registers or bits starting at addr into dst in wire
// format. dst must hold 2*count bytes for registers and BitBytes(count)
// for bits.
func (a *Area) Read(dst []byte, addr uint16, count int) {
	off := int(addr - a.Start)
	if a.Type.IsBit() {
		n := modbus.BitBytes(count)
		clear(dst[:n])
		modbus.CopyBits(dst, 0, a.Mem, off, count)
		modbus.MaskTail(dst[:n], count)
		return
	}
	modbus.RegistersToWire(dst, a.Mem[off*2:], count)
}

// Write decodes count wire registers or bits from src into the area.
func (a *Area) Write(src []byte, addr uint16, count int) {
	off := int(addr - a.Start)
	if a.Type.IsBit() {
		modbus.CopyBits(a.Mem, off, src, 0, count)
	} else {
		modbus.RegistersFromWire(a.Mem[off*2:], src, count)
	}
	if a.Syncer != nil {
		boff, n := a.byteRange(off, count)
		if err := a.Syncer.Sync(boff, n); err != nil {
			slog.Error("Failed to sync area", "type", a.Type, "start", a.Start, "err", err)
		}
	}
}

// Slice returns the bytes of Mem touched by an access of count items at addr.
func (a *Area) Slice(addr uint16, count int) []byte {
	boff, n := a.byteRange(int(addr-a.Start), count)
	return a.Mem[boff : boff+n]
}

func (a *Area) byteRange(off, count int) (int, int) {
	if a.Type.IsBit() {
		first := off / 8
		return first, modbus.BitBytes(off+count) - first
	}
	return off * 2, count * 2
}

// Directory indexes areas per register type, sorted by start address.
type Directory struct {
	mu     sync.RWMutex
	policy OverlapPolicy
	arena  []*Area
	index  [4][]*Area
}

// NewDirectory creates an empty directory.
func NewDirectory(policy OverlapPolicy) *Directory {
	return &Directory{policy: policy}
}

// Policy returns the overlap policy.
func (d *Directory) Policy() OverlapPolicy { return d.policy }

// Add validates and registers desc.
func (d *Directory) Add(desc Descriptor) (*Area, error) {
	if !desc.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown register type %d", modbus.ErrInvalidArgument, desc.Type)
	}
	size := len(desc.Mem)
	if size < MinAreaSize || size > MaxAreaSize {
		return nil, fmt.Errorf("%w: area size %d out of range [%d, %d]", modbus.ErrInvalidArgument, size, MinAreaSize, MaxAreaSize)
	}

	span := size * 8
	if !desc.Type.IsBit() {
		if size < 2 {
			return nil, fmt.Errorf("%w: %s area needs at least one register", modbus.ErrInvalidArgument, desc.Type)
		}
		span = size / 2
	}
	if int(desc.Start)+span > addressSpace {
		return nil, fmt.Errorf("%w: %s area %d+%d exceeds the address space", modbus.ErrInvalidArgument, desc.Type, desc.Start, span)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.index[desc.Type]
	end := int(desc.Start) + span
	for _, a := range list {
		if a.Start == desc.Start {
			return nil, fmt.Errorf("%w: %s area at offset %d already registered", modbus.ErrInvalidArgument, desc.Type, desc.Start)
		}
		if d.policy == RejectOverlap && a.overlaps(int(desc.Start), end) {
			return nil, fmt.Errorf("%w: %s area %d-%d overlaps area %d-%d", modbus.ErrInvalidArgument, desc.Type, desc.Start, end-1, a.Start, a.End()-1)
		}
	}

	a := &Area{Descriptor: desc, seq: len(d.arena), span: span}
	d.arena = append(d.arena, a)

	i := sort.Search(len(list), func(i int) bool { return list[i].Start > a.Start })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = a
	d.index[desc.Type] = list
	return a, nil
}

// Find returns the area covering count items at addr. With overlapping
// areas the earliest registered one wins.
func (d *Directory) Find(t modbus.RegisterType, addr uint16, count int) (*Area, error) {
	if !t.Valid() || count <= 0 {
		return nil, modbus.ErrNoSuchRegister
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	list := d.index[t]
	// areas [0, hi) start at or before addr
	hi := sort.Search(len(list), func(i int) bool { return list[i].Start > addr })
	if d.policy == RejectOverlap {
		if hi > 0 && list[hi-1].covers(addr, count) {
			return list[hi-1], nil
		}
		return nil, modbus.ErrNoSuchRegister
	}

	var found *Area
	for _, a := range list[:hi] {
		if a.covers(addr, count) && (found == nil || a.seq < found.seq) {
			found = a
		}
	}
	if found == nil {
		return nil, modbus.ErrNoSuchRegister
	}
	return found, nil
}

// Areas returns the areas of type t in registration order.
func (d *Directory) Areas(t modbus.RegisterType) []*Area {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*Area
	for _, a := range d.arena {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// Len returns the number of registered areas.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.arena)
}

// Reset drops every area.
func (d *Directory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.arena = nil
	d.index = [4][]*Area{}
}
