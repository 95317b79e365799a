// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ffutop/modbus-controller/modbus"
)

// EventKind is a bit set of register access kinds.
type EventKind uint16

const (
	EventHoldingWrite EventKind = 1 << iota
	EventHoldingRead
	EventInputWrite
	EventInputRead
	EventCoilsWrite
	EventCoilsRead
	EventDiscreteWrite
	EventDiscreteRead

	EventReadMask  = EventHoldingRead | EventInputRead | EventCoilsRead | EventDiscreteRead
	EventWriteMask = EventHoldingWrite | EventInputWrite | EventCoilsWrite | EventDiscreteWrite
	EventMaskAll   = EventReadMask | EventWriteMask
)

var eventNames = [...]string{
	"holding-write", "holding-read", "input-write", "input-read",
	"coils-write", "coils-read", "discrete-write", "discrete-read",
}

func (k EventKind) String() string {
	if k == 0 {
		return "none"
	}
	var parts []string
	for i, name := range eventNames {
		if k&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if rest := k &^ EventMaskAll; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint16(rest)))
	}
	return strings.Join(parts, "|")
}

func eventKind(t modbus.RegisterType, mode modbus.AccessMode) EventKind {
	// kinds are laid out as write/read pairs in register type order
	k := EventKind(1) << (uint(t) * 2)
	if mode == modbus.AccessRead {
		k <<= 1
	}
	return k
}

// ParamAccessEvent reports one register access served by the slave.
type ParamAccessEvent struct {
	Time   time.Time
	Offset uint16 // wire address of the first register or bit
	Kind   EventKind
	// Mem is the part of the area memory the access touched. Bit accesses
	// cover whole bytes; the first bit is Offset minus the area start.
	Mem  []byte
	Size int // registers or bits
}

// eventGroup is a set of event bits with a broadcast wake-up for waiters.
type eventGroup struct {
	mu      sync.Mutex
	bits    EventKind
	changed chan struct{}
}

func newEventGroup() *eventGroup {
	return &eventGroup{changed: make(chan struct{})}
}

func (g *eventGroup) set(bits EventKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bits |= bits
	close(g.changed)
	g.changed = make(chan struct{})
}

// wait blocks until any bit of mask is set, then clears and returns the
// matching bits.
func (g *eventGroup) wait(ctx context.Context, mask EventKind, abort <-chan struct{}) (EventKind, error) {
	for {
		g.mu.Lock()
		if got := g.bits & mask; got != 0 {
			g.bits &^= got
			g.mu.Unlock()
			return got, nil
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-abort:
			return 0, fmt.Errorf("%w: slave destroyed", modbus.ErrInvalidState)
		}
	}
}
