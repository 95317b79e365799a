// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package controller

import (
	"fmt"

	"github.com/ffutop/modbus-controller/internal/config"
	"github.com/ffutop/modbus-controller/modbus"
)

// ParameterDescriptor describes one characteristic of a remote slave.
type ParameterDescriptor struct {
	CID             uint16 // must equal the index in the table
	Key             string
	Units           string
	SlaveUnitID     byte
	RegisterType    modbus.RegisterType
	StartRegister   uint16
	SizeInRegisters uint16 // registers, or bits for coil/discrete
	ParamType       modbus.ParamType
	ParamSize       int // encoded size in bytes
	Access          modbus.Permission
}

// BufferSize returns the size of the value buffer GetParameter and
// SetParameter expect for d.
func (d ParameterDescriptor) BufferSize() int {
	if d.RegisterType.IsBit() {
		return modbus.BitBytes(int(d.SizeInRegisters))
	}
	return int(d.SizeInRegisters) * 2
}

// DescriptorsFromConfig converts a loaded parameter table.
func DescriptorsFromConfig(params []config.Parameter) []ParameterDescriptor {
	table := make([]ParameterDescriptor, len(params))
	for i, p := range params {
		table[i] = ParameterDescriptor{
			CID:             p.CID,
			Key:             p.Key,
			Units:           p.Units,
			SlaveUnitID:     p.UnitID,
			RegisterType:    p.RegisterType,
			StartRegister:   p.Start,
			SizeInRegisters: p.Size,
			ParamType:       p.ParamType,
			ParamSize:       p.ParamSize,
			Access:          p.Access,
		}
	}
	return table
}

func validateTable(table []ParameterDescriptor) error {
	if len(table) == 0 {
		return fmt.Errorf("%w: empty descriptor table", modbus.ErrInvalidArgument)
	}
	keys := make(map[string]int, len(table))
	for i, d := range table {
		if int(d.CID) != i {
			return fmt.Errorf("%w: descriptor %d has cid %d", modbus.ErrInvalidArgument, i, d.CID)
		}
		if d.Key == "" {
			return fmt.Errorf("%w: descriptor %d has an empty key", modbus.ErrInvalidArgument, i)
		}
		if d.SizeInRegisters == 0 {
			return fmt.Errorf("%w: descriptor %d (%s) has zero size", modbus.ErrInvalidArgument, i, d.Key)
		}
		if !d.RegisterType.Valid() {
			return fmt.Errorf("%w: descriptor %d (%s) has register type %d", modbus.ErrInvalidArgument, i, d.Key, d.RegisterType)
		}
		if j, dup := keys[d.Key]; dup {
			return fmt.Errorf("%w: descriptors %d and %d share key %q", modbus.ErrInvalidArgument, j, i, d.Key)
		}
		keys[d.Key] = i
	}
	return nil
}

// functionCode maps a register type and access mode to the function code
// serving it. Input and discrete inputs are read only.
func functionCode(t modbus.RegisterType, mode modbus.AccessMode) (byte, error) {
	switch {
	case t == modbus.RegisterHolding && mode == modbus.AccessRead:
		return modbus.FuncCodeReadHoldingRegisters, nil
	case t == modbus.RegisterHolding && mode == modbus.AccessWrite:
		return modbus.FuncCodeWriteMultipleRegisters, nil
	case t == modbus.RegisterInput && mode == modbus.AccessRead:
		return modbus.FuncCodeReadInputRegisters, nil
	case t == modbus.RegisterCoil && mode == modbus.AccessRead:
		return modbus.FuncCodeReadCoils, nil
	case t == modbus.RegisterCoil && mode == modbus.AccessWrite:
		return modbus.FuncCodeWriteMultipleCoils, nil
	case t == modbus.RegisterDiscrete && mode == modbus.AccessRead:
		return modbus.FuncCodeReadDiscreteInputs, nil
	}
	return 0, fmt.Errorf("%w: %s %s", modbus.ErrNotSupported, mode, t)
}
