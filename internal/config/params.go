// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ffutop/modbus-controller/modbus"
)

// ParameterTable is the on-disk form of a master parameter table.
type ParameterTable struct {
	Parameters []ParameterConfig `yaml:"parameters"`
}

// ParameterConfig is one characteristic of the table.
type ParameterConfig struct {
	CID       int      `yaml:"cid"`
	Key       string   `yaml:"key"`
	Units     string   `yaml:"units"`
	UnitID    uint8    `yaml:"unit_id"`
	Register  string   `yaml:"register"` // "holding", "input", "coil", "discrete"
	Start     uint16   `yaml:"start"`
	Size      uint16   `yaml:"size"`       // Registers or bits
	Type      string   `yaml:"type"`       // "u8", "u16", "u32", "float", "ascii"
	ParamSize int      `yaml:"param_size"` // Encoded size in bytes, derived from type and size when zero
	Access    []string `yaml:"access"`     // "read", "write", "trigger"
}

// Parameter is a parsed ParameterConfig.
type Parameter struct {
	CID          uint16
	Key          string
	Units        string
	UnitID       uint8
	RegisterType modbus.RegisterType
	Start        uint16
	Size         uint16
	ParamType    modbus.ParamType
	ParamSize    int
	Access       modbus.Permission
}

// LoadParameterTable reads a parameter table file.
func LoadParameterTable(path string) ([]Parameter, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter table: %w", err)
	}
	return ParseParameterTable(raw)
}

// ParseParameterTable decodes a YAML parameter table. Structural checks of
// the table (cid order, key uniqueness) are left to the master.
func ParseParameterTable(raw []byte) ([]Parameter, error) {
	var table ParameterTable
	if err := yaml.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("failed to decode parameter table: %w", err)
	}

	params := make([]Parameter, 0, len(table.Parameters))
	for i, pc := range table.Parameters {
		p, err := pc.parse()
		if err != nil {
			return nil, fmt.Errorf("parameter %d (%s): %w", i, pc.Key, err)
		}
		params = append(params, p)
	}
	return params, nil
}

func (pc ParameterConfig) parse() (Parameter, error) {
	if pc.CID < 0 || pc.CID > math.MaxUint16 {
		return Parameter{}, fmt.Errorf("%w: cid %d out of range", modbus.ErrInvalidArgument, pc.CID)
	}
	rt, err := modbus.ParseRegisterType(strings.ToLower(pc.Register))
	if err != nil {
		return Parameter{}, err
	}
	typ := pc.Type
	if typ == "" {
		typ = "u16"
	}
	pt, err := modbus.ParseParamType(strings.ToLower(typ))
	if err != nil {
		return Parameter{}, err
	}

	var access modbus.Permission
	if len(pc.Access) == 0 {
		access = modbus.PermRead
	}
	for _, a := range pc.Access {
		switch strings.ToLower(a) {
		case "read":
			access |= modbus.PermRead
		case "write":
			access |= modbus.PermWrite
		case "trigger":
			access |= modbus.PermTrigger
		default:
			return Parameter{}, fmt.Errorf("%w: unknown access %q", modbus.ErrInvalidArgument, a)
		}
	}

	size := pc.ParamSize
	if size == 0 {
		if rt.IsBit() {
			size = modbus.BitBytes(int(pc.Size))
		} else {
			size = int(pc.Size) * 2
		}
	}

	return Parameter{
		CID:          uint16(pc.CID),
		Key:          pc.Key,
		Units:        pc.Units,
		UnitID:       pc.UnitID,
		RegisterType: rt,
		Start:        pc.Start,
		Size:         pc.Size,
		ParamType:    pt,
		ParamSize:    size,
		Access:       access,
	}, nil
}
