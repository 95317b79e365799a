// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-controller/modbus"
)

const sampleConfig = `
role: Master
log:
  level: debug
master:
  parameters: params.yaml
  poll_interval: 250ms
  comm:
    mode: TCP
    slave_addresses: ["10.0.0.5", "10.0.0.6:1502"]
    response_timeout: 300ms
slave:
  comm:
    mode: rtu
    unit_address: 7
    device: /dev/ttyUSB0
    parity: e
  areas:
    - type: holding
      start: 100
      size: 20
  persistence:
    type: mmap
    path: /var/lib/mbcontroller
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, "master", cfg.Role)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "text", cfg.Log.Format)
	require.Equal(t, 250*time.Millisecond, cfg.Master.PollInterval)

	m := cfg.Master.Comm
	require.Equal(t, ModeTCP, m.Mode)
	require.Equal(t, []string{"10.0.0.5", "10.0.0.6:1502"}, m.SlaveAddresses)
	require.Equal(t, 300*time.Millisecond, m.ResponseTimeout)
	require.Equal(t, DefaultConnectTimeout, m.ConnectTimeout)
	require.Equal(t, DefaultTCPPort, m.IPPort)
	require.Equal(t, "ipv4", m.IPAddressType)

	s := cfg.Slave
	require.Equal(t, ModeRTU, s.Comm.Mode)
	require.EqualValues(t, 7, s.Comm.UnitAddress)
	require.Equal(t, "E", s.Comm.Parity)
	require.Equal(t, 19200, s.Comm.BaudRate)
	require.Equal(t, "reject", s.Overlap)
	require.Equal(t, []AreaConfig{{Type: "holding", Start: 100, Size: 20}}, s.Areas)
	require.Equal(t, PersistenceConfig{Type: "mmap", Path: "/var/lib/mbcontroller"}, s.Persistence)
}

func TestLoadConfig_BadRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: gateway\n"), 0644))

	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	fs := NewFlagSet("test")
	require.NoError(t, fs.Parse([]string{"--config", path, "-r", "slave", "--log-format", "json"}))

	cfg, err := LoadFlags(fs)
	require.NoError(t, err)
	require.Equal(t, "slave", cfg.Role)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "debug", cfg.Log.Level, "unset flags keep the file value")
}

func TestParseParameterTable(t *testing.T) {
	raw := []byte(`
parameters:
  - cid: 0
    key: temp
    units: C
    unit_id: 1
    register: holding
    start: 100
    size: 2
    access: [read, write]
  - cid: 1
    key: relays
    unit_id: 2
    register: coil
    start: 0
    size: 12
    type: u8
    access: [read, trigger]
`)
	params, err := ParseParameterTable(raw)
	require.NoError(t, err)
	require.Equal(t, []Parameter{
		{
			CID: 0, Key: "temp", Units: "C", UnitID: 1,
			RegisterType: modbus.RegisterHolding, Start: 100, Size: 2,
			ParamType: modbus.ParamU16, ParamSize: 4,
			Access: modbus.PermRead | modbus.PermWrite,
		},
		{
			CID: 1, Key: "relays", UnitID: 2,
			RegisterType: modbus.RegisterCoil, Start: 0, Size: 12,
			ParamType: modbus.ParamU8, ParamSize: 2,
			Access: modbus.PermRead | modbus.PermTrigger,
		},
	}, params)
}

func TestParseParameterTable_Errors(t *testing.T) {
	_, err := ParseParameterTable([]byte("parameters:\n  - key: x\n    register: eeprom\n"))
	require.ErrorIs(t, err, modbus.ErrInvalidArgument)

	_, err = ParseParameterTable([]byte("parameters:\n  - key: x\n    register: input\n    access: [execute]\n"))
	require.ErrorIs(t, err, modbus.ErrInvalidArgument)

	for _, cid := range []string{"65536", "-1"} {
		_, err = ParseParameterTable([]byte("parameters:\n  - cid: " + cid + "\n    key: x\n    register: input\n"))
		require.ErrorIs(t, err, modbus.ErrInvalidArgument, "cid %s", cid)
	}

	_, err = ParseParameterTable([]byte("parameters: {"))
	require.Error(t, err)
}
