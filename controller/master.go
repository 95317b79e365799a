// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ffutop/modbus-controller/internal/config"
	"github.com/ffutop/modbus-controller/internal/engine"
	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/transport"
	"github.com/ffutop/modbus-controller/transport/tcp"
)

// Request is an explicit master request.
type Request struct {
	SlaveAddr byte
	Command   byte // function code
	RegStart  uint16
	RegSize   uint16 // registers or bits
}

// slaveRegistrar is implemented by ports addressing slaves by endpoint.
type slaveRegistrar interface {
	AddSlave(entry tcp.SlaveAddressEntry) error
	RemoveSlave(unitID byte)
}

// Master is a Modbus master controller.
//
// Requests are strictly serialized: a call made while another one is in
// flight fails with modbus.ErrBusy instead of queueing.
type Master struct {
	mu      sync.Mutex
	phase   phase
	comm    config.CommConfig
	port    transport.MasterPort
	ownPort bool
	table   []ParameterDescriptor
	slaves  []tcp.SlaveAddressEntry

	inflight chan struct{}
}

// NewMaster creates an idle master.
func NewMaster(opts ...MasterOption) *Master {
	m := &Master{inflight: make(chan struct{}, 1)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Setup configures the communication of an idle master.
func (m *Master) Setup(comm config.CommConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != phaseIdle {
		return fmt.Errorf("%w: setup in phase %s", modbus.ErrInvalidState, m.phase)
	}
	comm.ApplyDefaults()
	if err := checkMode(comm.Mode); err != nil {
		return err
	}
	if comm.Mode == config.ModeRTUOverTCP && len(comm.SlaveAddresses) == 0 {
		return fmt.Errorf("%w: rtu over tcp needs a device server address", modbus.ErrInvalidArgument)
	}
	m.comm = comm
	if m.port == nil {
		m.port = newMasterPort(comm)
		m.ownPort = true
	}
	m.phase = phaseConfigured
	slog.Debug("Master configured", "mode", comm.Mode, "timeout", comm.ResponseTimeout)
	return nil
}

// SetDescriptorTable installs the parameter table. Every entry must carry
// its own index as cid, a unique non-empty key and a non-zero size. On TCP
// the distinct unit ids are bound, in table order, to the configured slave
// addresses.
func (m *Master) SetDescriptorTable(table []ParameterDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != phaseConfigured || m.table != nil {
		return fmt.Errorf("%w: descriptor table in phase %s", modbus.ErrInvalidState, m.phase)
	}
	if err := validateTable(table); err != nil {
		return err
	}

	var slaves []tcp.SlaveAddressEntry
	if m.comm.Mode == config.ModeTCP {
		var err error
		if slaves, err = m.bindSlaves(table); err != nil {
			return err
		}
		if reg, ok := m.port.(slaveRegistrar); ok {
			for i, e := range slaves {
				if err := reg.AddSlave(e); err != nil {
					for _, added := range slaves[:i] {
						reg.RemoveSlave(added.UnitID)
					}
					return err
				}
			}
		}
	}

	m.table = append([]ParameterDescriptor(nil), table...)
	m.slaves = slaves
	return nil
}

func (m *Master) bindSlaves(table []ParameterDescriptor) ([]tcp.SlaveAddressEntry, error) {
	var entries []tcp.SlaveAddressEntry
	seen := make(map[byte]bool)
	for _, d := range table {
		if seen[d.SlaveUnitID] {
			continue
		}
		seen[d.SlaveUnitID] = true
		idx := len(entries)
		if idx >= len(m.comm.SlaveAddresses) {
			return nil, fmt.Errorf("%w: no slave address left for unit %d (%s)", modbus.ErrInvalidState, d.SlaveUnitID, d.Key)
		}
		if idx >= m.comm.MaxConnections {
			return nil, fmt.Errorf("%w: unit %d exceeds %d connections", modbus.ErrInvalidState, d.SlaveUnitID, m.comm.MaxConnections)
		}
		entries = append(entries, tcp.SlaveAddressEntry{
			Index:   idx,
			Address: m.comm.SlaveAddresses[idx],
			UnitID:  d.SlaveUnitID,
		})
		slog.Debug("Bound slave address", "unit", d.SlaveUnitID, "addr", m.comm.SlaveAddresses[idx])
	}
	return entries, nil
}

// Slaves returns the slave address entries bound by SetDescriptorTable.
func (m *Master) Slaves() []tcp.SlaveAddressEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tcp.SlaveAddressEntry(nil), m.slaves...)
}

// Start connects the port. It fails with modbus.ErrInvalidState when the
// port is not up within the connect timeout.
func (m *Master) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != phaseConfigured {
		return fmt.Errorf("%w: start in phase %s", modbus.ErrInvalidState, m.phase)
	}
	ctx, cancel := context.WithTimeout(ctx, m.comm.ConnectTimeout)
	defer cancel()
	if err := m.port.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", modbus.ErrInvalidState, err)
	}
	m.phase = phaseStarted
	slog.Info("Master started", "mode", m.comm.Mode, "slaves", len(m.slaves))
	return nil
}

// Stop closes the port. The master can be started again.
func (m *Master) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase != phaseStarted {
		return fmt.Errorf("%w: stop in phase %s", modbus.ErrInvalidState, m.phase)
	}
	err := m.port.Close()
	if m.ownPort && m.comm.Mode == config.ModeRTU {
		// the serial client does not survive Close
		m.port = newMasterPort(m.comm)
	}
	m.phase = phaseConfigured
	return err
}

// Destroy releases the master. It cannot be used afterwards.
func (m *Master) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == phaseDestroyed {
		return fmt.Errorf("%w: already destroyed", modbus.ErrInvalidState)
	}
	var err error
	if m.port != nil {
		err = m.port.Close()
	}
	m.table = nil
	m.slaves = nil
	m.phase = phaseDestroyed
	return err
}

func (m *Master) started() (transport.MasterPort, config.CommConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != phaseStarted {
		return nil, m.comm, fmt.Errorf("%w: master %s", modbus.ErrInvalidState, m.phase)
	}
	return m.port, m.comm, nil
}

// GetCidInfo returns the descriptor of cid.
func (m *Master) GetCidInfo(cid uint16) (ParameterDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(cid) >= len(m.table) || m.table[cid].Key == "" {
		return ParameterDescriptor{}, fmt.Errorf("%w: cid %d", modbus.ErrNotFound, cid)
	}
	return m.table[cid], nil
}

// Descriptors returns a copy of the descriptor table.
func (m *Master) Descriptors() []ParameterDescriptor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ParameterDescriptor(nil), m.table...)
}

func (m *Master) lookup(cid uint16, name string) (ParameterDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.table {
		if len(d.Key) != len(name) || d.Key != name {
			continue
		}
		if d.CID != cid {
			return ParameterDescriptor{}, fmt.Errorf("%w: parameter %q has cid %d, not %d", modbus.ErrInvalidArgument, name, d.CID, cid)
		}
		return d, nil
	}
	return ParameterDescriptor{}, fmt.Errorf("%w: parameter %q", modbus.ErrNotFound, name)
}

// GetParameter reads the parameter name into value, host order registers
// or LSB-first packed bits, and returns its encoding.
func (m *Master) GetParameter(ctx context.Context, cid uint16, name string, value []byte) (modbus.ParamType, error) {
	return m.access(ctx, cid, name, value, modbus.AccessRead)
}

// SetParameter writes value to the parameter name and returns its encoding.
func (m *Master) SetParameter(ctx context.Context, cid uint16, name string, value []byte) (modbus.ParamType, error) {
	return m.access(ctx, cid, name, value, modbus.AccessWrite)
}

func (m *Master) access(ctx context.Context, cid uint16, name string, value []byte, mode modbus.AccessMode) (modbus.ParamType, error) {
	if _, _, err := m.started(); err != nil {
		return 0, err
	}
	d, err := m.lookup(cid, name)
	if err != nil {
		return 0, err
	}
	if !d.Access.Allows(mode) {
		return d.ParamType, fmt.Errorf("%w: parameter %q does not allow %s", modbus.ErrNotSupported, name, mode)
	}
	fc, err := functionCode(d.RegisterType, mode)
	if err != nil {
		return d.ParamType, err
	}
	if len(value) < d.BufferSize() {
		return d.ParamType, fmt.Errorf("%w: value buffer holds %d bytes, %q needs %d", modbus.ErrInvalidArgument, len(value), name, d.BufferSize())
	}

	req := Request{
		SlaveAddr: d.SlaveUnitID,
		Command:   fc,
		RegStart:  d.StartRegister,
		RegSize:   d.SizeInRegisters,
	}
	return d.ParamType, m.SendRequest(ctx, req, value)
}

// SendRequest issues req and blocks until the reply arrives or the response
// timeout elapses. Read replies are decoded into data; writes take their
// values from it.
func (m *Master) SendRequest(ctx context.Context, req Request, data []byte) error {
	port, comm, err := m.started()
	if err != nil {
		return err
	}

	select {
	case m.inflight <- struct{}{}:
	default:
		return fmt.Errorf("%w: request already in flight", modbus.ErrBusy)
	}
	defer func() { <-m.inflight }()

	pdu, err := engine.BuildRequest(req.Command, req.RegStart, int(req.RegSize), data)
	if err != nil {
		return err
	}
	if isRead(req.Command) && len(data) < engine.DataSize(req.Command, int(req.RegSize)) {
		return fmt.Errorf("%w: value buffer holds %d bytes, need %d", modbus.ErrInvalidArgument, len(data), engine.DataSize(req.Command, int(req.RegSize)))
	}

	ctx, cancel := context.WithTimeout(ctx, comm.ResponseTimeout)
	defer cancel()

	resp, err := port.Send(ctx, req.SlaveAddr, pdu)
	if err != nil {
		slog.Debug("Modbus request failed", "unit", req.SlaveAddr, "func", req.Command, "start", req.RegStart, "err", err)
		return modbus.Normalize(err)
	}
	if req.SlaveAddr == 0 && comm.Mode.RTUFramed() {
		// broadcast, nobody answers
		return nil
	}
	if err := engine.ParseResponse(pdu, resp, data); err != nil {
		slog.Debug("Invalid modbus response", "unit", req.SlaveAddr, "func", req.Command, "err", err)
		return modbus.Normalize(err)
	}
	return nil
}

func isRead(funcCode byte) bool {
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters:
		return true
	}
	return false
}
