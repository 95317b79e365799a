// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package controller

import (
	"github.com/ffutop/modbus-controller/internal/area"
	"github.com/ffutop/modbus-controller/internal/persistence"
	"github.com/ffutop/modbus-controller/transport"
)

// MasterOption configures a Master.
type MasterOption func(*Master)

// WithMasterPort makes Setup use port instead of building one from the
// communication descriptor.
func WithMasterPort(port transport.MasterPort) MasterOption {
	return func(m *Master) { m.port = port }
}

// SlaveOption configures a Slave.
type SlaveOption func(*Slave)

// WithSlavePort makes Setup use port instead of building one from the
// communication descriptor.
func WithSlavePort(port transport.SlavePort) SlaveOption {
	return func(s *Slave) { s.port = port }
}

// WithOverlapPolicy sets how the area directory treats overlapping areas.
// Overlap is rejected by default.
func WithOverlapPolicy(policy area.OverlapPolicy) SlaveOption {
	return func(s *Slave) { s.dir = area.NewDirectory(policy) }
}

// WithStorage backs areas created by AllocateArea with storage. The slave
// closes it on Destroy.
func WithStorage(storage persistence.Storage) SlaveOption {
	return func(s *Slave) { s.storage = storage }
}
