// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/ffutop/modbus-controller/controller"
	"github.com/ffutop/modbus-controller/internal/area"
	"github.com/ffutop/modbus-controller/internal/config"
	"github.com/ffutop/modbus-controller/internal/persistence"
	"github.com/ffutop/modbus-controller/modbus"
)

func runMaster(ctx context.Context, cfg config.MasterConfig) error {
	params, err := config.LoadParameterTable(cfg.Parameters)
	if err != nil {
		return err
	}

	m := controller.NewMaster()
	defer m.Destroy()
	if err := m.Setup(cfg.Comm); err != nil {
		return err
	}
	if err := m.SetDescriptorTable(controller.DescriptorsFromConfig(params)); err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		return err
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		poll(ctx, m)
		select {
		case <-ctx.Done():
			slog.Info("Shutting down...")
			return nil
		case <-ticker.C:
		}
	}
}

// poll reads every readable parameter once.
func poll(ctx context.Context, m *controller.Master) {
	for _, d := range m.Descriptors() {
		if !d.Access.Allows(modbus.AccessRead) {
			continue
		}
		value := make([]byte, d.BufferSize())
		pt, err := m.GetParameter(ctx, d.CID, d.Key, value)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Failed to read parameter", "cid", d.CID, "key", d.Key, "unit", d.SlaveUnitID, "err", err)
			continue
		}
		slog.Info("Parameter", "cid", d.CID, "key", d.Key, "value", formatValue(d, pt, value), "units", d.Units)
	}
}

// formatValue renders value, in application memory layout, for logging.
func formatValue(d controller.ParameterDescriptor, pt modbus.ParamType, value []byte) string {
	if d.RegisterType.IsBit() {
		var sb strings.Builder
		for i := 0; i < int(d.SizeInRegisters); i++ {
			if modbus.GetBit(value, i) {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		return sb.String()
	}
	switch pt {
	case modbus.ParamU8:
		return fmt.Sprint(value[:min(len(value), d.ParamSize)])
	case modbus.ParamU16:
		return fmt.Sprint(modbus.Uint16s(value))
	case modbus.ParamU32:
		if len(value) >= 4 {
			return fmt.Sprint(binary.NativeEndian.Uint32(value))
		}
	case modbus.ParamFloat:
		if len(value) >= 4 {
			return fmt.Sprint(math.Float32frombits(binary.NativeEndian.Uint32(value)))
		}
	case modbus.ParamASCII:
		return strings.TrimRight(string(value), "\x00 ")
	}
	return hex.EncodeToString(value)
}

func runSlave(ctx context.Context, cfg config.SlaveConfig) error {
	storage, err := persistence.New(persistence.Options{
		Type:   cfg.Persistence.Type,
		Path:   cfg.Persistence.Path,
		Driver: cfg.Persistence.Driver,
		DSN:    cfg.Persistence.DSN,
	})
	if err != nil {
		return err
	}

	policy := area.RejectOverlap
	if cfg.Overlap == "allow" {
		policy = area.AllowOverlap
	}
	s := controller.NewSlave(controller.WithStorage(storage), controller.WithOverlapPolicy(policy))
	defer s.Destroy()
	if err := s.Setup(cfg.Comm); err != nil {
		return err
	}

	for i, ac := range cfg.Areas {
		t, err := modbus.ParseRegisterType(strings.ToLower(ac.Type))
		if err != nil {
			return fmt.Errorf("area %d: %w", i, err)
		}
		if _, err := s.AllocateArea(t, ac.Start, ac.Size); err != nil {
			return fmt.Errorf("area %d (%s@%d): %w", i, t, ac.Start, err)
		}
	}
	if err := s.Start(ctx); err != nil {
		return err
	}

	for {
		ev, err := s.GetParamInfo(time.Second)
		switch {
		case err == nil:
			slog.Info("Register access", "kind", ev.Kind, "offset", ev.Offset, "size", ev.Size, "time", ev.Time.Format(time.RFC3339Nano))
		case !errors.Is(err, modbus.ErrTimeout):
			return err
		}
		if ctx.Err() != nil {
			slog.Info("Shutting down...")
			return nil
		}
	}
}
