// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package controller

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-controller/internal/area"
	"github.com/ffutop/modbus-controller/internal/config"
	"github.com/ffutop/modbus-controller/internal/persistence"
	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/transport"
)

// fakeSlavePort hands the request handler to the test instead of reading
// requests from a wire.
type fakeSlavePort struct {
	handlers chan transport.RequestHandler
	done     chan struct{}
	once     sync.Once
}

func newFakeSlavePort() *fakeSlavePort {
	return &fakeSlavePort{
		handlers: make(chan transport.RequestHandler, 1),
		done:     make(chan struct{}),
	}
}

func (p *fakeSlavePort) Start(ctx context.Context, handler transport.RequestHandler) error {
	p.handlers <- handler
	select {
	case <-ctx.Done():
	case <-p.done:
	}
	return nil
}

func (p *fakeSlavePort) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func newStartedSlave(t *testing.T, comm config.CommConfig, setup func(*Slave), opts ...SlaveOption) (*Slave, transport.RequestHandler) {
	t.Helper()
	port := newFakeSlavePort()
	s := NewSlave(append([]SlaveOption{WithSlavePort(port)}, opts...)...)
	require.NoError(t, s.Setup(comm))
	if setup != nil {
		setup(s)
	}
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Destroy() })
	return s, <-port.handlers
}

func serve(t *testing.T, h transport.RequestHandler, fc byte, data ...byte) modbus.ProtocolDataUnit {
	t.Helper()
	resp, err := h(context.Background(), 1, modbus.ProtocolDataUnit{FunctionCode: fc, Data: data})
	require.NoError(t, err)
	return resp
}

func TestSlave_ReadCoilsPartialByte(t *testing.T) {
	_, h := newStartedSlave(t, config.CommConfig{Mode: config.ModeTCP}, func(s *Slave) {
		require.NoError(t, s.SetDescriptor(area.Descriptor{Type: modbus.RegisterCoil, Start: 0, Mem: []byte{0xFF, 0xFF, 0xFF, 0xFF}}))
	})

	resp := serve(t, h, modbus.FuncCodeReadCoils, 0x00, 0x0A, 0x00, 0x0C)
	require.Equal(t, modbus.ProtocolDataUnit{FunctionCode: 0x01, Data: []byte{0x02, 0xFF, 0x0F}}, resp)
}

func TestSlave_NotificationsAndEvents(t *testing.T) {
	require := require.New(t)

	holding := make([]byte, 8)
	modbus.PutUint16s(holding, 1, 2, 3, 4)
	s, h := newStartedSlave(t, config.CommConfig{Mode: config.ModeRTU, UnitAddress: 1}, func(s *Slave) {
		require.NoError(s.SetDescriptor(area.Descriptor{Type: modbus.RegisterHolding, Start: 100, Mem: holding}))
	})

	resp := serve(t, h, modbus.FuncCodeReadHoldingRegisters, 0x00, 0x65, 0x00, 0x02)
	require.Equal([]byte{0x04, 0x00, 0x02, 0x00, 0x03}, resp.Data)

	resp = serve(t, h, modbus.FuncCodeWriteMultipleRegisters, 0x00, 0x66, 0x00, 0x02, 0x04, 0xCA, 0xFE, 0xBE, 0xEF)
	require.Equal([]byte{0x00, 0x66, 0x00, 0x02}, resp.Data)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := s.CheckEvent(ctx, EventHoldingWrite|EventCoilsWrite)
	require.NoError(err)
	require.Equal(EventHoldingWrite, got)

	// the read bit is still pending, the write bit was cleared
	got, err = s.CheckEvent(ctx, EventMaskAll)
	require.NoError(err)
	require.Equal(EventHoldingRead, got)

	ev, err := s.GetParamInfo(100 * time.Millisecond)
	require.NoError(err)
	require.Equal(EventHoldingRead, ev.Kind)
	require.EqualValues(101, ev.Offset)
	require.Equal(2, ev.Size)

	ev, err = s.GetParamInfo(100 * time.Millisecond)
	require.NoError(err)
	require.Equal(EventHoldingWrite, ev.Kind)
	require.EqualValues(102, ev.Offset)
	require.Equal([]uint16{0xCAFE, 0xBEEF}, modbus.Uint16s(ev.Mem))
	require.Equal([]uint16{1, 2, 0xCAFE, 0xBEEF}, modbus.Uint16s(holding))
	require.False(ev.Time.IsZero())

	_, err = s.GetParamInfo(20 * time.Millisecond)
	require.ErrorIs(err, modbus.ErrTimeout)
}

func TestSlave_CheckEventBlocks(t *testing.T) {
	require := require.New(t)
	s, h := newStartedSlave(t, config.CommConfig{Mode: config.ModeTCP}, func(s *Slave) {
		require.NoError(s.SetDescriptor(area.Descriptor{Type: modbus.RegisterDiscrete, Start: 0, Mem: []byte{0x05}}))
	})

	got := make(chan EventKind, 1)
	go func() {
		k, err := s.CheckEvent(context.Background(), EventDiscreteRead)
		if err == nil {
			got <- k
		}
	}()

	select {
	case <-got:
		t.Fatal("CheckEvent returned before any access")
	case <-time.After(20 * time.Millisecond):
	}

	resp := serve(t, h, modbus.FuncCodeReadDiscreteInputs, 0x00, 0x00, 0x00, 0x03)
	require.Equal([]byte{0x01, 0x05}, resp.Data)
	select {
	case k := <-got:
		require.Equal(EventDiscreteRead, k)
	case <-time.After(time.Second):
		t.Fatal("CheckEvent did not wake up")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.CheckEvent(ctx, EventDiscreteRead)
	require.ErrorIs(err, context.DeadlineExceeded)

	_, err = s.CheckEvent(context.Background(), 0)
	require.ErrorIs(err, modbus.ErrInvalidArgument)
}

func TestSlave_QueueOverflowDrops(t *testing.T) {
	require := require.New(t)
	s, h := newStartedSlave(t, config.CommConfig{Mode: config.ModeTCP, NotifyQueueSize: 2}, func(s *Slave) {
		require.NoError(s.SetDescriptor(area.Descriptor{Type: modbus.RegisterInput, Start: 0, Mem: make([]byte, 2)}))
	})

	for i := 0; i < 3; i++ {
		resp := serve(t, h, modbus.FuncCodeReadInputRegisters, 0x00, 0x00, 0x00, 0x01)
		require.False(resp.IsException())
	}
	for i := 0; i < 2; i++ {
		_, err := s.GetParamInfo(0)
		require.NoError(err)
	}
	_, err := s.GetParamInfo(0)
	require.ErrorIs(err, modbus.ErrTimeout)
}

func TestSlave_Exceptions(t *testing.T) {
	require := require.New(t)
	s, h := newStartedSlave(t, config.CommConfig{Mode: config.ModeTCP}, func(s *Slave) {
		require.NoError(s.SetDescriptor(area.Descriptor{Type: modbus.RegisterHolding, Start: 0, Mem: make([]byte, 4)}))
	})

	resp := serve(t, h, modbus.FuncCodeReadHoldingRegisters, 0x00, 0x01, 0x00, 0x02)
	require.Equal(modbus.Exception(0x03, modbus.ExceptionCodeIllegalDataAddress), resp)

	resp = serve(t, h, modbus.FuncCodeReadCoils, 0x00, 0x00, 0x00, 0x01)
	require.Equal(modbus.Exception(0x01, modbus.ExceptionCodeIllegalDataAddress), resp)

	_, err := s.GetParamInfo(0)
	require.ErrorIs(err, modbus.ErrTimeout, "failed accesses are not reported")

	require.NoError(s.Stop())
	resp = serve(t, h, modbus.FuncCodeReadHoldingRegisters, 0x00, 0x00, 0x00, 0x01)
	require.Equal(modbus.Exception(0x03, modbus.ExceptionCodeServerDeviceBusy), resp)
}

func TestSlave_OverlapPolicy(t *testing.T) {
	s := NewSlave()
	require.NoError(t, s.SetDescriptor(area.Descriptor{Type: modbus.RegisterHolding, Start: 0, Mem: make([]byte, 20)}))
	require.ErrorIs(t, s.SetDescriptor(area.Descriptor{Type: modbus.RegisterHolding, Start: 5, Mem: make([]byte, 2)}), modbus.ErrInvalidArgument)
	require.ErrorIs(t, s.SetDescriptor(area.Descriptor{Type: modbus.RegisterHolding, Start: 0, Mem: make([]byte, 2)}), modbus.ErrInvalidArgument)
	require.ErrorIs(t, s.SetDescriptor(area.Descriptor{Type: modbus.RegisterHolding, Start: 50}), modbus.ErrInvalidArgument)

	first := make([]byte, 20)
	alias := make([]byte, 2)
	modbus.PutUint16s(first, 0, 0, 0, 0, 0, 0x1111)
	modbus.PutUint16s(alias, 0x2222)
	s = NewSlave(WithOverlapPolicy(area.AllowOverlap))
	require.NoError(t, s.SetDescriptor(area.Descriptor{Type: modbus.RegisterHolding, Start: 0, Mem: first}))
	require.NoError(t, s.SetDescriptor(area.Descriptor{Type: modbus.RegisterHolding, Start: 5, Mem: alias}))

	buf := make([]byte, 2)
	require.NoError(t, s.ReadWriteHolding(buf, 5, 1, modbus.AccessRead))
	require.Equal(t, []byte{0x11, 0x11}, buf, "first registered area wins")
}

func TestSlave_PersistentAreas(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	var mem []byte
	s, h := newStartedSlave(t, config.CommConfig{Mode: config.ModeTCP}, func(s *Slave) {
		var err error
		mem, err = s.AllocateArea(modbus.RegisterHolding, 100, 4)
		require.NoError(err)
	}, WithStorage(persistence.NewFileStorage(dir)))

	serve(t, h, modbus.FuncCodeWriteSingleRegister, 0x00, 0x65, 0x12, 0x34)
	require.Equal([]uint16{0, 0x1234}, modbus.Uint16s(mem))
	require.NoError(s.Destroy())

	s = NewSlave(WithStorage(persistence.NewFileStorage(dir)))
	defer s.Destroy()
	mem, err := s.AllocateArea(modbus.RegisterHolding, 100, 4)
	require.NoError(err)
	require.Equal([]uint16{0, 0x1234}, modbus.Uint16s(mem))

	_, err = s.AllocateArea(modbus.RegisterHolding, 100, 0)
	require.ErrorIs(err, modbus.ErrInvalidArgument)
}

func TestSlave_Lifecycle(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	require.ErrorIs(NewSlave().Setup(config.CommConfig{Mode: config.ModeASCII}), modbus.ErrNotSupported)

	port := newFakeSlavePort()
	s := NewSlave(WithSlavePort(port))
	require.ErrorIs(s.Start(ctx), modbus.ErrInvalidState)
	_, err := s.GetParamInfo(0)
	require.ErrorIs(err, modbus.ErrInvalidState)

	require.NoError(s.Setup(config.CommConfig{Mode: config.ModeTCP}))
	require.NoError(s.Start(ctx))
	require.ErrorIs(s.Start(ctx), modbus.ErrInvalidState)

	waiting := make(chan error, 1)
	go func() {
		_, err := s.CheckEvent(context.Background(), EventMaskAll)
		waiting <- err
	}()

	require.NoError(s.Destroy())
	select {
	case err := <-waiting:
		require.ErrorIs(err, modbus.ErrInvalidState)
	case <-time.After(time.Second):
		t.Fatal("CheckEvent not released by Destroy")
	}
	require.ErrorIs(s.Destroy(), modbus.ErrInvalidState)
	require.ErrorIs(s.SetDescriptor(area.Descriptor{Type: modbus.RegisterCoil, Mem: []byte{1}}), modbus.ErrInvalidState)
}

func TestSlave_StartFailsWhenSerialPortMissing(t *testing.T) {
	require := require.New(t)

	s := NewSlave()
	require.NoError(s.Setup(config.CommConfig{
		Mode:        config.ModeRTU,
		UnitAddress: 1,
		Device:      filepath.Join(t.TempDir(), "ttyMissing"),
	}))
	_, err := s.AllocateArea(modbus.RegisterHolding, 0, 4)
	require.NoError(err)

	require.ErrorIs(s.Start(context.Background()), modbus.ErrInvalidState)
	require.ErrorIs(s.Stop(), modbus.ErrInvalidState, "slave must not be started")
	require.NoError(s.Destroy())
}
