// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-controller/internal/area"
	"github.com/ffutop/modbus-controller/internal/config"
	"github.com/ffutop/modbus-controller/internal/engine"
	"github.com/ffutop/modbus-controller/internal/persistence"
	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/transport"
)

// Slave is a Modbus slave controller. It serves the registered areas to
// remote masters and reports every served access through event bits and
// a bounded notification queue.
type Slave struct {
	mu      sync.Mutex
	phase   phase
	comm    config.CommConfig
	port    transport.SlavePort
	ownPort bool
	storage persistence.Storage

	dir    *area.Directory
	engine *engine.Slave
	events *eventGroup
	qmu    sync.RWMutex
	queue  chan ParamAccessEvent

	cancel    context.CancelFunc
	served    chan error
	destroyed chan struct{}
}

var _ engine.RegisterHandler = (*Slave)(nil)

// NewSlave creates an idle slave.
func NewSlave(opts ...SlaveOption) *Slave {
	s := &Slave{
		dir:       area.NewDirectory(area.RejectOverlap),
		events:    newEventGroup(),
		destroyed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.storage == nil {
		s.storage = persistence.NewMemoryStorage()
	}
	s.engine = engine.NewSlave(s)
	return s
}

// Setup configures the communication of an idle slave.
func (s *Slave) Setup(comm config.CommConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseIdle {
		return fmt.Errorf("%w: setup in phase %s", modbus.ErrInvalidState, s.phase)
	}
	comm.ApplyDefaults()
	if err := checkMode(comm.Mode); err != nil {
		return err
	}
	s.comm = comm
	s.qmu.Lock()
	s.queue = make(chan ParamAccessEvent, comm.NotifyQueueSize)
	s.qmu.Unlock()
	if s.port == nil {
		s.port = newSlavePort(comm)
		s.ownPort = true
	}
	s.phase = phaseConfigured
	return nil
}

// SetDescriptor registers an area of application memory. The memory stays
// owned by the caller and is accessed in place.
func (s *Slave) SetDescriptor(desc area.Descriptor) error {
	if s.isDestroyed() {
		return fmt.Errorf("%w: slave destroyed", modbus.ErrInvalidState)
	}
	a, err := s.dir.Add(desc)
	if err != nil {
		return err
	}
	slog.Debug("Registered area", "type", a.Type, "start", a.Start, "span", a.Span())
	return nil
}

// AllocateArea registers an area whose memory comes from the slave's
// storage, restoring earlier content. Writes from the wire are synced back.
func (s *Slave) AllocateArea(t modbus.RegisterType, start uint16, size int) ([]byte, error) {
	if s.isDestroyed() {
		return nil, fmt.Errorf("%w: slave destroyed", modbus.ErrInvalidState)
	}
	if size < area.MinAreaSize || size > area.MaxAreaSize {
		return nil, fmt.Errorf("%w: area size %d out of range [%d, %d]", modbus.ErrInvalidArgument, size, area.MinAreaSize, area.MaxAreaSize)
	}
	key := persistence.Key{Type: t, Start: start}
	mem, err := s.storage.Load(key, size)
	if err != nil {
		return nil, fmt.Errorf("%w: load area %s: %w", modbus.ErrFail, key, err)
	}
	err = s.SetDescriptor(area.Descriptor{
		Type:   t,
		Start:  start,
		Mem:    mem,
		Syncer: persistence.AreaSyncer{Storage: s.storage, Key: key},
	})
	if err != nil {
		return nil, err
	}
	return mem, nil
}

// Start starts serving requests.
func (s *Slave) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseConfigured {
		return fmt.Errorf("%w: start in phase %s", modbus.ErrInvalidState, s.phase)
	}
	if s.dir.Len() == 0 {
		slog.Warn("Slave started without register areas")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	served := make(chan error, 1)
	port := s.port
	s.engine.Enable()
	go func() { served <- port.Start(runCtx, s.engine.Handle) }()

	// a listening port reports readiness, anything else is up once running
	if r, ok := port.(interface{ Ready() <-chan struct{} }); ok {
		select {
		case <-r.Ready():
		case err := <-served:
			cancel()
			s.engine.Disable()
			if err == nil {
				err = errors.New("port stopped")
			}
			return fmt.Errorf("%w: %w", modbus.ErrInvalidState, err)
		case <-ctx.Done():
			cancel()
			port.Close()
			s.engine.Disable()
			return fmt.Errorf("%w: %w", modbus.ErrInvalidState, ctx.Err())
		}
	}

	s.cancel = cancel
	s.served = served
	s.phase = phaseStarted
	slog.Info("Slave started", "mode", s.comm.Mode, "unit", s.comm.UnitAddress, "areas", s.dir.Len())
	return nil
}

// Stop stops serving. Requests arriving meanwhile are answered busy.
func (s *Slave) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseStarted {
		return fmt.Errorf("%w: stop in phase %s", modbus.ErrInvalidState, s.phase)
	}
	return s.stop()
}

func (s *Slave) stop() error {
	s.engine.Disable()
	s.cancel()
	err := s.port.Close()
	if serr := <-s.served; serr != nil {
		slog.Error("Slave port stopped with error", "err", serr)
	}
	if s.ownPort {
		// ports do not survive Close
		s.port = newSlavePort(s.comm)
	}
	s.phase = phaseConfigured
	return err
}

// Destroy stops the slave, drops every area and closes the storage.
// Waiters in CheckEvent return modbus.ErrInvalidState.
func (s *Slave) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == phaseDestroyed {
		return fmt.Errorf("%w: already destroyed", modbus.ErrInvalidState)
	}
	var errs []error
	if s.phase == phaseStarted {
		errs = append(errs, s.stop())
	}
	s.dir.Reset()
	errs = append(errs, s.storage.Close())
	close(s.destroyed)
	s.phase = phaseDestroyed
	return errors.Join(errs...)
}

func (s *Slave) isDestroyed() bool {
	select {
	case <-s.destroyed:
		return true
	default:
		return false
	}
}

// Handler exposes the protocol engine, for serving the slave's areas
// through a port the caller runs itself.
func (s *Slave) Handler() transport.RequestHandler { return s.engine.Handle }

// CheckEvent blocks until an access of a kind in mask happened, then
// returns and clears those kinds.
func (s *Slave) CheckEvent(ctx context.Context, mask EventKind) (EventKind, error) {
	if mask&EventMaskAll == 0 {
		return 0, fmt.Errorf("%w: empty event mask", modbus.ErrInvalidArgument)
	}
	return s.events.wait(ctx, mask&EventMaskAll, s.destroyed)
}

// GetParamInfo dequeues the oldest access notification, waiting up to
// timeout for one to arrive.
func (s *Slave) GetParamInfo(timeout time.Duration) (ParamAccessEvent, error) {
	s.qmu.RLock()
	queue := s.queue
	s.qmu.RUnlock()
	if queue == nil {
		return ParamAccessEvent{}, fmt.Errorf("%w: slave not set up", modbus.ErrInvalidState)
	}

	select {
	case ev := <-queue:
		return ev, nil
	default:
	}
	if timeout <= 0 {
		return ParamAccessEvent{}, fmt.Errorf("%w: no access notification", modbus.ErrTimeout)
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-queue:
		return ev, nil
	case <-t.C:
		return ParamAccessEvent{}, fmt.Errorf("%w: no access notification within %v", modbus.ErrTimeout, timeout)
	}
}

// ReadInput implements engine.RegisterHandler.
func (s *Slave) ReadInput(buf []byte, addr uint16, count int) error {
	return s.access(modbus.RegisterInput, buf, addr, count, modbus.AccessRead)
}

// ReadWriteHolding implements engine.RegisterHandler.
func (s *Slave) ReadWriteHolding(buf []byte, addr uint16, count int, mode modbus.AccessMode) error {
	return s.access(modbus.RegisterHolding, buf, addr, count, mode)
}

// ReadWriteCoils implements engine.RegisterHandler.
func (s *Slave) ReadWriteCoils(buf []byte, addr uint16, count int, mode modbus.AccessMode) error {
	return s.access(modbus.RegisterCoil, buf, addr, count, mode)
}

// ReadDiscrete implements engine.RegisterHandler.
func (s *Slave) ReadDiscrete(buf []byte, addr uint16, count int) error {
	return s.access(modbus.RegisterDiscrete, buf, addr, count, modbus.AccessRead)
}

func (s *Slave) access(t modbus.RegisterType, buf []byte, addr uint16, count int, mode modbus.AccessMode) error {
	a, err := s.dir.Find(t, addr, count)
	if err != nil {
		return err
	}
	if mode == modbus.AccessWrite {
		a.Write(buf, addr, count)
	} else {
		a.Read(buf, addr, count)
	}

	kind := eventKind(t, mode)
	s.events.set(kind)
	s.notify(ParamAccessEvent{
		Time:   time.Now(),
		Offset: addr,
		Kind:   kind,
		Mem:    a.Slice(addr, count),
		Size:   count,
	})
	return nil
}

func (s *Slave) notify(ev ParamAccessEvent) {
	s.qmu.RLock()
	queue := s.queue
	s.qmu.RUnlock()
	if queue == nil {
		return
	}
	select {
	case queue <- ev:
	default:
		slog.Warn("Notification queue full, dropping access event", "kind", ev.Kind, "offset", ev.Offset, "size", ev.Size)
	}
}
