// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtuovertcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/transport"
	"github.com/ffutop/modbus-controller/transport/rtu"
)

// Server implements a Modbus RTU over TCP slave port.
// It listens on a TCP port and handles incoming connections as Modbus RTU
// streams, answering the frames addressed to UnitAddress.
type Server struct {
	Network        string // "tcp4" or "tcp6", "tcp" when empty
	Address        string
	UnitAddress    byte
	MaxConnections int // 0 for no limit

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	done     chan struct{}
	once     sync.Once

	conns  *xsync.MapOf[uint64, net.Conn]
	nextID atomic.Uint64
	wg     sync.WaitGroup
}

// NewServer creates a new RTU over TCP Server.
func NewServer(address string, unit byte) *Server {
	return &Server{
		Address:     address,
		UnitAddress: unit,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
		conns:       xsync.NewMapOf[uint64, net.Conn](),
	}
}

// Ready is closed once the server listens.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listening address, nil before Ready.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: no handler defined for RTU over TCP server", modbus.ErrInvalidArgument)
	}
	network := s.Network
	if network == "" {
		network = "tcp"
	}
	listener, err := net.Listen(network, s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		listener.Close()
		return nil
	default:
	}
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)
	slog.Info("RTU over TCP server listening", "addr", listener.Addr(), "unit", s.UnitAddress)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		listener.Close()
		s.conns.Range(func(_ uint64, c net.Conn) bool {
			c.Close()
			return true
		})
	}()

	// every stream shares the register memory behind handler
	var handlerMu sync.Mutex
	serialized := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		handlerMu.Lock()
		defer handlerMu.Unlock()
		return handler(ctx, slaveID, pdu)
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.closed() {
				s.wg.Wait()
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}
		if s.MaxConnections > 0 && s.conns.Size() >= s.MaxConnections {
			slog.Warn("Too many connections, rejecting", "addr", conn.RemoteAddr(), "max", s.MaxConnections)
			conn.Close()
			continue
		}
		id := s.nextID.Add(1)
		s.conns.Store(id, conn)
		// the shutdown sweep may have run before Store
		if ctx.Err() != nil || s.closed() {
			s.conns.Delete(id)
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.conns.Delete(id)
			defer conn.Close()
			slog.Info("New RTU over TCP client connected", "addr", conn.RemoteAddr())
			if err := rtu.Serve(ctx, conn, s.UnitAddress, serialized); err != nil {
				slog.Debug("RTU over TCP client disconnected", "addr", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

func (s *Server) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Close closes the listener and every client connection.
func (s *Server) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
