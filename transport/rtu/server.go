// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/ffutop/modbus-controller/internal/config"
	"github.com/ffutop/modbus-controller/modbus"
	rtupacket "github.com/ffutop/modbus-controller/modbus/rtu"
	"github.com/ffutop/modbus-controller/transport"
)

// Server implements a Modbus RTU slave. It waits on the serial bus for
// requests from an external master and answers those addressed to
// UnitAddress. Broadcast requests are processed without a reply.
type Server struct {
	serialPort

	UnitAddress byte

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new RTU Server.
func NewServer(cfg config.CommConfig) *Server {
	s := &Server{
		UnitAddress: cfg.UnitAddress,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.serialPort.Config = SerialConfig(cfg)
	return s
}

// Start opens the serial port and serves requests until ctx is cancelled
// or Close is called.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	s.mu.Lock()
	err := s.connect(ctx)
	port := s.port
	s.mu.Unlock()
	if err != nil {
		return err
	}
	close(s.ready)
	slog.Info("RTU Server listening", "device", s.Config.Address, "unit", s.UnitAddress)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			cancel()
		}
		s.mu.Lock()
		s.close()
		s.mu.Unlock()
	}()

	err = s.scanLoop(ctx, port, handler)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) scanLoop(ctx context.Context, port io.ReadWriter, handler transport.RequestHandler) error {
	return Serve(ctx, port, s.UnitAddress, handler)
}

// Serve reads RTU request frames from rw and answers those addressed to
// unit, until rw is closed or ctx is done. Frames failing CRC or addressed
// to other units are dropped; broadcasts are handled without a reply.
func Serve(ctx context.Context, rw io.ReadWriter, unit byte, handler transport.RequestHandler) error {
	buf := make([]byte, rtupacket.MaxSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := rtupacket.ReadRequest(rw, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("modbus: serial port closed: %w", err)
			}
			var ne net.Error
			if errors.As(err, &ne) && !ne.Timeout() {
				return fmt.Errorf("modbus: connection failed: %w", err)
			}
			if n > 0 {
				slog.Debug("Discarding invalid rtu frame", "frame", hex.EncodeToString(buf[:n]), "err", err)
			}
			continue
		}

		adu, err := rtupacket.Decode(buf[:n])
		if err != nil {
			slog.Debug("Discarding rtu frame", "frame", hex.EncodeToString(buf[:n]), "err", err)
			continue
		}
		broadcast := adu.SlaveID == rtupacket.BroadcastAddress
		if !broadcast && adu.SlaveID != unit {
			continue
		}

		// the handler may keep the data beyond this frame
		req := modbus.ProtocolDataUnit{
			FunctionCode: adu.Pdu.FunctionCode,
			Data:         append([]byte(nil), adu.Pdu.Data...),
		}
		resp, err := handler(ctx, adu.SlaveID, req)
		if err != nil {
			slog.Error("Failed to process rtu request", "unit", adu.SlaveID, "err", err)
			continue
		}
		if broadcast {
			continue
		}

		respAdu := &rtupacket.ApplicationDataUnit{SlaveID: unit, Pdu: resp}
		raw, err := respAdu.Encode()
		if err != nil {
			slog.Error("Failed to encode rtu response", "err", err)
			continue
		}
		if _, err := rw.Write(raw); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("modbus: failed to write rtu response: %w", err)
		}
	}
}

// Ready is closed once the serial port is open.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Close stops a running Start.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}
