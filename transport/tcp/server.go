// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/transport"
)

const (
	defaultMaxConnections    = 5
	defaultDisconnectTimeout = 60 * time.Second
	defaultEngineTimeout     = 1 * time.Second
)

// txnKey identifies a transaction of the slave port across connections.
type txnKey struct {
	connID uint64
	tid    uint16
}

type transaction struct {
	key     txnKey
	slaveID byte
	pdu     modbus.ProtocolDataUnit
}

// Server implements a Modbus TCP Server.
//
// Every connection has its own reader goroutine that reassembles frames.
// Frames are serialized into a single engine goroutine running the
// handler; its replies travel back over one shared handoff channel and are
// matched against the transaction the dispatcher is waiting for.
type Server struct {
	Network           string // "tcp4" or "tcp6", "tcp" when empty
	Address           string
	MaxConnections    int
	DisconnectTimeout time.Duration
	// EngineTimeout bounds the wait for the handler's reply.
	EngineTimeout time.Duration

	handler transport.RequestHandler

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	done     chan struct{}

	conns  *xsync.MapOf[uint64, *clientConn]
	nextID atomic.Uint64

	dispatchMu sync.Mutex // one transaction at a time across all clients
	requests   chan transaction
	responses  chan transaction

	wg sync.WaitGroup
}

// NewServer creates a new TCP Server.
func NewServer(address string) *Server {
	return &Server{
		Address:           address,
		MaxConnections:    defaultMaxConnections,
		DisconnectTimeout: defaultDisconnectTimeout,
		EngineTimeout:     defaultEngineTimeout,
		ready:             make(chan struct{}),
		done:              make(chan struct{}),
		conns:             xsync.NewMapOf[uint64, *clientConn](),
		requests:          make(chan transaction),
		responses:         make(chan transaction, 1),
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

// Connections returns the number of live client connections.
func (s *Server) Connections() int { return s.conns.Size() }

// Start starts the TCP server.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("%w: no handler defined for TCP server", modbus.ErrInvalidArgument)
	}
	s.handler = handler

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
	slog.Info("Modbus TCP server listening", "addr", listener.Addr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engineLoop(ctx)
	}()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		cancel()
		s.Close()
	}()

	defer s.wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Check if closed
			select {
			case <-ctx.Done():
				return nil
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			continue
		}

		if s.conns.Size() >= s.MaxConnections {
			slog.Warn("Too many TCP clients, rejecting", "addr", conn.RemoteAddr(), "max", s.MaxConnections)
			conn.Close()
			continue
		}

		c := newClientConn(s.nextID.Add(1), conn)
		s.conns.Store(c.id, c)
		select {
		case <-s.done:
			s.conns.Delete(c.id)
			c.close()
			return nil
		default:
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, c)
		}()
	}
}

// Close closes the listener and every client connection.
func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
		close(s.done)
	}
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Unlock()

	s.conns.Range(func(id uint64, c *clientConn) bool {
		c.close()
		return true
	})
	return err
}

// engineLoop runs the handler for one transaction at a time.
func (s *Server) engineLoop(ctx context.Context) {
	for {
		var txn transaction
		select {
		case <-ctx.Done():
			return
		case txn = <-s.requests:
		}

		resp, err := s.handler(ctx, txn.slaveID, txn.pdu)
		if err != nil {
			slog.Error("Handler failed", "conn", txn.key.connID, "tid", txn.key.tid, "err", err)
			resp = modbus.Exception(txn.pdu.FunctionCode, modbus.ExceptionCodeServerDeviceFailure)
		}
		txn.pdu = resp

		select {
		case <-ctx.Done():
			return
		case s.responses <- txn:
		}
	}
}

func (s *Server) handleConnection(ctx context.Context, c *clientConn) {
	defer func() {
		s.conns.Delete(c.id)
		c.close()
	}()
	slog.Info("New TCP client connected", "addr", c.conn.RemoteAddr(), "conn", c.id)

	buf := make([]byte, tcpMaxSize)
	for {
		if s.DisconnectTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(s.DisconnectTimeout))
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.touch()
			frames, ferr := c.feed(buf[:n])
			for _, frame := range frames {
				if werr := s.dispatch(ctx, c, frame); werr != nil {
					slog.Error("Failed to write response to connection", "addr", c.conn.RemoteAddr(), "err", werr)
					return
				}
			}
			if ferr != nil {
				slog.Error("Closing TCP client on protocol violation", "addr", c.conn.RemoteAddr(), "err", ferr)
				return
			}
		}
		if err != nil {
			var ne net.Error
			switch {
			case err == io.EOF:
				slog.Info("TCP client disconnected gracefully", "addr", c.conn.RemoteAddr())
			case errors.As(err, &ne) && ne.Timeout():
				slog.Info("Closing idle TCP client", "addr", c.conn.RemoteAddr(), "idle", c.idle())
			case errors.Is(err, net.ErrClosed):
			default:
				slog.Error("Failed to read from connection", "addr", c.conn.RemoteAddr(), "err", err)
			}
			return
		}
	}
}

// dispatch hands one frame to the engine and writes the matching reply
// back. A failed write is returned; every other failure drops the frame.
func (s *Server) dispatch(ctx context.Context, c *clientConn, frame []byte) error {
	adu, err := Decode(frame)
	if err != nil {
		slog.Error("Failed to decode TCP request", "err", err)
		return nil
	}
	slog.Debug("recv from modbus tcp master", "conn", c.id, "request", hex.EncodeToString(frame))

	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	want := txnKey{connID: c.id, tid: adu.TransactionID}
	timer := time.NewTimer(s.EngineTimeout)
	defer timer.Stop()

	select {
	case s.requests <- transaction{key: want, slaveID: adu.SlaveID, pdu: adu.Pdu}:
	case <-timer.C:
		slog.Warn("Engine busy, dropping request", "conn", c.id, "tid", adu.TransactionID)
		return nil
	case <-ctx.Done():
		return nil
	}
	c.setState(stateAwaitingResponse)

	var resp transaction
	for {
		select {
		case resp = <-s.responses:
		case <-timer.C:
			slog.Warn("Engine response timed out", "conn", c.id, "tid", adu.TransactionID)
			return nil
		case <-ctx.Done():
			return nil
		}
		if resp.key == want {
			break
		}
		slog.Warn("Discarding response of another transaction", "conn", resp.key.connID, "tid", resp.key.tid, "want_conn", want.connID, "want_tid", want.tid)
	}

	respRaw, err := NewADU(adu.TransactionID, adu.SlaveID, resp.pdu).Encode()
	if err != nil {
		slog.Error("Failed to encode TCP response", "err", err)
		return nil
	}
	slog.Debug("send to modbus tcp master", "conn", c.id, "response", hex.EncodeToString(respRaw))
	_, err = c.conn.Write(respRaw)
	return err
}
