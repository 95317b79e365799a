// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ffutop/modbus-controller/modbus"
)

const (
	tcpTimeout        = 1 * time.Second
	tcpConnectTimeout = 5 * time.Second
	defaultPort       = 502
)

// SlaveAddressEntry binds a unit id to the endpoint serving it.
type SlaveAddressEntry struct {
	Index   int
	Address string // "host" or "host:port"
	UnitID  byte
}

type slaveLink struct {
	entry SlaveAddressEntry

	mu   sync.Mutex
	conn net.Conn
}

// Client implements a Modbus TCP Client talking to a set of slaves keyed
// by unit id. Connections are kept open and re-dialled after a failure.
type Client struct {
	Network        string // "tcp4" or "tcp6", "tcp" when empty
	DefaultPort    int
	Timeout        time.Duration
	ConnectTimeout time.Duration

	slaves        *xsync.MapOf[byte, *slaveLink]
	transactionID uint32 // Atomic counter
}

// NewClient allocates and initializes a TCP Client.
func NewClient() *Client {
	return &Client{
		Network:        "tcp",
		DefaultPort:    defaultPort,
		Timeout:        tcpTimeout,
		ConnectTimeout: tcpConnectTimeout,
		slaves:         xsync.NewMapOf[byte, *slaveLink](),
	}
}

// AddSlave registers the endpoint of a unit id.
func (mb *Client) AddSlave(entry SlaveAddressEntry) error {
	if entry.Address == "" {
		return fmt.Errorf("%w: empty address for unit %d", modbus.ErrInvalidArgument, entry.UnitID)
	}
	if _, loaded := mb.slaves.LoadOrStore(entry.UnitID, &slaveLink{entry: entry}); loaded {
		return fmt.Errorf("%w: unit %d already registered", modbus.ErrInvalidArgument, entry.UnitID)
	}
	return nil
}

// RemoveSlave forgets the endpoint of a unit id and closes its connection.
func (mb *Client) RemoveSlave(unitID byte) {
	if l, ok := mb.slaves.LoadAndDelete(unitID); ok {
		l.mu.Lock()
		mb.drop(l)
		l.mu.Unlock()
	}
}

// Slaves returns the registered entries ordered by index.
func (mb *Client) Slaves() []SlaveAddressEntry {
	var out []SlaveAddressEntry
	mb.slaves.Range(func(_ byte, l *slaveLink) bool {
		out = append(out, l.entry)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (mb *Client) endpoint(address string) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	port := mb.DefaultPort
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func (mb *Client) network() string {
	if mb.Network == "" {
		return "tcp"
	}
	return mb.Network
}

// Connect dials every registered slave. It fails with modbus.ErrInvalidState
// when a slave cannot be reached within ConnectTimeout.
func (mb *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, mb.ConnectTimeout)
	defer cancel()

	var errs []error
	for _, entry := range mb.Slaves() {
		l, _ := mb.slaves.Load(entry.UnitID)
		l.mu.Lock()
		err := mb.dial(ctx, l)
		l.mu.Unlock()
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", modbus.ErrInvalidState, err)
	}
	return nil
}

// dial connects l if it is not connected. Caller must hold l.mu.
func (mb *Client) dial(ctx context.Context, l *slaveLink) error {
	if l.conn != nil {
		return nil
	}
	d := net.Dialer{Timeout: mb.ConnectTimeout}
	addr := mb.endpoint(l.entry.Address)
	conn, err := d.DialContext(ctx, mb.network(), addr)
	if err != nil {
		return fmt.Errorf("modbus: failed to connect to %s: %w", addr, err)
	}
	slog.Info("Connected to modbus tcp slave", "addr", addr, "unit", l.entry.UnitID)
	l.conn = conn
	return nil
}

// Send sends a PDU to a Slave and returns the response PDU.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	l, ok := mb.slaves.Load(slaveID)
	if !ok {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: no slave address for unit %d", modbus.ErrNotFound, slaveID)
	}

	// Transaction ID: Incrementing
	tid := uint16(atomic.AddUint32(&mb.transactionID, 1))
	adu := NewADU(tid, slaveID, pdu)
	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: failed to encode ADU: %w", modbus.ErrInvalidArgument, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	deadline := time.Now().Add(mb.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	if err := mb.dial(dctx, l); err != nil {
		return modbus.ProtocolDataUnit{}, classify(err)
	}
	conn := l.conn
	if err := conn.SetDeadline(deadline); err != nil {
		mb.drop(l)
		return modbus.ProtocolDataUnit{}, err
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	resp, err := mb.sendAndRead(conn, adu, aduBytes)
	if err != nil {
		// the stream position is unknown after a failure
		mb.drop(l)
		if cerr := ctx.Err(); errors.Is(cerr, context.Canceled) {
			return modbus.ProtocolDataUnit{}, cerr
		}
		return modbus.ProtocolDataUnit{}, classify(err)
	}
	return resp.Pdu, nil
}

func (mb *Client) drop(l *slaveLink) {
	if l.conn != nil {
		l.conn.Close()
		l.conn = nil
	}
}

func (mb *Client) sendAndRead(conn net.Conn, req *ApplicationDataUnit, aduRequest []byte) (*ApplicationDataUnit, error) {
	slog.Debug("send to modbus tcp slave", "request", hex.EncodeToString(aduRequest))
	if _, err := conn.Write(aduRequest); err != nil {
		return nil, err
	}

	for {
		// Read MBAP Header (first 6 bytes)
		mbapHeader := make([]byte, mbapLengthEnd)
		if _, err := io.ReadFull(conn, mbapHeader); err != nil {
			return nil, err
		}

		// Parse Length
		length := int(binary.BigEndian.Uint16(mbapHeader[4:]))
		if length < 2 || mbapLengthEnd+length > tcpMaxSize {
			return nil, fmt.Errorf("%w: invalid length '%v' in response header", modbus.ErrInvalidResponse, length)
		}

		// Read remaining bytes (UnitID + PDU)
		response := make([]byte, mbapLengthEnd+length)
		copy(response, mbapHeader)
		if _, err := io.ReadFull(conn, response[mbapLengthEnd:]); err != nil {
			return nil, err
		}
		slog.Debug("recv from modbus tcp slave", "response", hex.EncodeToString(response))

		resp, err := Decode(response)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", modbus.ErrInvalidResponse, err)
		}
		if resp.TransactionID != req.TransactionID {
			slog.Warn("Discarding stale response", "tid", resp.TransactionID, "want", req.TransactionID)
			continue
		}
		if err := req.Verify(resp); err != nil {
			return nil, err
		}
		return resp, nil
	}
}

// classify marks deadline expiry as a modbus timeout.
func classify(err error) error {
	if modbus.IsTimeout(err) && !errors.Is(err, modbus.ErrTimeout) {
		return fmt.Errorf("%w: %w", modbus.ErrTimeout, err)
	}
	return err
}

// Close closes every slave connection.
func (mb *Client) Close() error {
	mb.slaves.Range(func(_ byte, l *slaveLink) bool {
		l.mu.Lock()
		mb.drop(l)
		l.mu.Unlock()
		return true
	})
	return nil
}
