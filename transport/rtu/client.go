// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-controller/internal/config"
	"github.com/ffutop/modbus-controller/modbus"
	rtupacket "github.com/ffutop/modbus-controller/modbus/rtu"
)

type transaction struct {
	ctx     context.Context
	request []byte
	result  chan transactionResult
}

type transactionResult struct {
	frame []byte
	err   error
}

// Client implements a Modbus RTU master.
//
// A poll task owns the port: it waits until the stack is started, then
// writes queued request frames one by one and reads each reply with the
// RTU framer. Callers block in Send until their transaction completes.
type Client struct {
	serialPort

	requests chan *transaction
	started  chan struct{}
	done     chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient allocates and initializes a RTU Client.
func NewClient(cfg config.CommConfig) *Client {
	client := &Client{
		requests: make(chan *transaction),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	client.serialPort.Config = SerialConfig(cfg)
	client.IdleTimeout = serialIdleTimeout
	return client
}

// Connect opens the serial port and starts the poll task.
func (mb *Client) Connect(ctx context.Context) error {
	select {
	case <-mb.done:
		return fmt.Errorf("%w: client closed", modbus.ErrInvalidState)
	default:
	}

	mb.mu.Lock()
	err := mb.connect(ctx)
	mb.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %w", modbus.ErrInvalidState, err)
	}

	mb.startOnce.Do(func() {
		mb.wg.Add(1)
		go mb.poll()
		close(mb.started)
	})
	return nil
}

// Send sends a PDU to the slave and returns the response PDU.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	select {
	case <-mb.started:
	default:
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: serial port not started", modbus.ErrInvalidState)
	}

	adu := &rtupacket.ApplicationDataUnit{SlaveID: slaveID, Pdu: pdu}
	aduBytes, err := adu.Encode()
	if err != nil {
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: failed to encode ADU: %w", modbus.ErrInvalidArgument, err)
	}

	txn := &transaction{ctx: ctx, request: aduBytes, result: make(chan transactionResult, 1)}
	select {
	case mb.requests <- txn:
	case <-ctx.Done():
		return modbus.ProtocolDataUnit{}, classify(ctx.Err())
	case <-mb.done:
		return modbus.ProtocolDataUnit{}, fmt.Errorf("%w: client closed", modbus.ErrInvalidState)
	}

	var res transactionResult
	select {
	case res = <-txn.result:
	case <-ctx.Done():
		return modbus.ProtocolDataUnit{}, classify(ctx.Err())
	}
	if res.err != nil {
		return modbus.ProtocolDataUnit{}, res.err
	}

	if slaveID == rtupacket.BroadcastAddress {
		return modbus.ProtocolDataUnit{}, nil
	}
	respAdu, err := rtupacket.Decode(res.frame)
	if err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	if err := adu.Verify(respAdu); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	return respAdu.Pdu, nil
}

// poll is the background task owning the port.
func (mb *Client) poll() {
	defer mb.wg.Done()

	select {
	case <-mb.started:
	case <-mb.done:
		return
	}
	slog.Debug("RTU poll task started", "device", mb.Config.Address)

	for {
		select {
		case <-mb.done:
			return
		case txn := <-mb.requests:
			frame, err := mb.transact(txn.ctx, txn.request)
			txn.result <- transactionResult{frame: frame, err: err}
		}
	}
}

// transact writes one request frame and reads its reply.
func (mb *Client) transact(ctx context.Context, aduRequest []byte) ([]byte, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if err := mb.connect(ctx); err != nil {
		return nil, err
	}
	mb.lastActivity = time.Now()
	mb.startCloseTimer()

	slog.Debug("send to modbus slave", "request", hex.EncodeToString(aduRequest))
	if _, err := mb.port.Write(aduRequest); err != nil {
		mb.close()
		return nil, fmt.Errorf("%w: %w", modbus.ErrFail, err)
	}

	// no reply to a broadcast, only the turnaround delay
	if aduRequest[0] == rtupacket.BroadcastAddress {
		return nil, mb.wait(ctx, mb.calculateDelay(len(aduRequest)))
	}

	bytesToRead := rtupacket.CalculateResponseLength(aduRequest)
	if err := mb.wait(ctx, mb.calculateDelay(len(aduRequest)+bytesToRead)); err != nil {
		return nil, err
	}

	data, err := rtupacket.ReadResponse(aduRequest[0], aduRequest[1], mb.port, time.Now().Add(mb.Config.Timeout))
	if err != nil {
		if errors.Is(err, modbus.ErrInvalidResponse) || errors.Is(err, modbus.ErrNotSupported) || errors.Is(err, modbus.ErrTimeout) {
			return nil, err
		}
		// a read that ends without a complete frame means the slave stayed silent
		return nil, fmt.Errorf("%w: %w", modbus.ErrTimeout, err)
	}
	slog.Debug("recv from modbus slave", "response", hex.EncodeToString(data))
	return data, nil
}

func (mb *Client) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return classify(ctx.Err())
	case <-mb.done:
		return fmt.Errorf("%w: client closed", modbus.ErrInvalidState)
	case <-t.C:
		return nil
	}
}

// classify marks deadline expiry as a modbus timeout.
func classify(err error) error {
	if modbus.IsTimeout(err) && !errors.Is(err, modbus.ErrTimeout) {
		return fmt.Errorf("%w: %w", modbus.ErrTimeout, err)
	}
	return err
}

// Close stops the poll task and closes the port.
func (mb *Client) Close() error {
	mb.closeOnce.Do(func() { close(mb.done) })
	mb.mu.Lock()
	err := mb.close()
	mb.mu.Unlock()
	mb.wg.Wait()
	return err
}
