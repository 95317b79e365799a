// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-controller/internal/config"
)

const (
	// Default timeout
	serialTimeout     = 1 * time.Second
	serialIdleTimeout = 60 * time.Second
)

// SerialConfig maps a communication descriptor onto the UART settings.
func SerialConfig(cfg config.CommConfig) serial.Config {
	c := serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  cfg.ResponseTimeout,
	}
	if c.Timeout <= 0 {
		c.Timeout = serialTimeout
	}
	if cfg.RS485 {
		c.RS485.Enabled = true
		c.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
		c.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
		c.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
		c.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
		c.RS485.RxDuringTx = cfg.RxDuringTx
	}
	return c
}

// serialPort has configuration and I/O controller.
type serialPort struct {
	// Serial port configuration.
	serial.Config

	IdleTimeout time.Duration

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
}

// connect opens the serial port if it is not open. Caller must hold the mutex.
func (sp *serialPort) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if sp.port == nil {
		port, err := serial.Open(&sp.Config)
		if err != nil {
			return fmt.Errorf("modbus: could not open %s: %w", sp.Config.Address, err)
		}
		slog.Info("Opened serial port", "device", sp.Config.Address, "baudRate", sp.Config.BaudRate, "parity", sp.Config.Parity, "rs485", sp.Config.RS485.Enabled)
		sp.port = port
	}
	return nil
}

// close closes the serial port if it is open. Caller must hold the mutex.
func (sp *serialPort) close() (err error) {
	if sp.closeTimer != nil {
		sp.closeTimer.Stop()
	}
	if sp.port != nil {
		err = sp.port.Close()
		sp.port = nil
	}
	return
}

func (sp *serialPort) startCloseTimer() {
	if sp.IdleTimeout <= 0 {
		return
	}
	if sp.closeTimer == nil {
		sp.closeTimer = time.AfterFunc(sp.IdleTimeout, sp.closeIdle)
	} else {
		sp.closeTimer.Reset(sp.IdleTimeout)
	}
}

// closeIdle closes the port if the last activity is older than IdleTimeout.
// It is reopened by the next transaction.
func (sp *serialPort) closeIdle() {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if sp.IdleTimeout <= 0 || sp.port == nil {
		return
	}
	if idle := time.Since(sp.lastActivity); idle >= sp.IdleTimeout {
		slog.Debug("Closing serial port due to idle timeout", "device", sp.Config.Address, "idle", idle)
		sp.close()
	}
}

// calculateDelay calculates the needed delay to separate frames.
func (sp *serialPort) calculateDelay(chars int) time.Duration {
	var characterDelay, frameDelay int

	if sp.BaudRate <= 0 || sp.BaudRate > 19200 {
		characterDelay = 750
		frameDelay = 1750
	} else {
		characterDelay = 15000000 / sp.BaudRate
		frameDelay = 35000000 / sp.BaudRate
	}
	return time.Duration(characterDelay*chars+frameDelay) * time.Microsecond
}
