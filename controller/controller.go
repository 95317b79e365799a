// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package controller is the application facing Modbus API. A Master reads
// and writes named parameters of remote slaves; a Slave exposes
// application memory to remote masters and reports every access.
package controller

import (
	"fmt"
	"net"
	"strconv"

	"github.com/ffutop/modbus-controller/internal/config"
	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/transport"
	"github.com/ffutop/modbus-controller/transport/rtu"
	rtuovertcp "github.com/ffutop/modbus-controller/transport/rtu-over-tcp"
	"github.com/ffutop/modbus-controller/transport/tcp"
)

type phase int

const (
	phaseIdle phase = iota
	phaseConfigured
	phaseStarted
	phaseDestroyed
)

func (p phase) String() string {
	switch p {
	case phaseIdle:
		return "idle"
	case phaseConfigured:
		return "configured"
	case phaseStarted:
		return "started"
	case phaseDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

func checkMode(mode config.Mode) error {
	switch mode {
	case config.ModeRTU, config.ModeTCP, config.ModeRTUOverTCP:
		return nil
	case config.ModeASCII, config.ModeUDP:
		return fmt.Errorf("%w: %s mode", modbus.ErrNotSupported, mode)
	default:
		return fmt.Errorf("%w: unknown mode %q", modbus.ErrInvalidArgument, mode)
	}
}

func tcpNetwork(addressType string) string {
	switch addressType {
	case "ipv6":
		return "tcp6"
	case "ipv4":
		return "tcp4"
	default:
		return "tcp"
	}
}

// withDefaultPort appends port to an address given without one.
func withDefaultPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

func newMasterPort(comm config.CommConfig) transport.MasterPort {
	switch comm.Mode {
	case config.ModeRTU:
		return rtu.NewClient(comm)
	case config.ModeRTUOverTCP:
		c := rtuovertcp.NewClient(withDefaultPort(comm.SlaveAddresses[0], comm.IPPort))
		c.Network = tcpNetwork(comm.IPAddressType)
		c.Timeout = comm.ResponseTimeout
		c.ConnectTimeout = comm.ConnectTimeout
		return c
	}
	c := tcp.NewClient()
	c.Network = tcpNetwork(comm.IPAddressType)
	c.DefaultPort = comm.IPPort
	c.Timeout = comm.ResponseTimeout
	c.ConnectTimeout = comm.ConnectTimeout
	return c
}

func newSlavePort(comm config.CommConfig) transport.SlavePort {
	addr := net.JoinHostPort(comm.NetworkInterface, strconv.Itoa(comm.IPPort))
	switch comm.Mode {
	case config.ModeRTU:
		return rtu.NewServer(comm)
	case config.ModeRTUOverTCP:
		s := rtuovertcp.NewServer(addr, comm.UnitAddress)
		s.Network = tcpNetwork(comm.IPAddressType)
		s.MaxConnections = comm.MaxConnections
		return s
	}
	s := tcp.NewServer(addr)
	s.Network = tcpNetwork(comm.IPAddressType)
	s.MaxConnections = comm.MaxConnections
	s.DisconnectTimeout = comm.DisconnectTimeout
	s.EngineTimeout = comm.ResponseTimeout
	return s
}
