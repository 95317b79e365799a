// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tbrandon/mbserver"

	"github.com/ffutop/modbus-controller/modbus"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// fakeSlave accepts connections and answers each request through reply.
// reply gets the request frame and the index of the accepted connection.
func fakeSlave(t *testing.T, reply func(conn net.Conn, req *ApplicationDataUnit, connIndex int)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for i := 0; ; i++ {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn, idx int) {
				defer c.Close()
				for {
					frame, err := readFrame(t, c, 5*time.Second)
					if err != nil {
						return
					}
					req, err := Decode(frame)
					if err != nil {
						return
					}
					reply(c, req, idx)
				}
			}(conn, i)
		}
	}()
	return l.Addr().String()
}

func writeADU(c net.Conn, tid uint16, unit byte, pdu modbus.ProtocolDataUnit) {
	raw, _ := NewADU(tid, unit, pdu).Encode()
	c.Write(raw)
}

var readTwo = modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeReadHoldingRegisters, Data: []byte{0x00, 0x64, 0x00, 0x02}}

func TestClient_ExternalSlave(t *testing.T) {
	addr := freeAddr(t)
	slave := mbserver.NewServer()
	slave.HoldingRegisters[100] = 0x0001
	slave.HoldingRegisters[101] = 0x0002
	require.NoError(t, slave.ListenTCP(addr))
	defer slave.Close()

	client := NewClient()
	require.NoError(t, client.AddSlave(SlaveAddressEntry{Index: 0, Address: addr, UnitID: 1}))
	require.NoError(t, client.Connect(context.Background()))
	defer client.Close()

	resp, err := client.Send(context.Background(), 1, readTwo)
	require.NoError(t, err)
	require.Equal(t, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x04, 0x00, 0x01, 0x00, 0x02}}, resp)

	write := modbus.ProtocolDataUnit{FunctionCode: modbus.FuncCodeWriteMultipleRegisters, Data: []byte{0x00, 0x0A, 0x00, 0x01, 0x02, 0xBE, 0xEF}}
	resp, err = client.Send(context.Background(), 1, write)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x0A, 0x00, 0x01}, resp.Data)
	require.EqualValues(t, 0xBEEF, slave.HoldingRegisters[10])
}

func TestClient_DiscardsMismatchedTransaction(t *testing.T) {
	addr := fakeSlave(t, func(c net.Conn, req *ApplicationDataUnit, _ int) {
		writeADU(c, req.TransactionID+100, req.SlaveID, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x04, 0xDE, 0xAD, 0xBE, 0xEF}})
		writeADU(c, req.TransactionID, req.SlaveID, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x04, 0x00, 0x01, 0x00, 0x02}})
	})

	client := NewClient()
	require.NoError(t, client.AddSlave(SlaveAddressEntry{Address: addr, UnitID: 1}))
	defer client.Close()

	resp, err := client.Send(context.Background(), 1, readTwo)
	require.NoError(t, err)
	require.Equal(t, []byte{0x04, 0x00, 0x01, 0x00, 0x02}, resp.Data)
}

func TestClient_TimeoutThenReconnect(t *testing.T) {
	addr := fakeSlave(t, func(c net.Conn, req *ApplicationDataUnit, connIndex int) {
		if connIndex == 0 {
			return // swallow the request
		}
		writeADU(c, req.TransactionID, req.SlaveID, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x04, 0x00, 0x01, 0x00, 0x02}})
	})

	client := NewClient()
	client.Timeout = 100 * time.Millisecond
	require.NoError(t, client.AddSlave(SlaveAddressEntry{Address: addr, UnitID: 1}))
	defer client.Close()

	start := time.Now()
	_, err := client.Send(context.Background(), 1, readTwo)
	require.ErrorIs(t, err, modbus.ErrTimeout)
	require.Less(t, time.Since(start), time.Second)

	resp, err := client.Send(context.Background(), 1, readTwo)
	require.NoError(t, err)
	require.Equal(t, []byte{0x04, 0x00, 0x01, 0x00, 0x02}, resp.Data)
}

func TestClient_WrongUnitInReply(t *testing.T) {
	addr := fakeSlave(t, func(c net.Conn, req *ApplicationDataUnit, _ int) {
		writeADU(c, req.TransactionID, req.SlaveID+1, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0x04, 0, 1, 0, 2}})
	})

	client := NewClient()
	require.NoError(t, client.AddSlave(SlaveAddressEntry{Address: addr, UnitID: 1}))
	defer client.Close()

	_, err := client.Send(context.Background(), 1, readTwo)
	require.ErrorIs(t, err, modbus.ErrInvalidResponse)
}

func TestClient_ConnectFailure(t *testing.T) {
	client := NewClient()
	client.ConnectTimeout = 200 * time.Millisecond
	require.NoError(t, client.AddSlave(SlaveAddressEntry{Address: freeAddr(t), UnitID: 1}))

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, modbus.ErrInvalidState)
}

func TestClient_Slaves(t *testing.T) {
	client := NewClient()
	require.NoError(t, client.AddSlave(SlaveAddressEntry{Index: 1, Address: "10.0.0.2", UnitID: 9}))
	require.NoError(t, client.AddSlave(SlaveAddressEntry{Index: 0, Address: "10.0.0.1:1502", UnitID: 3}))
	require.ErrorIs(t, client.AddSlave(SlaveAddressEntry{Index: 2, Address: "10.0.0.3", UnitID: 3}), modbus.ErrInvalidArgument)
	require.ErrorIs(t, client.AddSlave(SlaveAddressEntry{Index: 2, UnitID: 4}), modbus.ErrInvalidArgument)

	require.Equal(t, []SlaveAddressEntry{
		{Index: 0, Address: "10.0.0.1:1502", UnitID: 3},
		{Index: 1, Address: "10.0.0.2", UnitID: 9},
	}, client.Slaves())

	client.RemoveSlave(9)
	client.RemoveSlave(42)
	require.Equal(t, []SlaveAddressEntry{{Index: 0, Address: "10.0.0.1:1502", UnitID: 3}}, client.Slaves())
	require.NoError(t, client.AddSlave(SlaveAddressEntry{Index: 1, Address: "10.0.0.4", UnitID: 9}))

	require.Equal(t, "10.0.0.2:502", client.endpoint("10.0.0.2"))
	require.Equal(t, "[fe80::1]:502", client.endpoint("fe80::1"))

	_, err := client.Send(context.Background(), 42, readTwo)
	require.ErrorIs(t, err, modbus.ErrNotFound)
}
