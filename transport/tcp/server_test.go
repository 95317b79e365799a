// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"testing"
	"time"

	gmodbus "github.com/goburrow/modbus"
	"github.com/stretchr/testify/require"

	"github.com/ffutop/modbus-controller/modbus"
	"github.com/ffutop/modbus-controller/transport"
)

func startServer(t *testing.T, s *Server, handler transport.RequestHandler) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(ctx, handler) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})

	select {
	case <-s.Ready():
	case err := <-errCh:
		t.Fatalf("server failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	return s.Addr().String()
}

// echoRegisters answers reads with the start address in every register.
func echoRegisters(_ context.Context, _ byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if pdu.FunctionCode != modbus.FuncCodeReadHoldingRegisters {
		return modbus.Exception(pdu.FunctionCode, modbus.ExceptionCodeIllegalFunction), nil
	}
	count := int(binary.BigEndian.Uint16(pdu.Data[2:]))
	data := make([]byte, 1+count*2)
	data[0] = byte(count * 2)
	for i := 0; i < count; i++ {
		copy(data[1+i*2:], pdu.Data[:2])
	}
	return modbus.ProtocolDataUnit{FunctionCode: pdu.FunctionCode, Data: data}, nil
}

func rawRequest(tid uint16, pdu ...byte) []byte {
	raw, _ := NewADU(tid, 1, modbus.ProtocolDataUnit{FunctionCode: pdu[0], Data: pdu[1:]}).Encode()
	return raw
}

func readFrame(t *testing.T, conn net.Conn, timeout time.Duration) ([]byte, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(timeout))
	header := make([]byte, mbapLengthEnd)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	frame := make([]byte, mbapLengthEnd+int(binary.BigEndian.Uint16(header[4:])))
	copy(frame, header)
	_, err := io.ReadFull(conn, frame[mbapLengthEnd:])
	return frame, err
}

func TestServer_ExternalMaster(t *testing.T) {
	addr := startServer(t, NewServer("127.0.0.1:0"), echoRegisters)

	handler := gmodbus.NewTCPClientHandler(addr)
	handler.Timeout = time.Second
	handler.SlaveId = 1
	require.NoError(t, handler.Connect())
	defer handler.Close()
	client := gmodbus.NewClient(handler)

	res, err := client.ReadHoldingRegisters(0x0102, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02, 0x01, 0x02}, res)

	_, err = client.ReadCoils(0, 1)
	require.Error(t, err)
	var mbErr *gmodbus.ModbusError
	require.ErrorAs(t, err, &mbErr)
	require.EqualValues(t, modbus.ExceptionCodeIllegalFunction, mbErr.ExceptionCode)
}

func TestServer_SplitAndPipelinedFrames(t *testing.T) {
	addr := startServer(t, NewServer("127.0.0.1:0"), echoRegisters)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	first := rawRequest(7, 0x03, 0x00, 0x05, 0x00, 0x01)
	second := rawRequest(8, 0x03, 0x00, 0x06, 0x00, 0x01)
	stream := append(append([]byte{}, first...), second...)

	// byte by byte for the first frame, the rest in one write
	for i := 0; i < len(first); i++ {
		_, err := conn.Write(stream[i : i+1])
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err = conn.Write(stream[len(first):])
	require.NoError(t, err)

	resp, err := readFrame(t, conn, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x07, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x05}, resp)

	resp, err = readFrame(t, conn, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x08, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0x06}, resp)
}

func TestServer_StaleResponseNotDelivered(t *testing.T) {
	release := make(chan struct{})
	calls := 0
	handler := func(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
		calls++
		if calls == 1 {
			<-release
		}
		return echoRegisters(ctx, slaveID, pdu)
	}

	s := NewServer("127.0.0.1:0")
	s.EngineTimeout = 100 * time.Millisecond
	addr := startServer(t, s, handler)

	a, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer a.Close()
	b, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer b.Close()

	// same transaction id on both connections
	_, err = a.Write(rawRequest(1, 0x03, 0x00, 0xAA, 0x00, 0x01))
	require.NoError(t, err)
	_, err = readFrame(t, a, 250*time.Millisecond)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)

	_, err = b.Write(rawRequest(1, 0x03, 0x00, 0xBB, 0x00, 0x01))
	require.NoError(t, err)
	close(release)

	resp, err := readFrame(t, b, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x05, 0x01, 0x03, 0x02, 0x00, 0xBB}, resp)

	_, err = readFrame(t, a, 200*time.Millisecond)
	require.Error(t, err, "the late reply of a must be discarded")
}

func TestServer_ProtocolViolationClosesOnlyThatClient(t *testing.T) {
	addr := startServer(t, NewServer("127.0.0.1:0"), echoRegisters)

	bad, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer bad.Close()
	good, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer good.Close()

	// declared length beyond the maximum ADU
	_, err = bad.Write([]byte{0x00, 0x01, 0x00, 0x00, 0x01, 0x2C})
	require.NoError(t, err)
	_, err = readFrame(t, bad, time.Second)
	require.ErrorIs(t, err, io.EOF)

	_, err = good.Write(rawRequest(3, 0x03, 0x00, 0x01, 0x00, 0x01))
	require.NoError(t, err)
	_, err = readFrame(t, good, time.Second)
	require.NoError(t, err)
}

func TestServer_MaxConnections(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.MaxConnections = 1
	addr := startServer(t, s, echoRegisters)

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.Write(rawRequest(1, 0x03, 0x00, 0x01, 0x00, 0x01))
	require.NoError(t, err)
	_, err = readFrame(t, first, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, s.Connections())

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	_, err = readFrame(t, second, time.Second)
	require.ErrorIs(t, err, io.EOF)
}

func TestServer_IdleDisconnect(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	s.DisconnectTimeout = 100 * time.Millisecond
	addr := startServer(t, s, echoRegisters)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Connections() == 1 }, time.Second, 10*time.Millisecond)
	_, err = readFrame(t, conn, time.Second)
	require.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return s.Connections() == 0 }, time.Second, 10*time.Millisecond)
}

func TestServer_CloseStopsStart(t *testing.T) {
	s := NewServer("127.0.0.1:0")
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background(), echoRegisters) }()
	<-s.Ready()

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, s.Close())
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Close")
	}
	require.Zero(t, s.Connections())
}
