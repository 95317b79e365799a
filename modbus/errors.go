// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Errors returned by the controllers. Transport and engine failures are
// wrapped into one of these at the controller boundary.
var (
	ErrInvalidArgument = errors.New("modbus: invalid argument")
	ErrInvalidState    = errors.New("modbus: invalid state")
	ErrNotFound        = errors.New("modbus: not found")
	ErrNotSupported    = errors.New("modbus: not supported")
	ErrTimeout         = errors.New("modbus: timeout")
	ErrInvalidResponse = errors.New("modbus: invalid response")
	ErrBusy            = errors.New("modbus: busy")
	ErrNoMemory        = errors.New("modbus: no memory")
	ErrFail            = errors.New("modbus: fail")

	// ErrNoSuchRegister is reported by register callbacks when no area
	// covers the requested range.
	ErrNoSuchRegister = errors.New("modbus: no such register")
)

// ExceptionError is an exception reply received from a slave.
type ExceptionError struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus: exception '%v' (%s), function '%v'", e.ExceptionCode, exceptionText(e.ExceptionCode), e.FunctionCode&^ExceptionFlag)
}

// Is makes exception replies match ErrInvalidResponse.
func (e *ExceptionError) Is(target error) bool {
	return target == ErrInvalidResponse
}

func exceptionText(code byte) string {
	switch code {
	case ExceptionCodeIllegalFunction:
		return "illegal function"
	case ExceptionCodeIllegalDataAddress:
		return "illegal data address"
	case ExceptionCodeIllegalDataValue:
		return "illegal data value"
	case ExceptionCodeServerDeviceFailure:
		return "server device failure"
	case ExceptionCodeAcknowledge:
		return "acknowledge"
	case ExceptionCodeServerDeviceBusy:
		return "server device busy"
	case ExceptionCodeMemoryParityError:
		return "memory parity error"
	case ExceptionCodeGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionCodeGatewayTargetDeviceFailedToRespond:
		return "gateway target device failed to respond"
	default:
		return "unknown"
	}
}

// IsTimeout reports whether err is a deadline or I/O timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Normalize maps a transport or engine error onto the controller
// taxonomy. Errors that already carry a taxonomy sentinel pass through.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		ErrInvalidArgument, ErrInvalidState, ErrNotFound, ErrNotSupported,
		ErrTimeout, ErrInvalidResponse, ErrBusy, ErrNoMemory, ErrFail,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	if IsTimeout(err) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrFail, err)
}
