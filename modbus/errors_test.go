// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExceptionError(t *testing.T) {
	err := error(&ExceptionError{FunctionCode: 0x83, ExceptionCode: ExceptionCodeIllegalDataAddress})
	require.ErrorIs(t, err, ErrInvalidResponse)
	require.NotErrorIs(t, err, ErrTimeout)
	require.Contains(t, err.Error(), "illegal data address")
	require.Contains(t, err.Error(), "function '3'")

	var exc *ExceptionError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &exc))
	require.EqualValues(t, 0x02, exc.ExceptionCode)
}

func TestIsTimeout(t *testing.T) {
	require.False(t, IsTimeout(nil))
	require.False(t, IsTimeout(io.EOF))
	require.True(t, IsTimeout(ErrTimeout))
	require.True(t, IsTimeout(context.DeadlineExceeded))
	require.True(t, IsTimeout(fmt.Errorf("read: %w", os.ErrDeadlineExceeded)))
}

func TestNormalize(t *testing.T) {
	require.NoError(t, Normalize(nil))

	busy := fmt.Errorf("%w: request in flight", ErrBusy)
	require.Equal(t, busy, Normalize(busy))

	err := Normalize(context.DeadlineExceeded)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	err = Normalize(io.ErrUnexpectedEOF)
	require.ErrorIs(t, err, ErrFail)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	err = Normalize(&ExceptionError{FunctionCode: 0x81, ExceptionCode: 1})
	require.ErrorIs(t, err, ErrInvalidResponse)
}
