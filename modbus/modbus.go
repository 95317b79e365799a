// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package modbus holds the transport independent pieces shared by the
// master and slave controllers: the PDU, function and exception codes,
// register/parameter enums and the error taxonomy.
package modbus

import "fmt"

const (
	// FuncCodeReadCoils for bit wise access
	FuncCodeReadCoils = 0x01
	// FuncCodeReadDiscreteInputs for bit wise access
	FuncCodeReadDiscreteInputs = 0x02
	// FuncCodeReadHoldingRegisters 16-bit wise access
	FuncCodeReadHoldingRegisters = 0x03
	// FuncCodeReadInputRegisters 16-bit wise access
	FuncCodeReadInputRegisters = 0x04
	// FuncCodeWriteSingleCoil for bit wise access
	FuncCodeWriteSingleCoil = 0x05
	// FuncCodeWriteSingleRegister 16-bit wise access
	FuncCodeWriteSingleRegister = 0x06
	// FuncCodeWriteMultipleCoils for bit wise access
	FuncCodeWriteMultipleCoils = 0x0F
	// FuncCodeWriteMultipleRegisters 16-bit wise access
	FuncCodeWriteMultipleRegisters = 0x10
	// FuncCodeMaskWriteRegister 16-bit wise access
	FuncCodeMaskWriteRegister = 0x16
	// FuncCodeReadWriteMultipleRegisters 16-bit wise access
	FuncCodeReadWriteMultipleRegisters = 0x17
	// FuncCodeReadFIFOQueue 16-bit wise access
	FuncCodeReadFIFOQueue = 0x18
	// FuncCodeReadDeviceIdentification encapsulated interface transport
	FuncCodeReadDeviceIdentification = 0x2B
)

// ExceptionFlag marks a function code as an exception response.
const ExceptionFlag = 0x80

const (
	ExceptionCodeIllegalFunction                    = 0x01
	ExceptionCodeIllegalDataAddress                 = 0x02
	ExceptionCodeIllegalDataValue                   = 0x03
	ExceptionCodeServerDeviceFailure                = 0x04
	ExceptionCodeAcknowledge                        = 0x05
	ExceptionCodeServerDeviceBusy                   = 0x06
	ExceptionCodeMemoryParityError                  = 0x08
	ExceptionCodeGatewayPathUnavailable             = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)

// Quantity limits of a single PDU.
const (
	MaxReadBits       = 2000
	MaxWriteBits      = 1968
	MaxReadRegisters  = 125
	MaxWriteRegisters = 123
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU is an exception response.
func (pdu ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&ExceptionFlag != 0
}

// Exception builds the exception response for funcCode.
func Exception(funcCode byte, code byte) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: funcCode | ExceptionFlag,
		Data:         []byte{code},
	}
}

// RegisterType identifies one of the four Modbus address spaces.
type RegisterType uint8

const (
	RegisterHolding RegisterType = iota
	RegisterInput
	RegisterCoil
	RegisterDiscrete
)

// IsBit reports whether the address space is bit addressed.
func (t RegisterType) IsBit() bool {
	return t == RegisterCoil || t == RegisterDiscrete
}

// Valid reports whether t names a known address space.
func (t RegisterType) Valid() bool {
	return t <= RegisterDiscrete
}

func (t RegisterType) String() string {
	switch t {
	case RegisterHolding:
		return "holding"
	case RegisterInput:
		return "input"
	case RegisterCoil:
		return "coil"
	case RegisterDiscrete:
		return "discrete"
	default:
		return fmt.Sprintf("register(%d)", uint8(t))
	}
}

// ParseRegisterType parses the config spelling of a register type.
func ParseRegisterType(s string) (RegisterType, error) {
	switch s {
	case "holding", "holding_registers":
		return RegisterHolding, nil
	case "input", "input_registers":
		return RegisterInput, nil
	case "coil", "coils":
		return RegisterCoil, nil
	case "discrete", "discrete_inputs":
		return RegisterDiscrete, nil
	}
	return 0, fmt.Errorf("%w: unknown register type %q", ErrInvalidArgument, s)
}

// ParamType is the encoding of a characteristic value.
type ParamType uint8

const (
	ParamU8 ParamType = iota
	ParamU16
	ParamU32
	ParamFloat
	ParamASCII
)

func (p ParamType) String() string {
	switch p {
	case ParamU8:
		return "u8"
	case ParamU16:
		return "u16"
	case ParamU32:
		return "u32"
	case ParamFloat:
		return "float"
	case ParamASCII:
		return "ascii"
	default:
		return fmt.Sprintf("param(%d)", uint8(p))
	}
}

// ParseParamType parses the config spelling of a parameter type.
func ParseParamType(s string) (ParamType, error) {
	switch s {
	case "u8":
		return ParamU8, nil
	case "u16":
		return ParamU16, nil
	case "u32":
		return ParamU32, nil
	case "float", "f32":
		return ParamFloat, nil
	case "ascii":
		return ParamASCII, nil
	}
	return 0, fmt.Errorf("%w: unknown parameter type %q", ErrInvalidArgument, s)
}

// AccessMode selects the direction of a register transfer.
type AccessMode uint8

const (
	AccessRead AccessMode = iota
	AccessWrite
)

func (m AccessMode) String() string {
	if m == AccessWrite {
		return "write"
	}
	return "read"
}

// Permission is the access bitmask of a characteristic.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermTrigger
)

// Allows reports whether the permission mask admits mode.
func (p Permission) Allows(mode AccessMode) bool {
	if mode == AccessWrite {
		return p&(PermWrite|PermTrigger) != 0
	}
	return p&PermRead != 0
}
