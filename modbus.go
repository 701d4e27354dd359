// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

/*
Package modbus implements a Modbus RTU master for industrial field devices
connected over RS-232/RS-485 serial lines, hardened for devices that deviate
from the standard in CRC encoding, function-code echo, unit-ID echo and
response timing.
*/
package modbus

// Supported function codes. The wire payload each implies is documented on
// the Client methods that emit them.
const (
	FuncCodeReadCoils            = 0x01
	FuncCodeReadDiscreteInputs   = 0x02
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04
	FuncCodeWriteSingleCoil      = 0x05
	FuncCodeWriteSingleRegister  = 0x06
	FuncCodeWriteMultipleCoils   = 0x0F
	FuncCodeWriteMultipleRegs    = 0x10

	// funcCodeReadHoldingRegistersWaveshare is the 0x43 function code some
	// Waveshare relay/analog modules answer with in place of 0x03. See
	// Config.WaveshareHoldingFallback.
	funcCodeReadHoldingRegistersWaveshare = 0x43

	exceptionBit = 0x80
)

// Standard Modbus exception codes. Anything not named here is passed
// through verbatim in Error.ExceptionCode; exceptionName reports "unknown"
// for it rather than erroring.
const (
	ExceptionIllegalFunction        = 1
	ExceptionIllegalDataAddress     = 2
	ExceptionIllegalDataValue       = 3
	ExceptionServerDeviceFailure    = 4
	ExceptionAcknowledge            = 5
	ExceptionServerDeviceBusy       = 6
	ExceptionMemoryParityError      = 8
	ExceptionGatewayPathUnavailable = 10
	ExceptionGatewayTargetFailed    = 11
)

func exceptionName(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionServerDeviceFailure:
		return "server device failure"
	case ExceptionAcknowledge:
		return "acknowledge"
	case ExceptionServerDeviceBusy:
		return "server device busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	case ExceptionGatewayPathUnavailable:
		return "gateway path unavailable"
	case ExceptionGatewayTargetFailed:
		return "gateway target device failed to respond"
	default:
		return "unknown"
	}
}

// ProtocolDataUnit is the function-code-and-payload portion of a Modbus
// frame, without unit ID, address or CRC.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// isReadFunction reports whether code is one of the byte-counted read
// function codes (0x01-0x04) whose response predicts its own length from a
// byte-count field.
func isReadFunction(code byte) bool {
	switch code {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return true
	}
	return false
}

// isWriteFunction reports whether code is one of the fixed 8-byte-response
// write function codes.
func isWriteFunction(code byte) bool {
	switch code {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegs:
		return true
	}
	return false
}
