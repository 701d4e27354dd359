// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// Quantity bounds enforced by the request builders below.
const (
	maxReadBits   = 2000
	maxReadRegs   = 125
	maxWriteBits  = 1968
	maxWriteRegs  = 123
	rtuADUOverhead = 4 // unit id (1) + function code (1) + CRC (2)
	rtuMaxADUSize  = 256
)

// buildReadRequest builds the PDU tail for function codes 0x01-0x04:
// address(2) qty(2). The quantity bound depends on whether function reads
// bits or registers.
func buildReadRequest(function byte, address, quantity uint16) (ProtocolDataUnit, error) {
	switch function {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		if quantity < 1 || quantity > maxReadBits {
			return ProtocolDataUnit{}, newError(KindInvalidArgument,
				"quantity %d must be between 1 and %d", quantity, maxReadBits)
		}
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, funcCodeReadHoldingRegistersWaveshare:
		if quantity < 1 || quantity > maxReadRegs {
			return ProtocolDataUnit{}, newError(KindInvalidArgument,
				"quantity %d must be between 1 and %d", quantity, maxReadRegs)
		}
	default:
		return ProtocolDataUnit{}, newError(KindInvalidArgument, "unsupported read function 0x%02x", function)
	}
	if int(address)+int(quantity) > 0x10000 {
		return ProtocolDataUnit{}, newError(KindInvalidArgument, "address %d + quantity %d overflows uint16", address, quantity)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], quantity)
	return ProtocolDataUnit{FunctionCode: function, Data: data}, nil
}

// buildWriteSingleCoil builds the 0x05 PDU; value must already be encoded
// as 0xFF00 (ON) or 0x0000 (OFF).
func buildWriteSingleCoil(address, value uint16) (ProtocolDataUnit, error) {
	if value != 0xFF00 && value != 0x0000 {
		return ProtocolDataUnit{}, newError(KindInvalidArgument, "coil value 0x%04x must be 0xFF00 or 0x0000", value)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], value)
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleCoil, Data: data}, nil
}

// buildWriteSingleRegister builds the 0x06 PDU.
func buildWriteSingleRegister(address, value uint16) (ProtocolDataUnit, error) {
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], value)
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteSingleRegister, Data: data}, nil
}

// buildWriteMultipleCoils builds the 0x0F PDU: address(2) qty(2) bc(1) bits,
// packing bits little-endian within each byte.
func buildWriteMultipleCoils(address uint16, bits []bool) (ProtocolDataUnit, error) {
	quantity := len(bits)
	if quantity < 1 || quantity > maxWriteBits {
		return ProtocolDataUnit{}, newError(KindInvalidArgument, "quantity %d must be between 1 and %d", quantity, maxWriteBits)
	}
	byteCount := (quantity + 7) / 8
	data := make([]byte, 5+byteCount)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], uint16(quantity))
	data[4] = byte(byteCount)
	for i, bit := range bits {
		if bit {
			data[5+i/8] |= 1 << uint(i%8)
		}
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteMultipleCoils, Data: data}, nil
}

// buildWriteMultipleRegisters builds the 0x10 PDU: address(2) qty(2) bc(1)
// Nx2 big-endian register values.
func buildWriteMultipleRegisters(address uint16, values []uint16) (ProtocolDataUnit, error) {
	quantity := len(values)
	if quantity < 1 || quantity > maxWriteRegs {
		return ProtocolDataUnit{}, newError(KindInvalidArgument, "quantity %d must be between 1 and %d", quantity, maxWriteRegs)
	}
	data := make([]byte, 5+2*quantity)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], uint16(quantity))
	data[4] = byte(2 * quantity)
	for i, v := range values {
		binary.BigEndian.PutUint16(data[5+2*i:], v)
	}
	return ProtocolDataUnit{FunctionCode: FuncCodeWriteMultipleRegs, Data: data}, nil
}

// encodeADU wraps a PDU in the RTU application data unit: unit id, function
// code, data, CRC (low byte first).
func encodeADU(unitID byte, pdu ProtocolDataUnit) ([]byte, error) {
	length := 2 + len(pdu.Data) + 2
	if length > rtuMaxADUSize {
		return nil, newError(KindInvalidArgument, "frame length %d exceeds maximum %d", length, rtuMaxADUSize)
	}
	adu := make([]byte, length)
	adu[0] = unitID
	adu[1] = pdu.FunctionCode
	copy(adu[2:], pdu.Data)

	var c crc
	c.reset().pushBytes(adu[:length-2])
	checksum := c.value()
	adu[length-2] = byte(checksum)
	adu[length-1] = byte(checksum >> 8)
	return adu, nil
}

// expectedResponseLength returns the total ADU length once enough bytes
// have arrived in soFar to decide, and false when more bytes are needed
// before a decision can be made. Exception responses are always 5 bytes;
// write-single/write-multiple responses are always 8; read-family
// responses are 3 + byte_count + 2 once their third byte has arrived.
func expectedResponseLength(requestFunction byte, soFar []byte) (int, bool) {
	if len(soFar) < 2 {
		return 0, false
	}
	if soFar[1]&exceptionBit != 0 {
		return 5, true
	}
	function := soFar[1]
	switch {
	case isReadFunction(requestFunction) || requestFunction == funcCodeReadHoldingRegistersWaveshare ||
		isReadFunction(function) || function == funcCodeReadHoldingRegistersWaveshare:
		if len(soFar) < 3 {
			return 0, false
		}
		byteCount := int(soFar[2])
		return 3 + byteCount + 2, true
	default:
		// Write-single and write-multiple responses are a fixed 8 bytes:
		// unit(1) + function(1) + echo(4) + CRC(2).
		return 8, true
	}
}

// functionCodeTolerance reports whether got is an acceptable echo of the
// function code actually requested, per a fixed whitelist of known device
// quirks. ok is always true for an exact match, independent of lenient.
func functionCodeTolerance(requested, got byte, lenient bool) (ok bool, exact bool) {
	if got == requested {
		return true, true
	}
	if !lenient {
		return false, false
	}
	switch {
	case requested == FuncCodeReadHoldingRegisters && got == FuncCodeReadInputRegisters,
		requested == FuncCodeReadInputRegisters && got == FuncCodeReadHoldingRegisters:
		return true, false
	case requested == FuncCodeReadCoils && got == FuncCodeReadDiscreteInputs,
		requested == FuncCodeReadDiscreteInputs && got == FuncCodeReadCoils:
		return true, false
	}
	if isReadFunction(requested) {
		if got == 0x00 {
			return true, false
		}
		if got == requested-1 || got == requested+1 {
			return true, false
		}
		if got >= 0x41 && got <= 0x44 && got-0x40 == requested {
			return true, false
		}
	}
	if vendorExtended, ok := vendorWriteEcho(got); ok && vendorExtended == requested {
		return true, false
	}
	return false, false
}

// vendorWriteEcho maps the 0x65-0x68 vendor extension range back to the
// standard write function codes 0x05, 0x06, 0x0F, 0x10.
func vendorWriteEcho(got byte) (byte, bool) {
	switch got {
	case 0x65:
		return FuncCodeWriteSingleCoil, true
	case 0x66:
		return FuncCodeWriteSingleRegister, true
	case 0x67:
		return FuncCodeWriteMultipleCoils, true
	case 0x68:
		return FuncCodeWriteMultipleRegs, true
	}
	return 0, false
}

// Response is the result of parsing a complete RTU frame: either a Normal
// response carrying a payload, or an Exception carrying a standard Modbus
// exception code.
type Response struct {
	Exception  bool
	Function   byte
	Payload    []byte
	Code       byte
	CRCVariant CRCVariant
}

// parseOptions bundles the lenient flags parse needs; passed by value from
// Config so the codec stays a pure function of its inputs.
type parseOptions struct {
	LenientFunctionCode bool
	LenientUnitID       bool
	LenientCRC          bool
	RequestIsWrite      bool
}

// parseResponse validates CRC and structure and decodes frame into a
// Response, honouring the function-code and unit-id tolerance rules and the
// permissive CRC fallback.
func parseResponse(ctx context.Context, logger *slog.Logger, frame []byte, expectedUnitID, requestFunction byte, opts parseOptions) (Response, error) {
	if len(frame) < rtuADUOverhead {
		return Response{}, newError(KindProtocol, "response length %d below minimum %d", len(frame), rtuADUOverhead)
	}

	variant := CRCStandard
	if !validateStrict(frame) {
		if opts.RequestIsWrite || !opts.LenientCRC {
			return Response{}, newError(KindCRC, "no CRC variant matched response % x", frame)
		}
		byteCountConsistent := responseByteCountConsistent(frame, requestFunction)
		if !byteCountConsistent {
			return Response{}, newError(KindCRC, "no CRC variant matched response % x", frame)
		}
		v, ok := validatePermissive(frame)
		if !ok || v == CRCStandard {
			return Response{}, newError(KindCRC, "no CRC variant matched response % x", frame)
		}
		variant = v
		logAt(ctx, logger, slog.LevelWarn, "modbus: accepted non-standard CRC", "variant", v.String(), "frame", formatHex(frame))
	}

	unitID := frame[0]
	if unitID != expectedUnitID {
		if !opts.LenientUnitID {
			return Response{}, newError(KindProtocol, "response unit id %d does not match request %d", unitID, expectedUnitID)
		}
		logAt(ctx, logger, slog.LevelWarn, "modbus: accepted unit id mismatch", "got", unitID, "want", expectedUnitID)
	}

	function := frame[1]
	if function&exceptionBit != 0 {
		if len(frame) < 5 {
			return Response{}, newError(KindProtocol, "exception response length %d below minimum 5", len(frame))
		}
		echoedFunction := function &^ exceptionBit
		if ok, exact := functionCodeTolerance(requestFunction, echoedFunction, opts.LenientFunctionCode); !ok {
			return Response{}, newError(KindProtocol, "exception echoes function 0x%02x, want 0x%02x", echoedFunction, requestFunction)
		} else if !exact {
			logAt(ctx, logger, slog.LevelWarn, "modbus: accepted function code tolerance", "got", echoedFunction, "want", requestFunction)
		}
		return Response{Exception: true, Function: function, Code: frame[2], CRCVariant: variant}, nil
	}

	if ok, exact := functionCodeTolerance(requestFunction, function, opts.LenientFunctionCode); !ok {
		return Response{}, newError(KindProtocol, "response echoes function 0x%02x, want 0x%02x", function, requestFunction)
	} else if !exact {
		logAt(ctx, logger, slog.LevelWarn, "modbus: accepted function code tolerance", "got", function, "want", requestFunction)
	}

	payload := frame[2 : len(frame)-2]

	effectiveFunction := requestFunction
	if isReadFunction(effectiveFunction) || effectiveFunction == funcCodeReadHoldingRegistersWaveshare {
		if len(payload) < 1 {
			return Response{}, newError(KindProtocol, "read response payload empty")
		}
		byteCount := int(payload[0])
		if len(payload)-1 != byteCount {
			return Response{}, newError(KindProtocol, "byte count %d does not match payload length %d", byteCount, len(payload)-1)
		}
	}

	return Response{Function: function, Payload: payload, CRCVariant: variant}, nil
}

// responseByteCountConsistent reports whether the third byte of a
// read-family response, taken as a byte count, predicts the frame's actual
// length. Write-family responses have no byte-count field and are treated
// as structurally consistent by definition (permissive CRC is gated
// earlier by opts.RequestIsWrite for those).
func responseByteCountConsistent(frame []byte, requestFunction byte) bool {
	if !isReadFunction(requestFunction) && requestFunction != funcCodeReadHoldingRegistersWaveshare {
		return true
	}
	if len(frame) < 3 {
		return false
	}
	byteCount := int(frame[2])
	return len(frame) == 3+byteCount+2
}

func formatHex(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*3)
	for i, c := range b {
		if i > 0 {
			out = append(out, ' ')
		}
		out = append(out, hexDigits[c>>4], hexDigits[c&0xF])
	}
	return string(out)
}

func logAt(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, args ...any) {
	if logger == nil {
		return
	}
	logger.Log(ctx, level, msg, args...)
}
