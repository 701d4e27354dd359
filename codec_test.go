package modbus

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestBuildReadRequestQuantityBounds(t *testing.T) {
	if _, err := buildReadRequest(FuncCodeReadCoils, 0, 0); err == nil {
		t.Fatal("quantity 0 should be rejected")
	}
	if _, err := buildReadRequest(FuncCodeReadCoils, 0, maxReadBits+1); err == nil {
		t.Fatal("quantity above maxReadBits should be rejected")
	}
	if _, err := buildReadRequest(FuncCodeReadHoldingRegisters, 0, maxReadRegs+1); err == nil {
		t.Fatal("quantity above maxReadRegs should be rejected")
	}
	if _, err := buildReadRequest(FuncCodeReadHoldingRegisters, 0xFFFF, 2); err == nil {
		t.Fatal("address+quantity overflow should be rejected")
	}
	pdu, err := buildReadRequest(FuncCodeReadHoldingRegisters, 10, 5)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x0A, 0x00, 0x05}, pdu.Data)
}

func TestEncodeADUEncodesKnownFrame(t *testing.T) {
	pdu, err := buildReadRequest(FuncCodeReadCoils, 0, 1)
	assert.NoError(t, err)
	adu, err := encodeADU(0x01, pdu)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x01, 0x00, 0x00, 0x00, 0x01, 0xFD, 0xCA}, adu)
}

func TestEncodeADUAcceptsMaximalFrame(t *testing.T) {
	pdu, err := buildWriteMultipleRegisters(0, make([]uint16, maxWriteRegs))
	assert.NoError(t, err)
	_, err = encodeADU(0x01, pdu)
	assert.NoError(t, err, "a maximal legal frame must still fit the ADU")
}

// TestParseResponseS1 is spec scenario S1: read single coil OFF.
func TestParseResponseS1(t *testing.T) {
	frame := []byte{0x01, 0x01, 0x01, 0x00, 0x51, 0x88}
	resp, err := parseResponse(context.Background(), nil, frame, 0x01, FuncCodeReadCoils, parseOptions{})
	assert.NoError(t, err)
	assert.False(t, resp.Exception)
	bits := unpackBits(resp.Payload[1:], 1)
	assert.Equal(t, []bool{false}, bits)
}

// TestParseResponseS2 is spec scenario S2: read 8 coils, all OFF.
func TestParseResponseS2(t *testing.T) {
	frame := []byte{0x01, 0x01, 0x01, 0x00, 0x51, 0x88}
	resp, err := parseResponse(context.Background(), nil, frame, 0x01, FuncCodeReadCoils, parseOptions{})
	assert.NoError(t, err)
	bits := unpackBits(resp.Payload[1:], 8)
	assert.Equal(t, []bool{false, false, false, false, false, false, false, false}, bits)
}

// TestParseResponseS4 is spec scenario S4: exception from device.
func TestParseResponseS4(t *testing.T) {
	frame := []byte{0x01, 0x83, 0x02, 0xC0, 0xF1}
	resp, err := parseResponse(context.Background(), nil, frame, 0x01, FuncCodeReadHoldingRegisters, parseOptions{})
	assert.NoError(t, err)
	assert.True(t, resp.Exception)
	assert.Equal(t, byte(ExceptionIllegalDataAddress), resp.Code)
}

// TestParseResponseS5 is spec scenario S5: lenient CRC acceptance of a
// byte-swapped checksum, gated by opts.LenientCRC.
func TestParseResponseS5(t *testing.T) {
	frame := []byte{0x01, 0x01, 0x01, 0x00, 0x88, 0x51}

	_, err := parseResponse(context.Background(), nil, frame, 0x01, FuncCodeReadCoils, parseOptions{LenientCRC: false})
	assert.Error(t, err)
	mbErr, ok := err.(*Error)
	assert.True(t, ok)
	assert.Equal(t, KindCRC, mbErr.Kind)

	resp, err := parseResponse(context.Background(), nil, frame, 0x01, FuncCodeReadCoils, parseOptions{LenientCRC: true})
	assert.NoError(t, err)
	assert.Equal(t, CRCByteSwapped, resp.CRCVariant)
}

func TestParseResponseRejectsShortFrame(t *testing.T) {
	_, err := parseResponse(context.Background(), nil, []byte{0x01, 0x01}, 0x01, FuncCodeReadCoils, parseOptions{})
	assert.Error(t, err)
}

func TestFunctionCodeToleranceWhitelist(t *testing.T) {
	cases := []struct {
		requested, got byte
		lenient        bool
		ok, exact      bool
	}{
		{FuncCodeReadHoldingRegisters, FuncCodeReadHoldingRegisters, false, true, true},
		{FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, false, false, false},
		{FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters, true, true, false},
		{FuncCodeReadCoils, FuncCodeReadDiscreteInputs, true, true, false},
		{FuncCodeReadHoldingRegisters, 0x00, true, true, false},
		{FuncCodeReadHoldingRegisters, 0x43, true, true, false},
		{FuncCodeWriteSingleCoil, 0x65, true, true, false},
		{FuncCodeReadHoldingRegisters, 0x7F, true, false, false},
	}
	for _, c := range cases {
		ok, exact := functionCodeTolerance(c.requested, c.got, c.lenient)
		assert.Equal(t, c.ok, ok, "requested=0x%02x got=0x%02x lenient=%v", c.requested, c.got, c.lenient)
		assert.Equal(t, c.exact, exact, "requested=0x%02x got=0x%02x lenient=%v", c.requested, c.got, c.lenient)
	}
}

func TestExpectedResponseLengthReadFamily(t *testing.T) {
	_, ok := expectedResponseLength(FuncCodeReadHoldingRegisters, []byte{0x01, 0x03})
	assert.False(t, ok, "byte count byte has not arrived yet")

	total, ok := expectedResponseLength(FuncCodeReadHoldingRegisters, []byte{0x01, 0x03, 0x04})
	assert.True(t, ok)
	assert.Equal(t, 9, total) // unit+func+bytecount(3) + 4 data + crc(2)
}

func TestExpectedResponseLengthWriteFamily(t *testing.T) {
	total, ok := expectedResponseLength(FuncCodeWriteSingleRegister, []byte{0x01, 0x06})
	assert.True(t, ok)
	assert.Equal(t, 8, total)
}

func TestExpectedResponseLengthException(t *testing.T) {
	total, ok := expectedResponseLength(FuncCodeReadHoldingRegisters, []byte{0x01, 0x83})
	assert.True(t, ok)
	assert.Equal(t, 5, total)
}

func TestBuildWriteMultipleRegistersRoundTripsThroughEncodeADU(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		address := uint16(rapid.IntRange(0, 0xFFF0).Draw(t, "address"))
		count := rapid.IntRange(1, maxWriteRegs).Draw(t, "count")
		values := make([]uint16, count)
		for i := range values {
			values[i] = rapid.Uint16().Draw(t, "value")
		}

		pdu, err := buildWriteMultipleRegisters(address, values)
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		adu, err := encodeADU(0x01, pdu)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if !validateStrict(adu) {
			t.Fatalf("encoded frame should validate: % x", adu)
		}

		decoded := unpackRegisters(pdu.Data[5:], uint16(count))
		if diff := cmp.Diff(values, decoded); diff != "" {
			t.Fatalf("register values did not round-trip through the PDU (-want +got):\n%s", diff)
		}
	})
}
