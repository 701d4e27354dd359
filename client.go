// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"encoding/binary"
	"sync"
)

// Client is the typed facade composed on top of the Transaction Engine. It
// exclusively owns a SerialAdapter and, optionally, shares a Tracker that
// accumulates per-unit state across transactions. mu extends the engine's
// own single-flight lock across the state-tracker update that follows each
// transaction, so that for two concurrent callers on one Client, the
// tracker mutation for the first submitted call always completes before
// the second call's pre-send flush begins.
type Client struct {
	cfg     Config
	adapter SerialAdapter
	engine  *engine
	tracker *Tracker

	mu sync.Mutex
}

// NewClient builds a Client around adapter using cfg. The adapter is not
// opened until Open is called. If cfg.StateTracking is true and tracker is
// nil, a private Tracker is created; pass a shared *Tracker to aggregate
// state across multiple Clients.
func NewClient(adapter SerialAdapter, cfg Config, tracker *Tracker) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.StateTracking && tracker == nil {
		tracker = NewTracker()
	}
	if !cfg.StateTracking {
		tracker = nil
	}
	return &Client{
		cfg:     cfg,
		adapter: adapter,
		engine:  newEngine(adapter, cfg),
		tracker: tracker,
	}, nil
}

// Open opens the underlying serial adapter.
func (c *Client) Open() error {
	if err := c.engine.open(); err != nil {
		return wrapError(KindTransport, err, "open %s failed", c.cfg.Port)
	}
	return nil
}

// Close closes the underlying serial adapter. Close is safe to call more
// than once and on an adapter that was never opened.
func (c *Client) Close() error {
	if err := c.engine.close(); err != nil {
		return wrapError(KindTransport, err, "close %s failed", c.cfg.Port)
	}
	return nil
}

// Tracker returns the Client's Device State Tracker, or nil if
// cfg.StateTracking is false.
func (c *Client) Tracker() *Tracker { return c.tracker }

// WithClient opens a Client built from adapter and cfg, calls fn, and
// guarantees Close is called on every exit path, including a panic inside
// fn.
func WithClient(adapter SerialAdapter, cfg Config, tracker *Tracker, fn func(*Client) error) (err error) {
	client, err := NewClient(adapter, cfg, tracker)
	if err != nil {
		return err
	}
	if err := client.Open(); err != nil {
		return err
	}
	defer func() {
		closeErr := client.Close()
		if err == nil {
			err = closeErr
		}
	}()
	return fn(client)
}

func (c *Client) unitOrDefault(unitID byte) byte {
	if unitID == 0 {
		return c.cfg.UnitIDDefault
	}
	return unitID
}

// do runs one full transaction and updates the state tracker. requestIsWrite
// gates the permissive CRC fallback. Callers must hold c.mu so the tracker
// update below stays inside the same critical section as the transaction
// itself.
func (c *Client) do(ctx context.Context, unitID byte, pdu ProtocolDataUnit, requestIsWrite bool) (Response, error) {
	if !c.engine.isOpen() {
		return Response{}, newError(KindNotConnected, "client is not connected")
	}

	if c.tracker != nil {
		c.tracker.recordRequest(c.cfg.Port, unitID, c.cfg.BaudRate)
	}

	resp, err := c.engine.roundTrip(ctx, unitID, pdu, requestIsWrite)
	if err != nil {
		if c.tracker != nil {
			mbErr, _ := err.(*Error)
			timeout := mbErr != nil && mbErr.Kind == KindTimeout
			c.tracker.recordError(c.cfg.Port, unitID, c.cfg.BaudRate, err, timeout)
		}
		return resp, err
	}
	return resp, nil
}

// ReadCoils reads from 1 to 2000 contiguous coils and returns one bool per
// coil, unpacking the little-endian bit stream and truncating to quantity.
func (c *Client) ReadCoils(ctx context.Context, unitID byte, address, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, unitID, FuncCodeReadCoils, address, quantity)
}

// ReadDiscreteInputs reads from 1 to 2000 contiguous discrete inputs.
func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID byte, address, quantity uint16) ([]bool, error) {
	return c.readBits(ctx, unitID, FuncCodeReadDiscreteInputs, address, quantity)
}

func (c *Client) readBits(ctx context.Context, unitID byte, function byte, address, quantity uint16) ([]bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unitID = c.unitOrDefault(unitID)
	pdu, err := buildReadRequest(function, address, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, unitID, pdu, false)
	if err != nil {
		return nil, err
	}

	bits := unpackBits(resp.Payload[1:], quantity)
	if c.tracker != nil {
		values := observedValues{}
		switch function {
		case FuncCodeReadCoils:
			values.coils = indexBools(address, bits)
		case FuncCodeReadDiscreteInputs:
			values.discreteInputs = indexBools(address, bits)
		}
		c.tracker.recordSuccess(c.cfg.Port, unitID, c.cfg.BaudRate, values, resp.CRCVariant != CRCStandard)
	}
	return bits, nil
}

// ReadHoldingRegisters reads from 1 to 125 contiguous holding registers.
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID byte, address, quantity uint16) ([]uint16, error) {
	regs, err := c.readRegisters(ctx, unitID, FuncCodeReadHoldingRegisters, address, quantity)
	if err == nil || !c.cfg.WaveshareHoldingFallback {
		return regs, err
	}
	mbErr, ok := err.(*Error)
	if !ok || mbErr.Kind == KindInvalidArgument || mbErr.Kind == KindNotConnected {
		return regs, err
	}
	return c.readRegisters(ctx, unitID, funcCodeReadHoldingRegistersWaveshare, address, quantity)
}

// ReadInputRegisters reads from 1 to 125 contiguous input registers.
func (c *Client) ReadInputRegisters(ctx context.Context, unitID byte, address, quantity uint16) ([]uint16, error) {
	return c.readRegisters(ctx, unitID, FuncCodeReadInputRegisters, address, quantity)
}

func (c *Client) readRegisters(ctx context.Context, unitID byte, function byte, address, quantity uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	unitID = c.unitOrDefault(unitID)
	pdu, err := buildReadRequest(function, address, quantity)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, unitID, pdu, false)
	if err != nil {
		return nil, err
	}

	regs := unpackRegisters(resp.Payload[1:], quantity)
	if c.tracker != nil {
		values := observedValues{}
		switch function {
		case FuncCodeReadHoldingRegisters, funcCodeReadHoldingRegistersWaveshare:
			values.holdingRegs = indexUint16s(address, regs)
		case FuncCodeReadInputRegisters:
			values.inputRegs = indexUint16s(address, regs)
		}
		c.tracker.recordSuccess(c.cfg.Port, unitID, c.cfg.BaudRate, values, resp.CRCVariant != CRCStandard)
	}
	return regs, nil
}

// WriteSingleCoil sets a single coil ON or OFF and verifies the device's
// echo equals the request.
func (c *Client) WriteSingleCoil(ctx context.Context, unitID byte, address uint16, value bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unitID = c.unitOrDefault(unitID)
	wire := uint16(0x0000)
	if value {
		wire = 0xFF00
	}
	pdu, err := buildWriteSingleCoil(address, wire)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, unitID, pdu, true)
	if err != nil {
		return err
	}
	if err := verifyEcho(resp.Payload, address, wire); err != nil {
		return err
	}
	if c.tracker != nil {
		c.tracker.recordSuccess(c.cfg.Port, unitID, c.cfg.BaudRate, observedValues{
			coils: map[uint16]bool{address: value},
		}, resp.CRCVariant != CRCStandard)
	}
	return nil
}

// WriteSingleRegister writes one holding register and verifies the
// device's echo equals the request.
func (c *Client) WriteSingleRegister(ctx context.Context, unitID byte, address, value uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unitID = c.unitOrDefault(unitID)
	pdu, err := buildWriteSingleRegister(address, value)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, unitID, pdu, true)
	if err != nil {
		return err
	}
	if err := verifyEcho(resp.Payload, address, value); err != nil {
		return err
	}
	if c.tracker != nil {
		c.tracker.recordSuccess(c.cfg.Port, unitID, c.cfg.BaudRate, observedValues{
			holdingRegs: map[uint16]uint16{address: value},
		}, resp.CRCVariant != CRCStandard)
	}
	return nil
}

// WriteMultipleCoils forces each coil in bits to ON or OFF starting at
// address.
func (c *Client) WriteMultipleCoils(ctx context.Context, unitID byte, address uint16, bits []bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unitID = c.unitOrDefault(unitID)
	pdu, err := buildWriteMultipleCoils(address, bits)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, unitID, pdu, true)
	if err != nil {
		return err
	}
	if err := verifyEcho(resp.Payload, address, uint16(len(bits))); err != nil {
		return err
	}
	if c.tracker != nil {
		c.tracker.recordSuccess(c.cfg.Port, unitID, c.cfg.BaudRate, observedValues{
			coils: indexBools(address, bits),
		}, resp.CRCVariant != CRCStandard)
	}
	return nil
}

// WriteMultipleRegisters writes values starting at address.
func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID byte, address uint16, values []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	unitID = c.unitOrDefault(unitID)
	pdu, err := buildWriteMultipleRegisters(address, values)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, unitID, pdu, true)
	if err != nil {
		return err
	}
	if err := verifyEcho(resp.Payload, address, uint16(len(values))); err != nil {
		return err
	}
	if c.tracker != nil {
		c.tracker.recordSuccess(c.cfg.Port, unitID, c.cfg.BaudRate, observedValues{
			holdingRegs: indexUint16s(address, values),
		}, resp.CRCVariant != CRCStandard)
	}
	return nil
}

// verifyEcho checks that a write response's 4-byte echo payload equals
// (address, value).
func verifyEcho(payload []byte, address, value uint16) error {
	if len(payload) != 4 {
		return newError(KindProtocol, "echo payload length %d, want 4", len(payload))
	}
	gotAddress := binary.BigEndian.Uint16(payload)
	if gotAddress != address {
		return newError(KindProtocol, "echoed address %d does not match request %d", gotAddress, address)
	}
	gotValue := binary.BigEndian.Uint16(payload[2:])
	if gotValue != value {
		return newError(KindProtocol, "echoed value %d does not match request %d", gotValue, value)
	}
	return nil
}

// unpackBits decodes a little-endian-within-byte bit stream, truncating to
// quantity.
func unpackBits(data []byte, quantity uint16) []bool {
	bits := make([]bool, quantity)
	for i := uint16(0); i < quantity; i++ {
		byteIdx := i / 8
		bitIdx := i % 8
		if int(byteIdx) >= len(data) {
			break
		}
		bits[i] = data[byteIdx]&(1<<bitIdx) != 0
	}
	return bits
}

// unpackRegisters decodes big-endian uint16 pairs, truncating to quantity.
func unpackRegisters(data []byte, quantity uint16) []uint16 {
	regs := make([]uint16, quantity)
	for i := uint16(0); i < quantity; i++ {
		off := int(i) * 2
		if off+2 > len(data) {
			break
		}
		regs[i] = binary.BigEndian.Uint16(data[off:])
	}
	return regs
}

func indexBools(start uint16, values []bool) map[uint16]bool {
	out := make(map[uint16]bool, len(values))
	for i, v := range values {
		out[start+uint16(i)] = v
	}
	return out
}

func indexUint16s(start uint16, values []uint16) map[uint16]uint16 {
	out := make(map[uint16]uint16, len(values))
	for i, v := range values {
		out[start+uint16(i)] = v
	}
	return out
}
