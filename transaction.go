// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"math"
	"sync"
	"time"
)

// pollInterval is how often the progressive reader polls BytesAvailable
// while idle.
const pollInterval = 10 * time.Millisecond

// engine runs one transaction at a time: send -> wait -> progressive read ->
// validate -> retry, with adaptive timing and exponential backoff. One
// engine serializes every transaction for a single serial port: the mutex
// is held for the duration of a transaction including all of its retries,
// so concurrent callers queue rather than interleave frames on the wire.
type engine struct {
	adapter SerialAdapter
	cfg     Config

	mu       sync.Mutex
	lastSend time.Time
	opened   bool
}

func newEngine(adapter SerialAdapter, cfg Config) *engine {
	return &engine{adapter: adapter, cfg: cfg}
}

// open opens the underlying adapter and marks the engine logically open.
// This is the Client-level "open" intent, distinct from the adapter's own
// physical IsOpen(): an idle-closed adapter leaves this flag untouched so
// roundTrip knows to reopen transparently rather than report NotConnected.
func (e *engine) open() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.adapter.Open(e.cfg); err != nil {
		return err
	}
	e.opened = true
	return nil
}

// close closes the underlying adapter and clears the logical-open flag.
func (e *engine) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.adapter.Close()
	e.opened = false
	return err
}

// isOpen reports the logical-open flag set by open/close, not the
// adapter's own possibly idle-closed physical state.
func (e *engine) isOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opened
}

// roundTrip runs one transaction for pdu addressed to unitID, including
// retries, and returns the parsed Response. requestIsWrite gates the
// permissive CRC fallback, which write operations never use.
func (e *engine) roundTrip(ctx context.Context, unitID byte, pdu ProtocolDataUnit, requestIsWrite bool) (Response, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.opened {
		return Response{}, newError(KindNotConnected, "client is not connected")
	}
	if !e.adapter.IsOpen() {
		// The adapter closed itself (e.g. an idle-close timer) without the
		// Client ever calling Close. Reopen transparently, the same way the
		// teacher's rtuSerialTransporter.Send calls connect() before Send.
		if err := e.adapter.Open(e.cfg); err != nil {
			return Response{}, wrapError(KindTransport, err, "reopen %s after idle close failed", e.cfg.Port)
		}
	}

	adu, err := encodeADU(unitID, pdu)
	if err != nil {
		return Response{}, err
	}

	attempts := e.cfg.Retries + 1
	maxAttemptTimeout := attemptTimeout(e.cfg.Timeout, e.cfg.Retries)
	hardDeadline := time.Now().Add(time.Duration(attempts) * maxAttemptTimeout)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBackoff(attempt))
		}
		if time.Now().After(hardDeadline) {
			lastErr = newError(KindTimeout, "transaction deadline elapsed before attempt %d", attempt)
			break
		}

		attemptDeadline := time.Now().Add(attemptTimeout(e.cfg.Timeout, attempt))
		if attemptDeadline.After(hardDeadline) {
			attemptDeadline = hardDeadline
		}

		resp, err := e.attempt(ctx, unitID, pdu.FunctionCode, adu, attempt, requestIsWrite, attemptDeadline)
		if err == nil {
			return resp, nil
		}
		mbErr, _ := err.(*Error)
		if mbErr != nil && mbErr.Kind == KindException {
			return resp, err
		}
		lastErr = err
		if mbErr != nil && !mbErr.retriable() {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

// attempt runs a single send/wait/read/parse cycle.
func (e *engine) attempt(ctx context.Context, unitID, function byte, adu []byte, retryIndex int, requestIsWrite bool, deadline time.Time) (Response, error) {
	if err := e.preSend(); err != nil {
		return Response{}, err
	}

	n, err := e.adapter.WriteAll(adu)
	if err != nil {
		return Response{}, wrapError(KindTransport, err, "write failed")
	}
	if n != len(adu) {
		return Response{}, newError(KindTransport, "short write: wrote %d of %d bytes", n, len(adu))
	}
	e.lastSend = time.Now()

	time.Sleep(adaptiveWait(e.cfg.BaudRate, retryIndex))

	frame, err := e.progressiveRead(ctx, function, deadline)
	if err != nil {
		return Response{}, err
	}

	opts := parseOptions{
		LenientFunctionCode: e.cfg.LenientFunctionCode,
		LenientUnitID:       e.cfg.LenientUnitID,
		LenientCRC:          e.cfg.LenientCRC,
		RequestIsWrite:      requestIsWrite,
	}
	resp, err := parseResponse(ctx, e.cfg.Logger, frame, unitID, function, opts)
	if err != nil {
		return Response{}, err
	}
	if resp.Exception {
		return resp, newExceptionError(resp.Function, resp.Code)
	}
	return resp, nil
}

// preSend flushes both buffers and sleeps out the remainder of the
// inter-frame delay since the previous send on this port.
func (e *engine) preSend() error {
	if err := e.adapter.FlushInput(); err != nil {
		return wrapError(KindTransport, err, "flush input failed")
	}
	if err := e.adapter.FlushOutput(); err != nil {
		return wrapError(KindTransport, err, "flush output failed")
	}
	if !e.lastSend.IsZero() {
		if remaining := e.cfg.InterFrameDelay - time.Since(e.lastSend); remaining > 0 {
			time.Sleep(remaining)
		}
	}
	return nil
}

// progressiveRead polls BytesAvailable until expectedResponseLength can be
// satisfied or deadline elapses. It always polls at least once, so a
// response already buffered when the deadline has passed is still read.
func (e *engine) progressiveRead(ctx context.Context, requestFunction byte, deadline time.Time) ([]byte, error) {
	buf := make([]byte, 0, rtuMaxADUSize)
	polled := false
	for {
		if total, ok := expectedResponseLength(requestFunction, buf); ok && len(buf) >= total {
			return buf[:total], nil
		}
		if ctx.Err() != nil {
			return nil, wrapError(KindTimeout, ctx.Err(), "context done while waiting for response")
		}
		if polled && !time.Now().Before(deadline) {
			return nil, newError(KindTimeout, "deadline elapsed with %d bytes received: % x", len(buf), buf)
		}

		polled = true
		avail, err := e.adapter.BytesAvailable()
		if err != nil {
			return nil, wrapError(KindTransport, err, "bytes_available failed")
		}
		if avail == 0 {
			time.Sleep(pollInterval)
			continue
		}
		chunk, err := e.adapter.ReadAvailable(avail)
		if err != nil {
			return nil, wrapError(KindTransport, err, "read failed")
		}
		buf = append(buf, chunk...)
	}
}

// adaptiveWait computes the sleep before the first read attempt:
// max(0.1s, 2 * t_min * (1 + 0.5*retryIndex)) where t_min is the expected
// minimum transmission time of a 4-byte frame at baud.
func adaptiveWait(baud, retryIndex int) time.Duration {
	tMin := charTime(baud) * 4
	wait := time.Duration(float64(tMin) * 2 * (1 + 0.5*float64(retryIndex)))
	if wait < 100*time.Millisecond {
		wait = 100 * time.Millisecond
	}
	return wait
}

// attemptTimeout widens base by 50% for each prior attempt.
func attemptTimeout(base time.Duration, attempt int) time.Duration {
	return time.Duration(float64(base) * math.Pow(1.5, float64(attempt)))
}

// retryBackoff is 0 for the first try (attempt 0) and
// 0.1 * 2^(attempt-1) seconds for each retry after it.
func retryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return time.Duration(0.1*math.Pow(2, float64(attempt-1)) * float64(time.Second))
}
