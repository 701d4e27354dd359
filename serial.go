// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// SerialAdapter abstracts byte-level serial port I/O, timing and
// buffer-waiting. The core depends only on this contract; any platform
// driver — the package serialport in this repository wraps go.bug.st/serial
// — is an external collaborator.
//
// All operations are synchronous/blocking from the core's perspective.
// ReadAvailable must return promptly whatever is currently buffered
// (possibly zero bytes) and must never block longer than the adapter's own
// configured low-level timeout.
type SerialAdapter interface {
	// Open opens the port per cfg. Calling Open on an already-open adapter
	// is a no-op.
	Open(cfg Config) error
	// Close closes the port. Calling Close on an already-closed adapter is
	// a no-op.
	Close() error
	// IsOpen reports whether the port is currently open.
	IsOpen() bool

	// WriteAll writes the entirety of data, or returns an error. A short
	// write (without error) is treated by the transaction engine the same
	// as an error: the transaction fails immediately as TransportError.
	WriteAll(data []byte) (int, error)
	// BytesAvailable returns the number of bytes currently buffered and
	// ready to read, without blocking.
	BytesAvailable() (int, error)
	// ReadAvailable reads up to max bytes that are currently buffered. It
	// must not block waiting for more bytes to arrive than are already
	// available.
	ReadAvailable(max int) ([]byte, error)
	// FlushInput discards any buffered input.
	FlushInput() error
	// FlushOutput discards any buffered, not-yet-transmitted output.
	FlushOutput() error
}
