// Package serialport provides the one concrete SerialAdapter this
// repository ships: a go.bug.st/serial-backed driver for RS-232/RS-485
// ports. It lives outside the core modbus package so the serial-port
// driver stays a thin, swappable layer underneath the protocol logic.
package serialport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	modbus "github.com/fieldlink/modbus-rtu"
)

// pollReadTimeout bounds how long a single underlying Read blocks while
// filling the adapter's internal buffer; it is what lets BytesAvailable and
// ReadAvailable return promptly without blocking on bytes that haven't
// arrived yet.
const pollReadTimeout = 5 * time.Millisecond

// Adapter implements modbus.SerialAdapter over a go.bug.st/serial port,
// with an idle-close timer: a port left unused past Config.IdleTimeout is
// closed and reopened transparently on the next transaction.
type Adapter struct {
	Logger *slog.Logger

	mu           sync.Mutex
	cfg          modbus.Config
	port         serial.Port
	buf          []byte
	lastActivity time.Time
	closeTimer   *time.Timer
}

// New creates an Adapter that logs through logger, which may be nil.
func New(logger *slog.Logger) *Adapter {
	return &Adapter{Logger: logger}
}

func (a *Adapter) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Debug(fmt.Sprintf(format, args...))
	}
}

// Open opens the serial port per cfg's Port/BaudRate, with fixed 8-N-1
// framing. Calling Open while already open is a no-op.
func (a *Adapter) Open(cfg modbus.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port != nil {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return fmt.Errorf("serialport: open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(pollReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("serialport: set read timeout on %s: %w", cfg.Port, err)
	}

	a.cfg = cfg
	a.port = port
	a.buf = nil
	a.touchLocked()
	a.startCloseTimerLocked()
	return nil
}

// Close closes the port. Calling Close on an already-closed Adapter is a
// no-op.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *Adapter) closeLocked() error {
	if a.port == nil {
		return nil
	}
	err := a.port.Close()
	a.port = nil
	a.buf = nil
	if a.closeTimer != nil {
		a.closeTimer.Stop()
	}
	return err
}

// IsOpen reports whether the port is currently open.
func (a *Adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.port != nil
}

// WriteAll writes data to the port.
func (a *Adapter) WriteAll(data []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return 0, fmt.Errorf("serialport: not open")
	}
	a.touchLocked()
	n, err := a.port.Write(data)
	a.logf("serialport: wrote % x", data[:n])
	return n, err
}

// fillLocked drains whatever the port currently has buffered into a.buf.
// Caller must hold a.mu. A read timeout with zero bytes is not an error: it
// simply means nothing is buffered right now.
func (a *Adapter) fillLocked() error {
	tmp := make([]byte, 256)
	n, err := a.port.Read(tmp)
	if n > 0 {
		a.buf = append(a.buf, tmp[:n]...)
	}
	if n == 0 && err == nil {
		return nil
	}
	return err
}

// BytesAvailable returns the number of bytes currently buffered, without
// blocking longer than pollReadTimeout.
func (a *Adapter) BytesAvailable() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return 0, fmt.Errorf("serialport: not open")
	}
	if err := a.fillLocked(); err != nil && len(a.buf) == 0 {
		return 0, err
	}
	return len(a.buf), nil
}

// ReadAvailable returns up to max bytes currently buffered.
func (a *Adapter) ReadAvailable(max int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return nil, fmt.Errorf("serialport: not open")
	}
	if err := a.fillLocked(); err != nil && len(a.buf) == 0 {
		return nil, err
	}
	if max > len(a.buf) {
		max = len(a.buf)
	}
	out := append([]byte(nil), a.buf[:max]...)
	a.buf = a.buf[max:]
	if len(out) > 0 {
		a.touchLocked()
		a.logf("serialport: read % x", out)
	}
	return out, nil
}

// FlushInput discards buffered input, on the wire and in the adapter's own
// internal buffer.
func (a *Adapter) FlushInput() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return fmt.Errorf("serialport: not open")
	}
	a.buf = nil
	return a.port.ResetInputBuffer()
}

// FlushOutput discards buffered, not-yet-transmitted output.
func (a *Adapter) FlushOutput() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return fmt.Errorf("serialport: not open")
	}
	return a.port.ResetOutputBuffer()
}

func (a *Adapter) touchLocked() {
	a.lastActivity = time.Now()
	a.startCloseTimerLocked()
}

func (a *Adapter) startCloseTimerLocked() {
	if a.cfg.IdleTimeout <= 0 {
		return
	}
	if a.closeTimer == nil {
		a.closeTimer = time.AfterFunc(a.cfg.IdleTimeout, a.closeIdle)
	} else {
		a.closeTimer.Reset(a.cfg.IdleTimeout)
	}
}

// closeIdle closes the port if it has been idle past cfg.IdleTimeout.
func (a *Adapter) closeIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil || a.cfg.IdleTimeout <= 0 {
		return
	}
	if idle := time.Since(a.lastActivity); idle >= a.cfg.IdleTimeout {
		a.logf("serialport: closing %s after %s idle", a.cfg.Port, idle)
		a.closeLocked()
	}
}
