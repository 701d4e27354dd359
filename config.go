package modbus

import (
	"log/slog"
	"time"
)

// validBaudRates enumerates the baud rates a Config accepts.
var validBaudRates = map[int]bool{
	1200: true, 2400: true, 4800: true, 9600: true,
	19200: true, 38400: true, 57600: true, 115200: true,
}

// Config is the connection configuration consumed by a Client.
type Config struct {
	// Port is the path to the serial device, e.g. "/dev/ttyUSB0".
	Port string
	// BaudRate must be one of {1200, 2400, 4800, 9600, 19200, 38400, 57600,
	// 115200}.
	BaudRate int

	// Timeout is the per-attempt deadline. Defaults to 1 second. Must be at
	// least 3.5 character times at BaudRate.
	Timeout time.Duration
	// UnitIDDefault is used by operations that omit an explicit unit id.
	// Defaults to 1.
	UnitIDDefault byte
	// Retries is the number of additional attempts after the first
	// failure. Defaults to 2 (3 attempts total).
	Retries int
	// InterFrameDelay is the minimum pause between outbound frames on this
	// port. Defaults to 3.5 character times at BaudRate, floored at 10ms.
	InterFrameDelay time.Duration

	// LenientCRC accepts non-standard CRC variants on read responses.
	// Default false. Write operations never run in permissive mode
	// regardless of this flag.
	LenientCRC bool
	// LenientFunctionCode accepts whitelisted function-code echoes.
	// Default true.
	LenientFunctionCode bool
	// LenientUnitID accepts broadcast/mismatched unit-id echoes.
	// Default false.
	LenientUnitID bool

	// StateTracking enables the device state tracker. Default true.
	StateTracking bool

	// WaveshareHoldingFallback enables retrying a failed 0x03 (Read
	// Holding Registers) with vendor function 0x43. Default false.
	WaveshareHoldingFallback bool

	// IdleTimeout closes the underlying serial adapter after this long
	// without activity; it is reopened transparently on the next
	// transaction. Zero disables idle-closing. Default 60s.
	IdleTimeout time.Duration

	// Logger receives the warn-level function-code, unit-id and
	// CRC-fallback tolerance logs. Frame hex dumps are not written to it;
	// serialport.Adapter logs those through its own Logger. A nil Logger is
	// a no-op: logging never participates in control flow.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with every optional field set to its
// documented default; Port and BaudRate must still be filled in by the
// caller.
func DefaultConfig(port string, baudRate int) Config {
	return Config{
		Port:                port,
		BaudRate:            baudRate,
		Timeout:             time.Second,
		UnitIDDefault:       1,
		Retries:             2,
		InterFrameDelay:     defaultInterFrameDelay(baudRate),
		LenientCRC:          false,
		LenientFunctionCode: true,
		LenientUnitID:       false,
		StateTracking:       true,
		IdleTimeout:         60 * time.Second,
	}
}

// validate checks Port and BaudRate and fills in zero-valued optional
// fields with their defaults.
func (c *Config) validate() error {
	if c.Port == "" {
		return newError(KindInvalidArgument, "port must not be empty")
	}
	if !validBaudRates[c.BaudRate] {
		return newError(KindInvalidArgument, "baud rate %d is not one of the supported rates", c.BaudRate)
	}
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	minTimeout := time.Duration(float64(charTime(c.BaudRate)) * 3.5)
	if c.Timeout < minTimeout {
		return newError(KindInvalidArgument, "timeout %s is below the minimum %s (3.5 character times at %d baud)", c.Timeout, minTimeout, c.BaudRate)
	}
	if c.UnitIDDefault == 0 {
		c.UnitIDDefault = 1
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.InterFrameDelay <= 0 {
		c.InterFrameDelay = defaultInterFrameDelay(c.BaudRate)
	}
	if c.InterFrameDelay < 10*time.Millisecond {
		c.InterFrameDelay = 10 * time.Millisecond
	}
	return nil
}

// charTime returns the duration of one 10-bit serial character (8 data + 1
// start + 1 stop) at baud.
func charTime(baud int) time.Duration {
	if baud <= 0 {
		return time.Millisecond
	}
	return time.Duration(float64(time.Second) * 10 / float64(baud))
}

// defaultInterFrameDelay returns 3.5 character times at baud, floored at
// 10ms.
func defaultInterFrameDelay(baud int) time.Duration {
	d := time.Duration(float64(charTime(baud)) * 3.5)
	if d < 10*time.Millisecond {
		d = 10 * time.Millisecond
	}
	return d
}
