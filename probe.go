package modbus

import (
	"context"
)

// DefaultProbeBauds is the highest-first baud sweep order used for
// auto-detection.
var DefaultProbeBauds = []int{115200, 57600, 38400, 19200, 9600}

// DefaultProbeUnitIDs is the unit-id sweep order used for auto-detection.
var DefaultProbeUnitIDs = []byte{1, 2, 3, 0}

// DetectedConfig is the working configuration the Auto-Detect Probe found.
type DetectedConfig struct {
	Port   string
	Baud   int
	UnitID byte
}

// Dialer opens a fresh SerialAdapter for one (port, baud) candidate. The
// probe calls Close on whatever it opens once it has moved on, so Dialer
// implementations need not track lifetime themselves.
type Dialer func(port string, baud int) (SerialAdapter, error)

// ProbeOptions configures one Probe run. Ports is required; Bauds and
// UnitIDs default to DefaultProbeBauds/DefaultProbeUnitIDs when nil.
type ProbeOptions struct {
	Ports   []string
	Bauds   []int
	UnitIDs []byte
	Dial    Dialer

	// BaseConfig supplies every Config field other than Port and BaudRate
	// (timeouts, retries, lenient flags). StateTracking is forced off for
	// probe transactions.
	BaseConfig Config
}

// Probe sweeps ports x bauds x unit IDs and returns the first tuple that
// answers a cheap ReadCoils(unit, 0, 1) probe with a Normal response. It
// gives up after exhausting the cross product and never leaves a probed
// port open, on success or failure.
func Probe(ctx context.Context, opts ProbeOptions) (*DetectedConfig, error) {
	bauds := opts.Bauds
	if bauds == nil {
		bauds = DefaultProbeBauds
	}
	units := opts.UnitIDs
	if units == nil {
		units = DefaultProbeUnitIDs
	}

	for _, port := range opts.Ports {
		for _, baud := range bauds {
			result, err := probePortBaud(ctx, opts, port, baud, units)
			if err != nil {
				continue
			}
			if result != nil {
				return result, nil
			}
		}
	}
	return nil, newError(KindTimeout, "no responsive device found across %d port(s), %d baud(s), %d unit id(s)",
		len(opts.Ports), len(bauds), len(units))
}

func probePortBaud(ctx context.Context, opts ProbeOptions, port string, baud int, units []byte) (*DetectedConfig, error) {
	adapter, err := opts.Dial(port, baud)
	if err != nil {
		return nil, err
	}

	cfg := opts.BaseConfig
	cfg.Port = port
	cfg.BaudRate = baud
	cfg.StateTracking = false

	client, err := NewClient(adapter, cfg, nil)
	if err != nil {
		adapter.Close()
		return nil, err
	}
	if err := client.Open(); err != nil {
		adapter.Close()
		return nil, err
	}
	defer client.Close()

	for _, unit := range units {
		if _, err := client.ReadCoils(ctx, unit, 0, 1); err == nil {
			return &DetectedConfig{Port: port, Baud: baud, UnitID: unit}, nil
		}
	}
	return nil, nil
}
