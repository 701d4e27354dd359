package modbus

import (
	"strconv"
	"sync"
	"time"
)

// unitKey identifies a Per-Unit Device State record by the port it was
// observed on and its unit id.
type unitKey struct {
	port   string
	unitID byte
}

// unitState is the mutable, per-unit record. Access is guarded by its own
// mutex so readers of one unit never block writers of another.
type unitState struct {
	mu sync.RWMutex

	port    string
	unitID  byte
	baud    int
	updated time.Time

	coils           map[uint16]bool
	discreteInputs  map[uint16]bool
	holdingRegs     map[uint16]uint16
	inputRegs       map[uint16]uint16

	requests  uint64
	successes uint64
	errors    uint64
	timeouts  uint64
	crcErrors uint64

	lastError     string
	lastErrorTime time.Time
}

// Tracker is a process-wide map from (port, unit id) to Per-Unit Device
// State. Entries are created on first interaction with that unit id and
// mutated only by the Client on transaction completion; external consumers
// only ever see Snapshot copies, never references into the tracker.
type Tracker struct {
	mu    sync.RWMutex
	units map[unitKey]*unitState
}

// NewTracker creates an empty, ready-to-use Tracker.
func NewTracker() *Tracker {
	return &Tracker{units: make(map[unitKey]*unitState)}
}

func (t *Tracker) entry(port string, unitID byte, baud int) *unitState {
	key := unitKey{port: port, unitID: unitID}

	t.mu.RLock()
	u, ok := t.units[key]
	t.mu.RUnlock()
	if ok {
		return u
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.units[key]; ok {
		return u
	}
	u = &unitState{
		port:           port,
		unitID:         unitID,
		baud:           baud,
		coils:          make(map[uint16]bool),
		discreteInputs: make(map[uint16]bool),
		holdingRegs:    make(map[uint16]uint16),
		inputRegs:      make(map[uint16]uint16),
	}
	t.units[key] = u
	return u
}

// recordRequest increments the request counter, unconditionally, before the
// outcome of a transaction is known; request_count is therefore monotone
// non-decreasing.
func (t *Tracker) recordRequest(port string, unitID byte, baud int) {
	u := t.entry(port, unitID, baud)
	u.mu.Lock()
	u.requests++
	u.mu.Unlock()
}

// recordSuccess folds an observed Normal response's addressed values into
// the unit's snapshot and increments successes.
func (t *Tracker) recordSuccess(port string, unitID byte, baud int, values observedValues, crcBypass bool) {
	u := t.entry(port, unitID, baud)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.successes++
	u.updated = time.Now()
	for addr, v := range values.coils {
		u.coils[addr] = v
	}
	for addr, v := range values.discreteInputs {
		u.discreteInputs[addr] = v
	}
	for addr, v := range values.holdingRegs {
		u.holdingRegs[addr] = v
	}
	for addr, v := range values.inputRegs {
		u.inputRegs[addr] = v
	}
	if crcBypass {
		u.crcErrors++
	}
}

// recordError increments errors and records the failure message. A timeout
// additionally increments the timeout counter.
func (t *Tracker) recordError(port string, unitID byte, baud int, err error, timeout bool) {
	u := t.entry(port, unitID, baud)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.errors++
	if timeout {
		u.timeouts++
	}
	u.lastError = err.Error()
	u.lastErrorTime = time.Now()
}

// observedValues carries the addressed coil/register values a completed
// Normal transaction observed, keyed by each value's own address.
type observedValues struct {
	coils          map[uint16]bool
	discreteInputs map[uint16]bool
	holdingRegs    map[uint16]uint16
	inputRegs      map[uint16]uint16
}

// UnitSnapshot is a point-in-time copy of a Per-Unit Device State record,
// JSON-shaped for external consumption.
type UnitSnapshot struct {
	UnitID    byte    `json:"unit_id"`
	Port      string  `json:"port"`
	BaudRate  int     `json:"baudrate"`
	UpdatedAt float64 `json:"last_updated"`

	Coils             map[string]bool   `json:"coils"`
	DiscreteInputs    map[string]bool   `json:"discrete_inputs"`
	HoldingRegisters  map[string]uint16 `json:"holding_registers"`
	InputRegisters    map[string]uint16 `json:"input_registers"`

	RequestCount  uint64 `json:"request_count"`
	SuccessCount  uint64 `json:"success_count"`
	ErrorCount    uint64 `json:"error_count"`
	TimeoutCount  uint64 `json:"timeout_count"`
	CRCErrorCount uint64 `json:"crc_error_count"`

	LastError     *string  `json:"last_error"`
	LastErrorTime *float64 `json:"last_error_time"`
}

func (u *unitState) snapshot() UnitSnapshot {
	u.mu.RLock()
	defer u.mu.RUnlock()

	s := UnitSnapshot{
		UnitID:           u.unitID,
		Port:             u.port,
		BaudRate:         u.baud,
		UpdatedAt:        epochSeconds(u.updated),
		Coils:            stringifyBoolMap(u.coils),
		DiscreteInputs:   stringifyBoolMap(u.discreteInputs),
		HoldingRegisters: stringifyUint16Map(u.holdingRegs),
		InputRegisters:   stringifyUint16Map(u.inputRegs),
		RequestCount:     u.requests,
		SuccessCount:     u.successes,
		ErrorCount:       u.errors,
		TimeoutCount:     u.timeouts,
		CRCErrorCount:    u.crcErrors,
	}
	if u.lastError != "" {
		lastError := u.lastError
		s.LastError = &lastError
		t := epochSeconds(u.lastErrorTime)
		s.LastErrorTime = &t
	}
	return s
}

// Snapshot returns a point-in-time copy of the named unit's state, or false
// if no entry exists for (port, unitID) yet.
func (t *Tracker) Snapshot(port string, unitID byte) (UnitSnapshot, bool) {
	t.mu.RLock()
	u, ok := t.units[unitKey{port: port, unitID: unitID}]
	t.mu.RUnlock()
	if !ok {
		return UnitSnapshot{}, false
	}
	return u.snapshot(), true
}

// SnapshotAll returns a point-in-time copy of every tracked unit.
func (t *Tracker) SnapshotAll() []UnitSnapshot {
	t.mu.RLock()
	units := make([]*unitState, 0, len(t.units))
	for _, u := range t.units {
		units = append(units, u)
	}
	t.mu.RUnlock()

	out := make([]UnitSnapshot, len(units))
	for i, u := range units {
		out[i] = u.snapshot()
	}
	return out
}

func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}

func stringifyBoolMap(m map[uint16]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for addr, v := range m {
		out[strconv.Itoa(int(addr))] = v
	}
	return out
}

func stringifyUint16Map(m map[uint16]uint16) map[string]uint16 {
	out := make(map[string]uint16, len(m))
	for addr, v := range m {
		out[strconv.Itoa(int(addr))] = v
	}
	return out
}
