package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackerRequestCountMonotone(t *testing.T) {
	tr := NewTracker()
	for i := 0; i < 5; i++ {
		tr.recordRequest("/dev/ttyUSB0", 1, 9600)
	}
	snap, ok := tr.Snapshot("/dev/ttyUSB0", 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(5), snap.RequestCount)
}

func TestTrackerRecordSuccessFoldsValues(t *testing.T) {
	tr := NewTracker()
	tr.recordSuccess("/dev/ttyUSB0", 1, 9600, observedValues{
		coils: map[uint16]bool{0: true, 1: false},
	}, false)

	snap, ok := tr.Snapshot("/dev/ttyUSB0", 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), snap.SuccessCount)
	assert.Equal(t, map[string]bool{"0": true, "1": false}, snap.Coils)
	assert.Nil(t, snap.LastError)
}

func TestTrackerRecordErrorSetsLastError(t *testing.T) {
	tr := NewTracker()
	tr.recordError("/dev/ttyUSB0", 1, 9600, newError(KindTimeout, "boom"), true)

	snap, ok := tr.Snapshot("/dev/ttyUSB0", 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), snap.ErrorCount)
	assert.Equal(t, uint64(1), snap.TimeoutCount)
	assert.NotNil(t, snap.LastError)
	assert.Contains(t, *snap.LastError, "boom")
}

func TestTrackerSnapshotUnknownUnit(t *testing.T) {
	tr := NewTracker()
	_, ok := tr.Snapshot("/dev/ttyUSB0", 9)
	assert.False(t, ok)
}

func TestTrackerIsolatesUnitsOnSamePort(t *testing.T) {
	tr := NewTracker()
	tr.recordRequest("/dev/ttyUSB0", 1, 9600)
	tr.recordRequest("/dev/ttyUSB0", 2, 9600)
	tr.recordRequest("/dev/ttyUSB0", 2, 9600)

	snap1, _ := tr.Snapshot("/dev/ttyUSB0", 1)
	snap2, _ := tr.Snapshot("/dev/ttyUSB0", 2)
	assert.Equal(t, uint64(1), snap1.RequestCount)
	assert.Equal(t, uint64(2), snap2.RequestCount)
}

func TestTrackerSnapshotAllCoversEveryUnit(t *testing.T) {
	tr := NewTracker()
	tr.recordRequest("/dev/ttyUSB0", 1, 9600)
	tr.recordRequest("/dev/ttyUSB1", 3, 19200)

	all := tr.SnapshotAll()
	assert.Len(t, all, 2)
}
