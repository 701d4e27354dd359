package modbus

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestClientReadCoilsS1 exercises spec scenario S1 through the full Client
// facade against a scripted fake adapter.
func TestClientReadCoilsS1(t *testing.T) {
	adapter := newFakeAdapter([]byte{0x01, 0x01, 0x01, 0x00, 0x51, 0x88})
	cfg := DefaultConfig("fake", 9600)
	tracker := NewTracker()
	client, err := NewClient(adapter, cfg, tracker)
	assert.NoError(t, err)
	assert.NoError(t, client.Open())
	defer client.Close()

	bits, err := client.ReadCoils(context.Background(), 1, 0, 1)
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, bits)

	snap, ok := tracker.Snapshot("fake", 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), snap.SuccessCount)
}

// TestClientWriteSingleCoilS3 exercises spec scenario S3.
func TestClientWriteSingleCoilS3(t *testing.T) {
	adapter := newFakeAdapter([]byte{0x01, 0x05, 0x00, 0x00, 0xFF, 0x00, 0x8C, 0x3A})
	cfg := DefaultConfig("fake", 9600)
	tracker := NewTracker()
	client, err := NewClient(adapter, cfg, tracker)
	assert.NoError(t, err)
	assert.NoError(t, client.Open())
	defer client.Close()

	err = client.WriteSingleCoil(context.Background(), 1, 0, true)
	assert.NoError(t, err)

	snap, ok := tracker.Snapshot("fake", 1)
	assert.True(t, ok)
	assert.Equal(t, map[string]bool{"0": true}, snap.Coils)
}

// TestClientExceptionS4 exercises spec scenario S4: an Exception response is
// surfaced as a *Error with Kind == KindException and is not retried.
func TestClientExceptionS4(t *testing.T) {
	adapter := newFakeAdapter([]byte{0x01, 0x83, 0x02, 0xC0, 0xF1})
	cfg := DefaultConfig("fake", 9600)
	tracker := NewTracker()
	client, err := NewClient(adapter, cfg, tracker)
	assert.NoError(t, err)
	assert.NoError(t, client.Open())
	defer client.Close()

	_, err = client.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	assert.Error(t, err)
	mbErr, ok := err.(*Error)
	assert.True(t, ok)
	assert.Equal(t, KindException, mbErr.Kind)
	assert.Equal(t, byte(ExceptionIllegalDataAddress), mbErr.ExceptionCode)

	assert.Len(t, adapter.writes, 1, "an exception response must not be retried")

	snap, ok := tracker.Snapshot("fake", 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), snap.ErrorCount)
}

// TestClientLenientCRCS5 exercises spec scenario S5.
func TestClientLenientCRCS5(t *testing.T) {
	response := []byte{0x01, 0x01, 0x01, 0x00, 0x88, 0x51}

	strictCfg := DefaultConfig("fake", 9600)
	strictCfg.Retries = 0
	strictAdapter := newFakeAdapter(response)
	strictClient, err := NewClient(strictAdapter, strictCfg, nil)
	assert.NoError(t, err)
	assert.NoError(t, strictClient.Open())
	defer strictClient.Close()

	_, err = strictClient.ReadCoils(context.Background(), 1, 0, 1)
	assert.Error(t, err)
	mbErr, ok := err.(*Error)
	assert.True(t, ok)
	assert.Equal(t, KindCRC, mbErr.Kind)

	lenientCfg := DefaultConfig("fake", 9600)
	lenientCfg.LenientCRC = true
	tracker := NewTracker()
	lenientAdapter := newFakeAdapter(response)
	lenientClient, err := NewClient(lenientAdapter, lenientCfg, tracker)
	assert.NoError(t, err)
	assert.NoError(t, lenientClient.Open())
	defer lenientClient.Close()

	bits, err := lenientClient.ReadCoils(context.Background(), 1, 0, 1)
	assert.NoError(t, err)
	assert.Equal(t, []bool{false}, bits)

	snap, ok := tracker.Snapshot("fake", 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), snap.CRCErrorCount)
}

func TestClientNotConnectedBeforeOpen(t *testing.T) {
	adapter := newFakeAdapter()
	cfg := DefaultConfig("fake", 9600)
	client, err := NewClient(adapter, cfg, nil)
	assert.NoError(t, err)

	_, err = client.ReadCoils(context.Background(), 1, 0, 1)
	assert.Error(t, err)
	mbErr, ok := err.(*Error)
	assert.True(t, ok)
	assert.Equal(t, KindNotConnected, mbErr.Kind)
}

func TestWithClientClosesOnReturn(t *testing.T) {
	adapter := newFakeAdapter([]byte{0x01, 0x01, 0x01, 0x00, 0x51, 0x88})
	cfg := DefaultConfig("fake", 9600)

	err := WithClient(adapter, cfg, nil, func(c *Client) error {
		_, err := c.ReadCoils(context.Background(), 1, 0, 1)
		return err
	})
	assert.NoError(t, err)
	assert.False(t, adapter.IsOpen(), "WithClient must close the adapter on return")
}

func TestReadHoldingRegistersWaveshareFallback(t *testing.T) {
	// First response: Illegal Function exception for the standard 0x03
	// request. Second response: a Normal 0x43 vendor-function reply.
	adapter := newFakeAdapter(
		exceptionFrame(0x01, FuncCodeReadHoldingRegisters, ExceptionIllegalFunction),
		normalFrame(0x01, funcCodeReadHoldingRegistersWaveshare, []byte{0x02, 0x00, 0x07}),
	)

	cfg := DefaultConfig("fake", 9600)
	cfg.WaveshareHoldingFallback = true
	client, err := NewClient(adapter, cfg, nil)
	assert.NoError(t, err)
	assert.NoError(t, client.Open())
	defer client.Close()

	regs, err := client.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	assert.NoError(t, err)
	assert.Equal(t, []uint16{7}, regs)
}

// writeObservingAdapter wraps a fakeAdapter and calls onSecondWrite the
// instant the second WriteAll completes.
type writeObservingAdapter struct {
	*fakeAdapter
	onSecondWrite func()
}

func (w *writeObservingAdapter) WriteAll(data []byte) (int, error) {
	n, err := w.fakeAdapter.WriteAll(data)
	if w.fakeAdapter.call == 2 {
		w.onSecondWrite()
	}
	return n, err
}

// TestClientLockCoversTrackerUpdate exercises spec.md §5's ordering
// guarantee: the Client's lock must stay held through the state-tracker
// update, not just through the wire transaction. Two concurrent calls share
// one Client; by the time the second call's frame goes out, the first
// call's tracker update must already be visible, because the second call
// cannot have acquired the lock otherwise.
func TestClientLockCoversTrackerUpdate(t *testing.T) {
	inner := newFakeAdapter(
		[]byte{0x01, 0x03, 0x02, 0x00, 0x01, 0x79, 0x84},
		[]byte{0x01, 0x03, 0x02, 0x00, 0x02, 0x39, 0x85},
	)
	secondWriteStarted := make(chan struct{})
	adapter := &writeObservingAdapter{fakeAdapter: inner, onSecondWrite: func() { close(secondWriteStarted) }}

	cfg := DefaultConfig("fake", 9600)
	tracker := NewTracker()
	client, err := NewClient(adapter, cfg, tracker)
	assert.NoError(t, err)
	assert.NoError(t, client.Open())
	defer client.Close()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.ReadHoldingRegisters(context.Background(), 1, 0, 1)
			assert.NoError(t, err)
		}()
	}

	<-secondWriteStarted
	snap, ok := tracker.Snapshot("fake", 1)
	assert.True(t, ok)
	assert.Equal(t, uint64(1), snap.SuccessCount,
		"the first call's tracker update must complete before the second call's write begins")

	wg.Wait()
}

func exceptionFrame(unit, function byte, exceptionCode int) []byte {
	payload := []byte{unit, function | exceptionBit, byte(exceptionCode)}
	checksum := crc16(payload)
	return append(payload, byte(checksum), byte(checksum>>8))
}

func normalFrame(unit, function byte, payload []byte) []byte {
	frame := append([]byte{unit, function}, payload...)
	checksum := crc16(frame)
	return append(frame, byte(checksum), byte(checksum>>8))
}
