package alert

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sawpanic/binancepipe/internal/model"
)

type fakeDispatcherStore struct {
	mu       sync.Mutex
	pending  []model.AlertQueueRecord
	attempts map[int64]string
	processed map[int64]bool
	clearedError map[int64]bool
}

func newFakeDispatcherStore(entries ...model.AlertQueueRecord) *fakeDispatcherStore {
	return &fakeDispatcherStore{
		pending:      entries,
		attempts:     make(map[int64]string),
		processed:    make(map[int64]bool),
		clearedError: make(map[int64]bool),
	}
}

func (f *fakeDispatcherStore) GetPendingAlerts(ctx context.Context, limit int) ([]model.AlertQueueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AlertQueueRecord
	for _, e := range f.pending {
		if !f.processed[e.ID] {
			out = append(out, e)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeDispatcherStore) MarkAlertAttempt(ctx context.Context, id int64, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[id] = lastErr
	for i := range f.pending {
		if f.pending[i].ID == id {
			f.pending[i].AttemptCount++
		}
	}
	return nil
}

func (f *fakeDispatcherStore) MarkAlertProcessed(ctx context.Context, id int64, processedAt int64, clearError bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[id] = true
	f.clearedError[id] = clearError
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	calls     []model.CvdAlertPayload
	failFor   map[string]bool
	errFor    map[string]string
}

func (f *fakeSink) Send(ctx context.Context, payload model.CvdAlertPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, payload)
	if msg, ok := f.errFor[payload.AggregatorID]; ok {
		return errors.New(msg)
	}
	if f.failFor[payload.AggregatorID] {
		return errors.New("delivery failed")
	}
	return nil
}

func alertEntry(id int64, aggregatorID string, attemptCount int) model.AlertQueueRecord {
	payload := model.CvdAlertPayload{AggregatorID: aggregatorID, AlertType: "cvd_spike"}
	raw, _ := json.Marshal(payload)
	return model.AlertQueueRecord{ID: id, AlertType: "cvd_spike", Symbol: aggregatorID, AttemptCount: attemptCount, Payload: string(raw)}
}

func TestDispatcher_DeliversPendingAndMarksProcessed(t *testing.T) {
	store := newFakeDispatcherStore(alertEntry(1, "btc-spot", 0))
	sink := &fakeSink{}
	d := NewDispatcher(store, sink, DispatcherConfig{})

	require.NoError(t, d.RunCycle(context.Background()))

	require.Len(t, sink.calls, 1)
	require.True(t, store.processed[1])
	require.True(t, store.clearedError[1])
}

func TestDispatcher_RetiresExhaustedEntriesWithoutSending(t *testing.T) {
	store := newFakeDispatcherStore(alertEntry(1, "btc-spot", 5))
	sink := &fakeSink{}
	d := NewDispatcher(store, sink, DispatcherConfig{MaxAttempts: 5})

	require.NoError(t, d.RunCycle(context.Background()))

	require.Empty(t, sink.calls)
	require.True(t, store.processed[1])
	require.False(t, store.clearedError[1])
	require.Equal(t, "Retry limit reached", store.attempts[1])
}

func TestDispatcher_FailureMarksLastErrorAndRetriesLater(t *testing.T) {
	store := newFakeDispatcherStore(alertEntry(1, "btc-spot", 0))
	sink := &fakeSink{failFor: map[string]bool{"btc-spot": true}}
	d := NewDispatcher(store, sink, DispatcherConfig{MaxAttempts: 5})

	require.NoError(t, d.RunCycle(context.Background()))

	require.False(t, store.processed[1])
	require.Equal(t, "delivery failed", store.attempts[1])
}

func TestDispatcher_FailureOnLastAttemptMarksProcessed(t *testing.T) {
	store := newFakeDispatcherStore(alertEntry(1, "btc-spot", 4))
	sink := &fakeSink{failFor: map[string]bool{"btc-spot": true}}
	d := NewDispatcher(store, sink, DispatcherConfig{MaxAttempts: 5})

	require.NoError(t, d.RunCycle(context.Background()))

	require.True(t, store.processed[1])
	require.False(t, store.clearedError[1])
}

func TestDispatcher_TruncatesLongErrorMessages(t *testing.T) {
	longMsg := make([]byte, 600)
	for i := range longMsg {
		longMsg[i] = 'x'
	}
	store := newFakeDispatcherStore(alertEntry(1, "btc-spot", 0))
	sink := &fakeSink{errFor: map[string]string{"btc-spot": string(longMsg)}}
	d := NewDispatcher(store, sink, DispatcherConfig{MaxAttempts: 5})

	require.NoError(t, d.RunCycle(context.Background()))
	require.Equal(t, maxLastErrorLen, len(store.attempts[1]))
}

func TestDispatcher_Run_StopsOnContextCancel(t *testing.T) {
	store := newFakeDispatcherStore()
	sink := &fakeSink{}
	d := NewDispatcher(store, sink, DispatcherConfig{PollInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop on context cancel")
	}
}
