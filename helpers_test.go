package inventory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/matsushun1/inventory/adapters"
	"github.com/matsushun1/inventory/adapters/memory"
)

// testLogger records messages per level.
type testLogger struct {
	mu        sync.Mutex
	debugLogs []string
	infoLogs  []string
	warnLogs  []string
	errorLogs []string
}

func newTestLogger() *testLogger {
	return &testLogger{}
}

func (l *testLogger) Debug(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugLogs = append(l.debugLogs, msg)
}

func (l *testLogger) Info(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infoLogs = append(l.infoLogs, msg)
}

func (l *testLogger) Warn(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnLogs = append(l.warnLogs, msg)
}

func (l *testLogger) Error(msg string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errorLogs = append(l.errorLogs, msg)
}

func (l *testLogger) errorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errorLogs...)
}

func (l *testLogger) warnMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnLogs...)
}

// flakyAdapter wraps the memory adapter and fails calls on demand.
type flakyAdapter struct {
	*memory.MemoryAdapter

	mu          sync.Mutex
	appendErrs  []error
	loadErr     error
	beforeWrite func()
}

func newFlakyAdapter() *flakyAdapter {
	return &flakyAdapter{MemoryAdapter: memory.NewAdapter()}
}

// failAppends queues errors returned by the next Append calls.
func (f *flakyAdapter) failAppends(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendErrs = append(f.appendErrs, errs...)
}

func (f *flakyAdapter) failLoads(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadErr = err
}

func (f *flakyAdapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	hook := f.beforeWrite
	f.beforeWrite = nil
	var err error
	if len(f.appendErrs) > 0 {
		err = f.appendErrs[0]
		f.appendErrs = f.appendErrs[1:]
	}
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return f.MemoryAdapter.Append(ctx, streamID, events, expectedVersion)
}

func (f *flakyAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	err := f.loadErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.MemoryAdapter.Load(ctx, streamID, fromVersion)
}

var errDiskGone = errors.New("disk gone")

// newTestService builds a service over memory stores with fast timings.
func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *memory.MemoryAdapter, *memory.ProductStore) {
	t.Helper()

	adapter := memory.NewAdapter()
	products := memory.NewProductStore()

	base := []ServiceOption{
		WithDispatcherOptions(
			WithPollInterval(10*time.Millisecond),
			WithDeliveryRetries(2, time.Millisecond, 10*time.Millisecond),
		),
		WithHandlerOptions(WithConflictRetries(3, time.Millisecond)),
	}

	svc, err := NewService(adapter, products, append(base, opts...)...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))

	t.Cleanup(func() {
		stopCtx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()
		_ = svc.Dispatcher.Stop(stopCtx)
		cancel()
	})

	return svc, adapter, products
}

func waitForProjection(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitForProjection(ctx))
}

// productEvent builds a decoded product event as the dispatcher delivers it.
func productEvent(productID string, sequence int64, position uint64, data interface{}) Event {
	return Event{
		ID:             productID + "-" + GetEventType(data),
		StreamID:       ProductStreamID(productID),
		ProductID:      productID,
		Type:           GetEventType(data),
		Data:           data,
		Version:        sequence,
		GlobalPosition: position,
		Timestamp:      time.Now(),
	}
}
