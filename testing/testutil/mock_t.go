// Package testutil provides fakes and fixtures for testing inventory code.
package testutil

import (
	"fmt"
	"runtime"
	"sync"
	"testing"
)

// MockT is a testing.TB that records failures instead of reporting them.
// Use it to test helpers that are expected to fail a test.
type MockT struct {
	testing.TB

	mu       sync.Mutex
	failed   bool
	fatal    bool
	skipped  bool
	messages []string
	cleanups []func()
}

// NewMockT creates a new MockT.
func NewMockT() *MockT {
	return &MockT{}
}

func (m *MockT) record(fatal bool, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = true
	m.fatal = m.fatal || fatal
	m.messages = append(m.messages, msg)
}

// Helper implements testing.TB.
func (m *MockT) Helper() {}

// Name implements testing.TB.
func (m *MockT) Name() string { return "MockT" }

// Log implements testing.TB. Logged lines are discarded.
func (m *MockT) Log(args ...any) {}

// Logf implements testing.TB. Logged lines are discarded.
func (m *MockT) Logf(format string, args ...any) {}

// Error implements testing.TB.
func (m *MockT) Error(args ...any) { m.record(false, fmt.Sprint(args...)) }

// Errorf implements testing.TB.
func (m *MockT) Errorf(format string, args ...any) { m.record(false, fmt.Sprintf(format, args...)) }

// Fail implements testing.TB.
func (m *MockT) Fail() { m.record(false, "") }

// FailNow implements testing.TB.
func (m *MockT) FailNow() {
	m.record(true, "")
	runtime.Goexit()
}

// Fatal implements testing.TB.
func (m *MockT) Fatal(args ...any) {
	m.record(true, fmt.Sprint(args...))
	runtime.Goexit()
}

// Fatalf implements testing.TB.
func (m *MockT) Fatalf(format string, args ...any) {
	m.record(true, fmt.Sprintf(format, args...))
	runtime.Goexit()
}

// Skip implements testing.TB.
func (m *MockT) Skip(args ...any) {
	m.Log(args...)
	m.SkipNow()
}

// Skipf implements testing.TB.
func (m *MockT) Skipf(format string, args ...any) {
	m.Logf(format, args...)
	m.SkipNow()
}

// SkipNow implements testing.TB.
func (m *MockT) SkipNow() {
	m.mu.Lock()
	m.skipped = true
	m.mu.Unlock()
	runtime.Goexit()
}

// Skipped implements testing.TB.
func (m *MockT) Skipped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.skipped
}

// Cleanup implements testing.TB. Cleanups run in reverse order when the
// function passed to RunWithMockT returns.
func (m *MockT) Cleanup(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

func (m *MockT) runCleanups() {
	m.mu.Lock()
	fns := m.cleanups
	m.cleanups = nil
	m.mu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// Failed implements testing.TB.
func (m *MockT) Failed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed
}

// IsFatal reports whether the test was stopped with Fatal or FailNow.
func (m *MockT) IsFatal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}

// Messages returns every recorded failure message.
func (m *MockT) Messages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages...)
}

// LastMessage returns the most recent failure message.
func (m *MockT) LastMessage() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return ""
	}
	return m.messages[len(m.messages)-1]
}

// RunWithMockT runs fn on its own goroutine so Fatal, FailNow and SkipNow
// can stop it, then returns the MockT for inspection.
func RunWithMockT(fn func(m *MockT)) *MockT {
	mt := NewMockT()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer mt.runCleanups()
		fn(mt)
	}()
	<-done
	return mt
}
