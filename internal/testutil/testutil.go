// Package testutil holds helpers shared by the package tests.
package testutil

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TestingT is a minimal interface for testing
type TestingT interface {
	Helper()
	Errorf(format string, args ...any)
	Fatalf(format string, args ...any)
	TempDir() string
}

// WaitFor polls condition until it returns true or timeout elapses
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...any) bool {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return true
		}
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		<-ticker.C
	}
}

// DBPath returns a fresh SQLite file path inside the test's temp dir
func DBPath(t TestingT) string {
	return filepath.Join(t.TempDir(), "test.db")
}

// WriteFile writes data to name inside dir, failing the test on error
func WriteFile(t TestingT, dir, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// MockClock provides controllable time for testing
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	step    time.Duration
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{
		current: start,
	}
}

// Now returns the current time, then advances by the auto step if one is set
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.current
	m.current = m.current.Add(m.step)
	return now
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// AutoAdvance makes every Now call move the clock forward by step, so
// consecutive timestamps are strictly increasing.
func (m *MockClock) AutoAdvance(step time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.step = step
}
