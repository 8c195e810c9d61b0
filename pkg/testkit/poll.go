package testkit

import (
	"testing"
	"time"
)

// Eventually polls fn every 10ms until it returns true or timeout elapses.
// The test fails fatally with what on expiry.
func Eventually(t *testing.T, timeout time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %v: %s", timeout, what)
}

// Never polls fn for the whole window and fails if it ever returns true.
func Never(t *testing.T, window time.Duration, what string, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		if fn() {
			t.Fatalf("Condition unexpectedly met: %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
