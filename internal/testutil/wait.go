// Package testutil provides polling helpers for tests that drive real child processes.
package testutil

import (
	"fmt"
	"testing"
	"time"
)

// DefaultTimeout is the default timeout for polling operations.
const DefaultTimeout = 5 * time.Second

// DefaultInterval is the default polling interval.
const DefaultInterval = 10 * time.Millisecond

// WaitForCondition polls until condition returns true or timeout is reached.
func WaitForCondition(t testing.TB, timeout time.Duration, condition func() bool, description string) error {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(DefaultInterval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("timeout waiting for %s after %v", description, timeout)
}

// MustWaitForCondition is like WaitForCondition but fails the test on timeout.
func MustWaitForCondition(t testing.TB, timeout time.Duration, condition func() bool, description string) {
	t.Helper()
	if err := WaitForCondition(t, timeout, condition, description); err != nil {
		t.Fatalf("%v", err)
	}
}

// Eventually asserts that condition becomes true within timeout (DefaultTimeout when omitted).
func Eventually(t testing.TB, condition func() bool, description string, timeoutOpts ...time.Duration) {
	t.Helper()
	timeout := DefaultTimeout
	if len(timeoutOpts) > 0 {
		timeout = timeoutOpts[0]
	}
	MustWaitForCondition(t, timeout, condition, description)
}

// WaitForState polls until getState returns expected.
func WaitForState(t testing.TB, getState func() string, expected string) {
	t.Helper()
	var last string
	err := WaitForCondition(t, 10*time.Second, func() bool {
		last = getState()
		return last == expected
	}, fmt.Sprintf("state to become %q", expected))
	if err != nil {
		t.Fatalf("%v (last state %q)", err, last)
	}
}

// WaitForPID polls until getPID reports a live pid.
func WaitForPID(t testing.TB, getPID func() int) int {
	t.Helper()
	var pid int
	MustWaitForCondition(t, DefaultTimeout, func() bool {
		pid = getPID()
		return pid > 0
	}, "process to get a pid")
	return pid
}
