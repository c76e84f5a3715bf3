// Package testutil provides small helpers shared across package tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// WaitFor polls cond every few milliseconds until it returns true or the
// timeout elapses, failing the test with msg on timeout. It exists because
// the watcher does its work on background goroutines and tests need to wait
// for observable effects without sleeping fixed amounts.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v: %s", timeout, msg)
}

// ContextWithTestDeadline returns a context bound to the test's deadline,
// leaving a small margin so cleanup and failure reporting still run. Tests
// without a deadline get a 30 second default.
func ContextWithTestDeadline(t *testing.T) context.Context {
	t.Helper()

	deadline, ok := t.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline.Add(-time.Second))
	t.Cleanup(cancel)
	return ctx
}
