// Copyright 2026 The Drawbridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by drawbridge tests.
package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of *testing.T the helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive reads one value from ch within timeout or fails the
// test. Keeps the time.After safety valve out of individual tests.
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, what string, args ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", fmt.Sprintf(what, args...))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("timed out after %v while %s", timeout, fmt.Sprintf(what, args...))
	}
	panic("unreachable")
}

// RequireSend sends v on ch within timeout or fails the test.
func RequireSend[T any](t TB, ch chan<- T, v T, timeout time.Duration, what string, args ...any) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v while %s", timeout, fmt.Sprintf(what, args...))
	}
}

// RequireClosed waits for ch to close (or deliver) within timeout or
// fails the test. For readiness channels that signal by closing.
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, what string, args ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout):
		t.Fatalf("timed out after %v while %s", timeout, fmt.Sprintf(what, args...))
	}
}

// RequireNoReceive asserts ch stays silent for the full window. Use
// sparingly: it costs the window's wall time.
func RequireNoReceive[T any](t TB, ch <-chan T, window time.Duration, what string, args ...any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %v while %s", v, fmt.Sprintf(what, args...))
	case <-time.After(window):
	}
}
