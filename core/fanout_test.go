package core

import (
	"errors"
	"testing"
)

// TestFanoutCounterSuccess fires the success continuation exactly once
// after all reports.
func TestFanoutCounterSuccess(t *testing.T) {
	fired := 0
	f := NewFanoutCounter(3, func() { fired++ }, func(error) { t.Fatal("unexpected error path") })
	f.ReceiveSuccess()
	f.ReceiveSuccess()
	if fired != 0 {
		t.Fatal("fired early")
	}
	f.ReceiveSuccess()
	if fired != 1 {
		t.Fatalf("fired %d times", fired)
	}
}

// TestFanoutCounterError routes any failure into the error continuation
// with the last error.
func TestFanoutCounterError(t *testing.T) {
	want := errors.New("boom")
	var got error
	f := NewFanoutCounter(2, func() { t.Fatal("unexpected success path") }, func(err error) { got = err })
	f.ReceiveSuccess()
	f.ReceiveError(want)
	if !errors.Is(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

// TestFanoutCounterZero fires immediately when nothing is expected.
func TestFanoutCounterZero(t *testing.T) {
	fired := false
	NewFanoutCounter(0, func() { fired = true }, nil)
	if !fired {
		t.Fatal("zero-expectation counter must fire immediately")
	}
}
