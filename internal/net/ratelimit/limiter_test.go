package ratelimit

import (
	"errors"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWindow_FixedSpacing(t *testing.T) {
	w := NewWindow("search", 15*time.Minute, 1)

	if err := w.Admit(t0); err != nil {
		t.Fatalf("First call should be admitted: %v", err)
	}

	err := w.Admit(t0.Add(time.Minute))
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("Second call inside the window should be throttled, got %v", err)
	}
	if diff := throttled.Until.Sub(t0.Add(15 * time.Minute)); diff < -time.Second || diff > time.Second {
		t.Errorf("Until should be ~15m after the first call, got %v", throttled.Until)
	}
	if throttled.ServerReset {
		t.Error("Local throttling should not be marked as server reset")
	}

	if err := w.Admit(t0.Add(15*time.Minute + time.Second)); err != nil {
		t.Errorf("Call after the window should be admitted: %v", err)
	}
}

func TestWindow_RefusedPeekDoesNotConsume(t *testing.T) {
	w := NewWindow("reply", 10*time.Minute, 1)

	if err := w.Admit(t0); err != nil {
		t.Fatal(err)
	}
	// several refused attempts must not push the window further out
	for i := 1; i <= 5; i++ {
		if err := w.Admit(t0.Add(time.Duration(i) * time.Minute)); err == nil {
			t.Fatalf("Attempt %d should be throttled", i)
		}
	}
	if err := w.Admit(t0.Add(10*time.Minute + time.Second)); err != nil {
		t.Errorf("Window should reopen on schedule: %v", err)
	}
}

func TestWindow_ServerReset(t *testing.T) {
	w := NewWindow("search", time.Minute, 1)
	reset := t0.Add(2 * time.Hour)

	w.BlockUntil(reset)
	w.BlockUntil(t0.Add(time.Hour)) // earlier reset must not shorten the block

	err := w.Admit(t0.Add(30 * time.Minute))
	var throttled *ThrottledError
	if !errors.As(err, &throttled) {
		t.Fatalf("Expected ThrottledError, got %v", err)
	}
	if !throttled.ServerReset {
		t.Error("Throttle should be attributed to the server reset")
	}
	if !throttled.Until.Equal(reset) {
		t.Errorf("Until should be %v, got %v", reset, throttled.Until)
	}

	if err := w.Admit(reset); err != nil {
		t.Errorf("Call at reset time should be admitted: %v", err)
	}
}

func TestWindow_Stats(t *testing.T) {
	w := NewWindow("reply", 20*time.Minute, 1)

	stats := w.Stats(t0)
	if stats.IsThrottled() {
		t.Error("Fresh window should not be throttled")
	}

	if err := w.Admit(t0); err != nil {
		t.Fatal(err)
	}
	stats = w.Stats(t0.Add(5 * time.Minute))
	if !stats.IsThrottled() {
		t.Error("Window should be throttled right after a call")
	}
	if diff := stats.Delay - 15*time.Minute; diff < -time.Second || diff > time.Second {
		t.Errorf("Delay should be ~15m, got %v", stats.Delay)
	}
}

func TestManager_UnknownEndpointAdmitted(t *testing.T) {
	m := NewManager()
	m.AddEndpoint("search", time.Hour, 1)

	if err := m.Admit("trends", t0); err != nil {
		t.Errorf("Endpoint without a window should be admitted: %v", err)
	}
	if err := m.Admit("search", t0); err != nil {
		t.Errorf("First search should be admitted: %v", err)
	}
	if err := m.Admit("search", t0); err == nil {
		t.Error("Second search should be throttled")
	}

	m.BlockUntil("trends", t0.Add(time.Hour)) // no window: ignored
	if len(m.Stats(t0)) != 1 {
		t.Errorf("Stats should cover exactly one endpoint")
	}
}
