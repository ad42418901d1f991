package ospf

import (
	"testing"
	"time"
)

func newTestScheduler(t *testing.T) (*SpfScheduler, *int) {
	t.Helper()
	runs := 0
	s := NewSpfScheduler(SpfDelayConfig{
		InitialDelay: time.Hour, // timers never fire on their own in tests
		ShortDelay:   time.Hour,
		LongDelay:    time.Hour,
		HoldDown:     time.Hour,
		TimeToLearn:  time.Hour,
	}, func(SpfDelayEvent) {}, func() { runs++ })
	t.Cleanup(s.Close)
	return s, &runs
}

func TestSpfDelayFsm(t *testing.T) {
	s, runs := newTestScheduler(t)

	if s.State != SpfQuiet {
		t.Fatalf("initial state = %v", s.State)
	}

	// First trigger: Quiet -> ShortWait with a pending computation.
	s.Schedule()
	if s.State != SpfShortWait || !s.Pending() {
		t.Fatalf("after first trigger: state=%v pending=%v", s.State, s.Pending())
	}

	// Repeated triggers while pending are absorbed.
	s.Schedule()
	s.Schedule()
	s.HandleEvent(SpfEvDelay)
	if *runs != 1 {
		t.Fatalf("runs = %d, want 1 (coalesced)", *runs)
	}

	// A stale delay event after the run is idempotent.
	s.HandleEvent(SpfEvDelay)
	if *runs != 1 {
		t.Fatal("superseded delay event re-ran SPF")
	}

	// Learn timer escalates to LongWait.
	s.HandleEvent(SpfEvLearn)
	if s.State != SpfLongWait {
		t.Fatalf("after learn: state = %v", s.State)
	}

	// Hold-down returns to Quiet.
	s.HandleEvent(SpfEvHoldDown)
	if s.State != SpfQuiet {
		t.Fatalf("after hold-down: state = %v", s.State)
	}
}

func TestSpfDelayLearnOnlyEscalatesShortWait(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.HandleEvent(SpfEvLearn)
	if s.State != SpfQuiet {
		t.Fatal("learn in Quiet must not change state")
	}
}
