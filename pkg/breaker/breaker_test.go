package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/cookieguardian/cookieguardian/pkg/rotation"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSet(clock *fakeClock) *Set {
	return NewSet(Config{}, WithClock(clock.Now))
}

func TestSet_OpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestSet(clock)

	for i := 0; i < DefaultThreshold-1; i++ {
		if err := s.Allow("x"); err != nil {
			t.Fatalf("Allow() before threshold error = %v", err)
		}
		s.RecordFailure("x")
	}
	if s.Get("x").State != StateClosed {
		t.Fatalf("state after %d failures = %s, want closed", DefaultThreshold-1, s.Get("x").State)
	}

	s.RecordFailure("x")
	if s.Get("x").State != StateOpen {
		t.Fatalf("state after %d failures = %s, want open", DefaultThreshold, s.Get("x").State)
	}

	err := s.Allow("x")
	var coe *rotation.CircuitOpenError
	if !errors.As(err, &coe) {
		t.Fatalf("Allow() on open breaker error = %v, want CircuitOpenError", err)
	}
	if !rotation.IsCircuitOpen(err) {
		t.Error("IsCircuitOpen() = false")
	}
}

func TestSet_HalfOpenProbeCycle(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestSet(clock)

	for i := 0; i < DefaultThreshold; i++ {
		s.RecordFailure("x")
	}

	clock.Advance(299 * time.Second)
	if err := s.Allow("x"); err == nil {
		t.Fatal("Allow() before cooldown should fail")
	}

	clock.Advance(time.Second)
	if err := s.Allow("x"); err != nil {
		t.Fatalf("Allow() after cooldown error = %v", err)
	}
	if s.Get("x").State != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", s.Get("x").State)
	}

	// Only one probe at a time.
	if err := s.Allow("x"); err == nil {
		t.Fatal("second probe should be rejected")
	}

	s.RecordSuccess("x")
	snap := s.Get("x")
	if snap.State != StateClosed || snap.Failures != 0 {
		t.Fatalf("after probe success = %+v, want closed with 0 failures", snap)
	}
}

func TestSet_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestSet(clock)

	for i := 0; i < DefaultThreshold; i++ {
		s.RecordFailure("x")
	}
	clock.Advance(DefaultCooldown)
	if err := s.Allow("x"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	s.RecordFailure("x")

	if s.Get("x").State != StateOpen {
		t.Fatalf("state = %s, want open", s.Get("x").State)
	}
	if !s.IsOpen("x") {
		t.Error("IsOpen() = false right after probe failure")
	}

	// Cooldown restarts from the probe failure.
	clock.Advance(DefaultCooldown - time.Second)
	if err := s.Allow("x"); err == nil {
		t.Error("Allow() should still be rejected")
	}
}

func TestSet_SuccessResetsConsecutiveCount(t *testing.T) {
	s := NewSet(Config{Threshold: 3})

	s.RecordFailure("x")
	s.RecordFailure("x")
	s.RecordSuccess("x")
	s.RecordFailure("x")
	s.RecordFailure("x")

	if s.Get("x").State != StateClosed {
		t.Errorf("state = %s, want closed", s.Get("x").State)
	}
}

func TestSet_PlatformsAreIndependent(t *testing.T) {
	s := NewSet(Config{Threshold: 1})
	s.RecordFailure("a")

	if err := s.Allow("a"); err == nil {
		t.Error("platform a should be open")
	}
	if err := s.Allow("b"); err != nil {
		t.Errorf("platform b error = %v", err)
	}
}

func TestSet_Observer(t *testing.T) {
	var seen []State
	s := NewSet(Config{Threshold: 1}, WithObserver(func(_ string, st State) {
		seen = append(seen, st)
	}))

	s.RecordFailure("a")
	s.RecordFailure("a")

	if len(seen) != 1 || seen[0] != StateOpen {
		t.Errorf("observed = %v, want [open]", seen)
	}
}
