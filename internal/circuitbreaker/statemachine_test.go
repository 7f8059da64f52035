package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_New_RejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{FailureRateThreshold: 0}, nil)
	if err == nil {
		t.Fatal("expected error for zero failure rate threshold")
	}
}

func TestCircuitBreaker_StartsClosed(t *testing.T) {
	cb := newTestBreaker(t, 10, 0.5, time.Minute, 5)
	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", cb.State())
	}
	if !cb.IsCallPermitted() {
		t.Fatal("expected calls permitted while closed")
	}
}

func TestCircuitBreaker_ThresholdTrip(t *testing.T) {
	cb := newTestBreaker(t, 4, 0.5, time.Minute, 2)

	cb.OnSuccess(time.Millisecond)
	cb.OnSuccess(time.Millisecond)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)

	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen after 50%% failure rate on a full window, got %v", cb.State())
	}
	if cb.IsCallPermitted() {
		t.Fatal("expected calls rejected while open")
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	cb := newTestBreaker(t, 4, 0.75, time.Minute, 2)

	cb.OnSuccess(time.Millisecond)
	cb.OnSuccess(time.Millisecond)
	cb.OnSuccess(time.Millisecond)
	cb.OnError(time.Millisecond, errTest)

	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed at 25%% failure rate below 75%% threshold, got %v", cb.State())
	}
}

func TestCircuitBreaker_StaysOpenBeforeWaitElapses(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Hour, 2)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)

	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", cb.State())
	}
	if cb.IsCallPermitted() {
		t.Fatal("expected rejection; wait duration has not elapsed")
	}
}

func TestCircuitBreaker_TransitionsToHalfOpenAfterWait(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, 10*time.Millisecond, 2)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)

	time.Sleep(20 * time.Millisecond)

	if !cb.IsCallPermitted() {
		t.Fatal("expected a probe call to be permitted once wait duration elapses")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected StateHalfOpen, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Millisecond, 2)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)
	time.Sleep(5 * time.Millisecond)

	if !cb.IsCallPermitted() {
		t.Fatal("expected first probe permitted")
	}
	if !cb.IsCallPermitted() {
		t.Fatal("expected second probe permitted (half-open window size 2)")
	}
	if cb.IsCallPermitted() {
		t.Fatal("expected third concurrent probe rejected")
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Millisecond, 2)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)
	time.Sleep(5 * time.Millisecond)

	cb.IsCallPermitted()
	cb.IsCallPermitted()
	cb.OnSuccess(time.Millisecond)
	cb.OnSuccess(time.Millisecond)

	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed after successful half-open probes, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRelapse(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Millisecond, 2)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)
	time.Sleep(5 * time.Millisecond)

	cb.IsCallPermitted()
	cb.IsCallPermitted()
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)

	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen after failed half-open probes, got %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenTrickleNeverFillsWindow(t *testing.T) {
	// With a half-open window of 4 and only 2 probes ever reported, the
	// window never fills and no recovery/relapse decision is ever made —
	// the breaker can sit in half-open indefinitely on a trickle of
	// traffic. Preserved intentionally, not a bug.
	cb := newTestBreaker(t, 2, 0.5, time.Millisecond, 4)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)
	time.Sleep(5 * time.Millisecond)

	cb.IsCallPermitted()
	cb.OnSuccess(time.Millisecond)
	cb.IsCallPermitted()
	cb.OnSuccess(time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected breaker to remain StateHalfOpen with an unfilled window, got %v", cb.State())
	}
}

func TestCircuitBreaker_IgnoredErrorDoesNotCountOrTransition(t *testing.T) {
	ignoreMe := errors.New("not a real failure")
	cb, err := New(Config{
		Name:                          "test",
		FailureRateThreshold:          50,
		WaitDurationInOpenState:       time.Minute,
		RingBufferSizeInClosedState:   2,
		RingBufferSizeInHalfOpenState: 2,
		RecordFailure: func(err error) bool {
			return !errors.Is(err, ignoreMe)
		},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cb.OnError(time.Millisecond, ignoreMe)
	cb.OnError(time.Millisecond, ignoreMe)

	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed, ignored errors must not count, got %v", cb.State())
	}
	if got := cb.Metrics().Buffered; got != 0 {
		t.Fatalf("expected 0 buffered outcomes from ignored errors, got %d", got)
	}
}

func TestCircuitBreaker_Disabled_AlwaysPermitsAndRecordsNothing(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Minute, 2)
	cb.TransitionToDisabled()

	if cb.State() != StateDisabled {
		t.Fatalf("expected StateDisabled, got %v", cb.State())
	}
	for i := 0; i < 10; i++ {
		if !cb.IsCallPermitted() {
			t.Fatal("expected all calls permitted while disabled")
		}
	}
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)
	if cb.State() != StateDisabled {
		t.Fatalf("expected breaker to remain StateDisabled regardless of outcomes, got %v", cb.State())
	}
}

func TestCircuitBreaker_ForcedOpen_AlwaysRejects(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Millisecond, 2)
	cb.TransitionToForcedOpen()

	if cb.State() != StateForcedOpen {
		t.Fatalf("expected StateForcedOpen, got %v", cb.State())
	}
	time.Sleep(5 * time.Millisecond)
	if cb.IsCallPermitted() {
		t.Fatal("expected rejection while forced open, regardless of elapsed time")
	}
}

func TestCircuitBreaker_Reset_IsIdempotent(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Minute, 2)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)
	if cb.State() != StateOpen {
		t.Fatalf("expected StateOpen before reset, got %v", cb.State())
	}

	cb.Reset()
	cb.Reset()

	if cb.State() != StateClosed {
		t.Fatalf("expected StateClosed after Reset, got %v", cb.State())
	}
	if got := cb.Metrics().Buffered; got != 0 {
		t.Fatalf("expected a fresh metrics window after Reset, got %d buffered", got)
	}
}

func TestCircuitBreaker_MetricsFrozenWhileOpen(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Hour, 2)
	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)

	before := cb.Metrics()
	// A rejected admission check while open must not move the window.
	cb.IsCallPermitted()
	after := cb.Metrics()

	if before.Buffered != after.Buffered || before.Failed != after.Failed {
		t.Fatalf("expected metrics window frozen while open, got before=%+v after=%+v", before, after)
	}
}

func TestCircuitBreaker_SubscribeReceivesStateTransitions(t *testing.T) {
	cb := newTestBreaker(t, 2, 0.5, time.Minute, 2)

	events := make(chan Event, 8)
	sub := cb.Subscribe(func(e Event) { events <- e })
	defer sub.Unsubscribe()

	cb.OnError(time.Millisecond, errTest)
	cb.OnError(time.Millisecond, errTest)

	deadline := time.After(time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == EventStateTransition && e.To == StateOpen {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for a state transition event to StateOpen")
		}
	}
}

func TestCircuitBreaker_Name(t *testing.T) {
	cb, err := New(Config{
		Name:                          "payments-backend",
		FailureRateThreshold:          50,
		WaitDurationInOpenState:       time.Second,
		RingBufferSizeInClosedState:   10,
		RingBufferSizeInHalfOpenState: 5,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cb.Name() != "payments-backend" {
		t.Fatalf("expected name %q, got %q", "payments-backend", cb.Name())
	}
}
