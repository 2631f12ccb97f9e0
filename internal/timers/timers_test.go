package timers

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleFires(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	s.Schedule("k1", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	if s.Len() != 0 {
		t.Fatalf("expected fired timer to be removed, len=%d", s.Len())
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired atomic.Bool
	s.Schedule("k1", 20*time.Millisecond, func() { fired.Store(true) })

	if !s.Cancel("k1") {
		t.Fatal("expected cancel to report an armed timer")
	}
	if s.Cancel("k1") {
		t.Fatal("expected second cancel to report nothing armed")
	}

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Fatal("cancelled timer fired")
	}
}

func TestScheduleReplacesExisting(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var first, second atomic.Bool
	s.Schedule("k1", 20*time.Millisecond, func() { first.Store(true) })
	s.Schedule("k1", 40*time.Millisecond, func() { second.Store(true) })

	if s.Len() != 1 {
		t.Fatalf("expected one armed timer, got %d", s.Len())
	}

	time.Sleep(100 * time.Millisecond)
	if first.Load() {
		t.Fatal("replaced timer fired")
	}
	if !second.Load() {
		t.Fatal("replacement timer did not fire")
	}
}

func TestStopCancelsAll(t *testing.T) {
	s := NewScheduler()

	var fired atomic.Int32
	for _, key := range []string{"a", "b", "c"} {
		s.Schedule(key, 20*time.Millisecond, func() { fired.Add(1) })
	}
	s.Stop()

	time.Sleep(60 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("expected no timers to fire after Stop, got %d", fired.Load())
	}
	if s.Len() != 0 {
		t.Fatalf("expected empty scheduler, len=%d", s.Len())
	}
}
