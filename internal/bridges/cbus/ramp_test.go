package cbus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRampTimersFire(t *testing.T) {
	r := NewRampTimers()
	defer r.Stop()

	fired := make(chan [2]any, 1)
	r.Schedule("254/56/4", 128, "20", 10*time.Millisecond, func(target int, unit string) {
		fired <- [2]any{target, unit}
	})
	if !r.Pending("254/56/4") {
		t.Fatal("Pending() = false right after Schedule")
	}

	select {
	case got := <-fired:
		if got[0] != 128 || got[1] != "20" {
			t.Errorf("fired with %v, want [128 20]", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ramp never fired")
	}
	waitFor(t, time.Second, "pending cleared", func() bool { return !r.Pending("254/56/4") })
}

func TestRampTimersCancel(t *testing.T) {
	r := NewRampTimers()
	defer r.Stop()

	var fired atomic.Bool
	r.Schedule("254/56/4", 200, "", 20*time.Millisecond, func(int, string) { fired.Store(true) })

	if !r.Cancel("254/56/4") {
		t.Error("Cancel() = false, want true for a pending ramp")
	}
	if r.Cancel("254/56/4") {
		t.Error("second Cancel() = true, want false")
	}

	time.Sleep(60 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled ramp fired")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRampTimersRescheduleReplaces(t *testing.T) {
	r := NewRampTimers()
	defer r.Stop()

	var mu sync.Mutex
	var targets []int
	record := func(target int, _ string) {
		mu.Lock()
		targets = append(targets, target)
		mu.Unlock()
	}

	r.Schedule("254/56/4", 50, "", 20*time.Millisecond, record)
	r.Schedule("254/56/4", 150, "", 20*time.Millisecond, record)
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after reschedule", r.Len())
	}

	time.Sleep(80 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(targets) != 1 || targets[0] != 150 {
		t.Errorf("fired targets = %v, want [150]", targets)
	}
}

func TestRampTimersIndependentKeys(t *testing.T) {
	r := NewRampTimers()
	defer r.Stop()

	var count atomic.Int32
	fire := func(int, string) { count.Add(1) }
	r.Schedule("254/56/4", 10, "", 10*time.Millisecond, fire)
	r.Schedule("254/56/9", 20, "", 10*time.Millisecond, fire)
	r.Cancel("254/56/4")

	time.Sleep(60 * time.Millisecond)
	if got := count.Load(); got != 1 {
		t.Errorf("fired %d times, want 1", got)
	}
}

func TestRampTimersStop(t *testing.T) {
	r := NewRampTimers()

	var fired atomic.Bool
	r.Schedule("254/56/4", 10, "", 10*time.Millisecond, func(int, string) { fired.Store(true) })
	r.Stop()
	r.Schedule("254/56/9", 10, "", time.Millisecond, func(int, string) { fired.Store(true) })

	time.Sleep(40 * time.Millisecond)
	if fired.Load() {
		t.Error("ramp fired after Stop")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRampTimersCancelWaitsForFiringRamp(t *testing.T) {
	r := NewRampTimers()
	defer r.Stop()

	started := make(chan struct{})
	release := make(chan struct{})
	var applied atomic.Bool
	r.Schedule("254/56/4", 200, "", time.Millisecond, func(int, string) {
		close(started)
		<-release
		applied.Store(true)
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("ramp never fired")
	}

	cancelled := make(chan bool, 1)
	go func() { cancelled <- r.Cancel("254/56/4") }()

	select {
	case <-cancelled:
		t.Fatal("Cancel() returned while the ramp target was being applied")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case ok := <-cancelled:
		if ok {
			t.Error("Cancel() = true for a ramp that already fired")
		}
	case <-time.After(time.Second):
		t.Fatal("Cancel() never returned")
	}
	// Anything applied after Cancel returns lands after the ramp target.
	if !applied.Load() {
		t.Error("ramp target not applied before Cancel returned")
	}
}
