package mqtt

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestOfflineTimer_Fires(t *testing.T) {
	var timer offlineTimer
	var fired atomic.Int32

	timer.Arm(10*time.Millisecond, func(uint64) { fired.Add(1) })
	if !timer.Pending() {
		t.Fatal("Pending() = false right after Arm")
	}

	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
	if timer.Pending() {
		t.Error("Pending() = true after firing")
	}
}

func TestOfflineTimer_ArmReplaces(t *testing.T) {
	var timer offlineTimer
	var first, second atomic.Int32

	timer.Arm(20*time.Millisecond, func(uint64) { first.Add(1) })
	timer.Arm(40*time.Millisecond, func(uint64) { second.Add(1) })

	waitFor(t, time.Second, func() bool { return second.Load() == 1 })
	time.Sleep(30 * time.Millisecond)
	if n := first.Load(); n != 0 {
		t.Errorf("replaced action fired %d times, want 0", n)
	}
}

func TestOfflineTimer_Cancel(t *testing.T) {
	var timer offlineTimer
	var fired atomic.Int32

	if timer.Cancel() {
		t.Error("Cancel() on idle timer = true")
	}
	timer.Arm(10*time.Millisecond, func(uint64) { fired.Add(1) })
	if !timer.Cancel() {
		t.Error("Cancel() on armed timer = false")
	}

	time.Sleep(40 * time.Millisecond)
	if n := fired.Load(); n != 0 {
		t.Errorf("cancelled action fired %d times", n)
	}
	if timer.Pending() {
		t.Error("Pending() = true after Cancel")
	}
}

func TestOfflineTimer_Current(t *testing.T) {
	var timer offlineTimer
	gens := make(chan uint64, 1)

	timer.Arm(5*time.Millisecond, func(gen uint64) { gens <- gen })
	var gen uint64
	select {
	case gen = <-gens:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	if !timer.Current(gen) {
		t.Error("Current() = false for a fired, untouched timer")
	}

	timer.Arm(time.Hour, func(uint64) {})
	if timer.Current(gen) {
		t.Error("Current() = true after re-arming")
	}
	timer.Cancel()
}
