package mqtt

import (
	"sync"
	"time"
)

// offlineTimer is a single-slot delayed action. Arming replaces any
// pending action, so at most one is ever live. A generation counter
// keeps an action whose timer already fired (but has not yet taken the
// lock) from running after it was replaced or cancelled.
type offlineTimer struct {
	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

// Arm cancels any pending action and schedules fire to run after d.
// fire receives the generation it was armed under; see [offlineTimer.Current].
func (t *offlineTimer) Arm(d time.Duration, fire func(gen uint64)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		fire(gen)
	})
}

// Cancel drops the pending action, if any. It reports whether one was
// pending.
func (t *offlineTimer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer == nil {
		return false
	}
	t.timer.Stop()
	t.timer = nil
	t.gen++
	return true
}

// Pending reports whether an action is scheduled and has not fired.
func (t *offlineTimer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

// Current reports whether gen is still the latest arming, that is, the
// timer was neither re-armed nor cancelled since.
func (t *offlineTimer) Current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}
