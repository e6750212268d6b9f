package cbus

import (
	"sync"
	"time"
)

// pendingRamp is one scheduled ramp completion.
type pendingRamp struct {
	target     int
	sourceUnit string
	timer      *time.Timer
}

// RampTimers holds at most one pending ramp per channel key.
//
// A ramp event on the bus means "this group will reach the target level after
// the ramp duration". The timer applies the target only if nothing cancels it
// first, which separates a held dimmer press (ramp then terminateramp) from a
// plain timed ramp.
//
// fireMu serialises a firing ramp with Cancel, Schedule and Stop, so once
// Cancel returns no stale target can still be applied for that key. fire must
// not call Cancel, Schedule or Stop.
type RampTimers struct {
	fireMu  sync.Mutex
	mu      sync.Mutex
	pending map[string]*pendingRamp
	stopped bool
}

// NewRampTimers creates an empty timer table.
func NewRampTimers() *RampTimers {
	return &RampTimers{pending: make(map[string]*pendingRamp)}
}

// Schedule arms a timer for key, replacing any pending one. fire runs at most
// once, after delay, unless Cancel or a later Schedule for the same key wins.
func (r *RampTimers) Schedule(key string, target int, sourceUnit string, delay time.Duration, fire func(target int, sourceUnit string)) {
	r.fireMu.Lock()
	defer r.fireMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if old, ok := r.pending[key]; ok {
		old.timer.Stop()
		delete(r.pending, key)
	}

	rec := &pendingRamp{target: target, sourceUnit: sourceUnit}
	rec.timer = time.AfterFunc(delay, func() {
		r.fireMu.Lock()
		defer r.fireMu.Unlock()

		r.mu.Lock()
		if r.pending[key] != rec {
			r.mu.Unlock()
			return
		}
		delete(r.pending, key)
		r.mu.Unlock()

		fire(rec.target, rec.sourceUnit)
	})
	r.pending[key] = rec
}

// Cancel stops the pending ramp for key. It reports whether one existed.
func (r *RampTimers) Cancel(key string) bool {
	r.fireMu.Lock()
	defer r.fireMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.pending[key]
	if !ok {
		return false
	}
	rec.timer.Stop()
	delete(r.pending, key)
	return true
}

// Pending reports whether key has an armed ramp.
func (r *RampTimers) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Len returns the number of armed ramps.
func (r *RampTimers) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop cancels every pending ramp. Later Schedule calls are ignored.
func (r *RampTimers) Stop() {
	r.fireMu.Lock()
	defer r.fireMu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopped = true
	for key, rec := range r.pending {
		rec.timer.Stop()
		delete(r.pending, key)
	}
}
