// Package idle implements the single rearm-able inactivity deadline each
// supervisor owns.
package idle

import (
	"sync"
	"time"
)

// Timer runs fire once the deadline set by the latest Rearm passes.
// Every Rearm or Cancel bumps a generation counter; a callback whose
// generation is stale returns without firing, so at most one deadline is
// ever live and a cancelled arm never fires.
type Timer struct {
	mutex      sync.Mutex
	timer      *time.Timer
	generation uint64
	fire       func()
}

func New(fire func()) *Timer {
	return &Timer{fire: fire}
}

// Rearm cancels any pending deadline and schedules a new one d from now.
func (t *Timer) Rearm(d time.Duration) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.stopLocked()
	gen := t.generation
	t.timer = time.AfterFunc(d, func() { t.expire(gen) })
}

// Cancel clears the pending deadline, if any.
func (t *Timer) Cancel() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.stopLocked()
}

// Pending reports whether a deadline is scheduled.
func (t *Timer) Pending() bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.timer != nil
}

func (t *Timer) stopLocked() {
	t.generation++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Timer) expire(gen uint64) {
	t.mutex.Lock()
	if gen != t.generation {
		t.mutex.Unlock()
		return
	}
	t.generation++
	t.timer = nil
	t.mutex.Unlock()

	t.fire()
}
