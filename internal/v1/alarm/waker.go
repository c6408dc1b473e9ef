package alarm

import (
	"sync"
	"time"
)

// TimerWaker is the production Waker: one time.Timer whose expiry invokes the
// owning actor's wake callback. Rescheduling replaces the previous deadline;
// there is never more than one armed timer per actor.
type TimerWaker struct {
	mu    sync.Mutex
	timer *time.Timer
	fire  func()
	done  bool
}

// NewTimerWaker wires the waker to fire. The callback runs on the timer
// goroutine; it must hand off to the actor rather than touch state directly.
func NewTimerWaker(fire func()) *TimerWaker {
	return &TimerWaker{fire: fire}
}

// SetWake arms the timer for t, replacing any earlier deadline. A t in the
// past fires immediately.
func (w *TimerWaker) SetWake(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}

	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(d, w.fire)
}

// ClearWake disarms the timer.
func (w *TimerWaker) ClearWake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// Stop disarms the timer permanently; used on actor shutdown.
func (w *TimerWaker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
