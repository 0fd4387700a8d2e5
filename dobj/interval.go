package dobj

import (
	"sync"
	"time"
)

// IntervalState is the state of an Interval.
type IntervalState int

const (
	IntervalIdle IntervalState = iota
	IntervalScheduled
	IntervalFiring
	IntervalCanceled
)

func (s IntervalState) String() string {
	switch s {
	case IntervalIdle:
		return "Idle"
	case IntervalScheduled:
		return "Scheduled"
	case IntervalFiring:
		return "Firing"
	case IntervalCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// Interval is a timer whose callback always runs on the dispatch goroutine.
//
// Timers fire on runtime timer goroutines, which only post a runnable. The
// runnable re-checks, on the dispatch goroutine, that the manager's epoch is
// the one captured at schedule time and that the schedule has not been
// replaced or canceled. Once any shutdown begins, the epoch moves on and
// the callback never runs again, even for fires already in flight.
type Interval struct {
	mgr   *Manager
	fn    func()
	timer *time.Timer
	mu    sync.Mutex
	gen   uint64
	state IntervalState
}

// NewInterval creates an unscheduled interval running fn.
func (m *Manager) NewInterval(fn func()) *Interval {
	return &Interval{mgr: m, fn: fn}
}

// State returns the current state.
func (x *Interval) State() IntervalState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Schedule (re)schedules the interval to fire after delay, and then every
// delay if repeating. Any previous schedule is replaced.
func (x *Interval) Schedule(delay time.Duration, repeating bool) error {
	if delay < 0 || (repeating && delay == 0) {
		return ErrInvalidDelay
	}
	epoch := x.mgr.epoch.Load()
	if x.mgr.harsh.Load() {
		return ErrManagerTerminated
	}
	if s := x.mgr.state.Load(); s == StateTerminating || s == StateTerminated {
		return ErrManagerTerminated
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.timer != nil {
		x.timer.Stop()
	}
	x.gen++
	gen := x.gen
	x.state = IntervalScheduled
	x.timer = time.AfterFunc(delay, func() { x.fire(gen, epoch, delay, repeating) })
	return nil
}

// Cancel stops the interval. A fire already posted to the dispatch
// goroutine is dropped.
func (x *Interval) Cancel() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.gen++
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.state = IntervalCanceled
}

// fire runs on a timer goroutine.
func (x *Interval) fire(gen, epoch uint64, delay time.Duration, repeating bool) {
	x.mu.Lock()
	if x.gen != gen {
		x.mu.Unlock()
		return
	}
	if x.mgr.epoch.Load() != epoch {
		x.stopLocked()
		x.mu.Unlock()
		return
	}
	if repeating {
		x.timer.Reset(delay)
	}
	x.mu.Unlock()

	if err := x.mgr.PostRunnable(func() { x.run(gen, epoch, repeating) }); err != nil {
		x.mu.Lock()
		if x.gen == gen {
			x.stopLocked()
		}
		x.mu.Unlock()
	}
}

// run executes on the dispatch goroutine.
func (x *Interval) run(gen, epoch uint64, repeating bool) {
	if x.mgr.epoch.Load() != epoch {
		return
	}

	x.mu.Lock()
	if x.gen != gen {
		x.mu.Unlock()
		return
	}
	x.state = IntervalFiring
	x.mu.Unlock()

	x.mgr.safeExecute(x.fn, nil)

	x.mu.Lock()
	if x.gen == gen && x.state == IntervalFiring {
		if repeating {
			x.state = IntervalScheduled
		} else {
			x.state = IntervalIdle
		}
	}
	x.mu.Unlock()
}

func (x *Interval) stopLocked() {
	x.gen++
	if x.timer != nil {
		x.timer.Stop()
		x.timer = nil
	}
	x.state = IntervalCanceled
}
