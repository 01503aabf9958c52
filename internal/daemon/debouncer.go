package daemon

import (
	"sync"
	"time"
)

// Debouncer batches rapid triggers into a single action after a quiet
// period. Safe for concurrent triggers.
type Debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	duration time.Duration
	action   func()
	seq      uint64
	wg       sync.WaitGroup
}

// NewDebouncer creates a debouncer that runs action once the duration has
// passed since the last trigger.
func NewDebouncer(duration time.Duration, action func()) *Debouncer {
	return &Debouncer{duration: duration, action: action}
}

// Trigger schedules the action, resetting the quiet-period timer. Bursts of
// triggers coalesce into one invocation.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil && d.timer.Stop() {
		d.wg.Done()
	}

	// The sequence number invalidates timers that fire after a newer trigger
	d.seq++
	seq := d.seq

	d.wg.Add(1)
	d.timer = time.AfterFunc(d.duration, func() {
		defer d.wg.Done()

		d.mu.Lock()
		if d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()

		// Run without the lock so a panicking action cannot wedge the debouncer
		d.action()
	})
}

// Cancel stops any pending action. It does not wait for one that is already
// executing.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		if d.timer.Stop() {
			d.wg.Done()
		}
		d.timer = nil
	}
}

// CancelAndWait stops any pending action and blocks until in-flight actions
// finish. Used during graceful shutdown.
func (d *Debouncer) CancelAndWait() {
	d.Cancel()
	d.wg.Wait()
}
