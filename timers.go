package mnrt

import "time"

// Select is the task-facing entry point for I/O multiplexing: block the
// calling task until enough of interests are ready per cfg, then return
// the observed events. A non-nil error means the poller aborted the wait
// (e.g. a bad descriptor in interests); any partial events collected
// before that are still returned.
func (t *Task) Select(interests []FDInterest, cfg SelectConfig) ([]FDEvent, error) {
	c := t.Cluster()
	if c == nil {
		fatalf(ErrInvariantViolation, "Select called on unactivated task %q", t.Name())
	}
	return c.pollerState.Select(t, interests, cfg)
}

// Sleep blocks the calling task for at least d, implemented as a
// single-shot preemptEngine event that wakes the task, rather than
// time.Sleep, so the processor kernel can dispatch other tasks in the
// meantime.
func (t *Task) Sleep(d time.Duration) {
	c := t.Cluster()
	if c == nil {
		fatalf(ErrInvariantViolation, "Sleep called on unactivated task %q", t.Name())
	}
	t.schedule(func() {
		c.pollerState.engine.schedule(d, func() { t.wake() })
		// The poller goroutine rolls this engine forward; wake it so its
		// next EpollWait timeout covers the new deadline.
		c.pollerState.wakeSelf()
	})
}
