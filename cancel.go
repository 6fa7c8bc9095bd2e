package mnrt

import "sync/atomic"

// CancelType distinguishes cooperative poll-point cancellation from
// asynchronous delivery. Only CancelPoll is implemented as a real delivery
// mechanism (Go has no safe way to interrupt arbitrary running code);
// CancelAsync is accepted for API compatibility and treated identically
// to CancelPoll.
type CancelType int32

const (
	CancelPoll CancelType = iota
	CancelAsync
)

// forcedUnwind is the panic value used to drive a forced unwind through
// a cancelled coroutine's cleanup handlers.
type forcedUnwind struct{}

// CancelState holds a coroutine's cancellation bookkeeping:
// enabled/disabled, cancel type, cancelled flag, and an
// unwind-in-progress flag preventing re-entrant cancellation.
type CancelState struct {
	enabled   atomic.Bool
	cancelled atomic.Bool
	unwinding atomic.Bool
	typ       atomic.Int32
}

func (c *CancelState) init() {
	c.enabled.Store(true)
}

func (c *CancelState) shouldUnwind() bool {
	return c.enabled.Load() && c.cancelled.Load() && !c.unwinding.Load()
}

// SetCancelState enables or disables cancellation delivery. Disabling
// defers both the flag check and nonlocal-exception delivery until
// re-enabled.
func (c *CancelState) SetCancelState(enabled bool) (previous bool) {
	return c.enabled.Swap(enabled)
}

func (c *CancelState) SetCancelType(t CancelType) (previous CancelType) {
	return CancelType(c.typ.Swap(int32(t)))
}

// Cancelled reports whether cancel() has been called, regardless of
// whether delivery has happened yet.
func (c *CancelState) Cancelled() bool { return c.cancelled.Load() }

// Cancel marks the coroutine for cancellation. Two successive calls have
// the same effect as one.
func (c *Coroutine) Cancel() {
	c.cancel.cancelled.Store(true)
}

func (c *Coroutine) SetCancelState(enabled bool) bool      { return c.cancel.SetCancelState(enabled) }
func (c *Coroutine) SetCancelType(t CancelType) CancelType { return c.cancel.SetCancelType(t) }
func (c *Coroutine) Cancelled() bool                       { return c.cancel.Cancelled() }

// cleanupHandler is a deferred action run during forced unwind, in LIFO
// order, exactly once.
type cleanupHandler struct {
	fn   func(err error)
	done bool
}

// CleanupPush registers a cleanup handler to run if the current coroutine
// is cancelled while fn's caller's stack frame is active. Idiomatic Go
// usage is:
//
//	defer mnrt.CleanupPush(self, func(err error) { ... })()
//
// The returned func runs on every exit from the enclosing function (via
// defer), but calls fn only when a forced unwind is in progress, passing
// it the cancellation error; on a normal return or any other panic fn is
// not called.
func CleanupPush(self *Coroutine, fn func(err error)) func() {
	h := &cleanupHandler{fn: fn}
	return func() {
		if h.done {
			return
		}
		h.done = true
		r := recover()
		switch v := r.(type) {
		case forcedUnwind:
			self.cancel.unwinding.Store(true)
			fn(&CancellationError{})
			self.cancel.unwinding.Store(false)
			panic(v) // continue unwinding to the next cleanup handler / runLoop's recover
		case nil:
			return
		default:
			panic(v)
		}
	}
}
