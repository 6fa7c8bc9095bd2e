package mnrt

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// eventEntry is one node of a processor's time-ordered event list: seq
// breaks ties between events scheduled for the same instant, preserving
// arrival order the way a FIFO tie-break does for equal-priority ready
// tasks.
type eventEntry struct {
	at    time.Time
	seq   uint64
	fn    func()
	index int
	fired bool
}

type eventHeapImpl []*eventEntry

func (h eventHeapImpl) Len() int { return len(h) }
func (h eventHeapImpl) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h eventHeapImpl) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *eventHeapImpl) Push(x any) {
	e := x.(*eventEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *eventHeapImpl) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// preemptEngine is a processor-private min-heap of scheduled callbacks.
// Instead of an asynchronous signal, due events are run by rollForward,
// which the kernel loop calls when it finds no task to run and which a
// timer armed by dispatch calls while a task is running.
//
// interruptDepth tracks nested "this section must not roll events
// forward" scopes guarding kernel critical sections; rollForward is a
// no-op while it is non-zero.
type preemptEngine struct {
	mu             sync.Mutex
	heap           eventHeapImpl
	seq            uint64
	interruptDepth atomic.Int32
	pending        atomic.Int32 // rollForwardPending: events scheduled, not yet run or cancelled
}

func newPreemptEngine() *preemptEngine {
	e := &preemptEngine{}
	heap.Init(&e.heap)
	return e
}

// schedule arms fn to run at now+d (best-effort, cooperative — it runs the
// next time rollForward is called, not asynchronously). Returns a cancel
// function; calling it after fn has already run is a harmless no-op.
func (e *preemptEngine) schedule(d time.Duration, fn func()) func() {
	e.mu.Lock()
	e.seq++
	entry := &eventEntry{at: time.Now().Add(d), seq: e.seq, fn: fn}
	heap.Push(&e.heap, entry)
	e.mu.Unlock()
	e.pending.Add(1)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if entry.index < 0 || entry.fired {
			return
		}
		heap.Remove(&e.heap, entry.index)
		entry.fired = true
		e.pending.Add(-1)
	}
}

// disableInterrupts/enableInterrupts bracket a kernel critical section
// during which rollForward must not run arbitrary user callbacks
// reentrantly.
func (e *preemptEngine) disableInterrupts() { e.interruptDepth.Add(1) }
func (e *preemptEngine) enableInterrupts()  { e.interruptDepth.Add(-1) }

// rollForward runs every event whose deadline has passed. Safe to call
// from the kernel loop at any point it is not already inside a critical
// section.
func (e *preemptEngine) rollForward() {
	if e.interruptDepth.Load() != 0 {
		return
	}
	now := time.Now()
	for {
		e.mu.Lock()
		if e.heap.Len() == 0 || e.heap[0].at.After(now) {
			e.mu.Unlock()
			return
		}
		entry := heap.Pop(&e.heap).(*eventEntry)
		entry.fired = true
		e.mu.Unlock()
		e.pending.Add(-1)
		entry.fn()
	}
}

// nextDeadline reports the earliest pending event's deadline, or the zero
// Time if none are scheduled — used by processorPause to bound how long
// it parks.
func (e *preemptEngine) nextDeadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.heap.Len() == 0 {
		return time.Time{}
	}
	return e.heap[0].at
}

// requestPreempt is invoked from the engine when a dispatched task's
// preemption period elapses. It cannot forcibly interrupt the task's
// goroutine (Go offers no safe mechanism for that), so it sets a
// cooperative flag that Task.Poll observes and acts on at the task's
// next poll point.
func (t *Task) requestPreempt() {
	t.preemptRequested.Store(true)
}

// Poll overrides Coroutine.Poll: in addition to the cancellation check, it
// observes a pending preemption request and voluntarily yields — a
// cooperative substitute for an asynchronous signal-driven context
// switch.
func (t *Task) Poll() {
	t.Coroutine.Poll()
	if t.preemptRequested.CompareAndSwap(true, false) {
		t.Yield()
	}
}
