package mnrt

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// TaskState is a task's scheduling state machine.
type TaskState uint32

const (
	TaskStart TaskState = iota
	TaskReady
	TaskRunning
	TaskBlocked
	TaskTerminate
)

func (s TaskState) String() string {
	switch s {
	case TaskStart:
		return "start"
	case TaskReady:
		return "ready"
	case TaskRunning:
		return "running"
	case TaskBlocked:
		return "blocked"
	case TaskTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// TaskMain is the user-defined body of a task's implicit main.
type TaskMain func(t *Task)

// Task specializes Coroutine as a schedulable thread: it owns a
// current-coroutine pointer (initially itself), a scheduling state, an
// optional processor binding, and the two intrusive links used by the
// ready queue and the owning cluster's task set.
type Task struct {
	Coroutine

	state atomic.Uint32 // TaskState

	mu               sync.Mutex
	currentCoroutine *Coroutine
	cluster          *Cluster
	boundProcessor   *Processor

	preemptRequested atomic.Bool

	// onBehalf is the deferred "on-behalf-of-user" action for the
	// in-flight schedule call: the processor kernel runs it immediately
	// after the switch away from this task completes, so it executes on
	// the kernel's goroutine, not the blocked task's.
	onBehalf func()

	// intrusive links, exclusively owned by whichever container currently
	// holds this task (ready queue xor external queue xor neither).
	readyNext *Task

	clusterNext *Task
	clusterPrev *Task
}

// NewTask constructs a task bound to no cluster yet (use Cluster.Spawn to
// create and enqueue one in a single step). main is required.
func NewTask(name string, stackSize int, main TaskMain) *Task {
	if main == nil {
		panic("mnrt: nil task main")
	}
	t := &Task{}
	t.Coroutine = *NewCoroutine(name, stackSize, func(self *Coroutine) {
		main(t)
	})
	t.currentCoroutine = &t.Coroutine
	t.state.Store(uint32(TaskStart))
	return t
}

func (t *Task) TaskState() TaskState { return TaskState(t.state.Load()) }

func (t *Task) Cluster() *Cluster {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cluster
}

func (t *Task) BoundProcessor() *Processor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.boundProcessor
}

func (t *Task) setBoundProcessor(p *Processor) {
	t.mu.Lock()
	t.boundProcessor = p
	t.mu.Unlock()
}

// activate transitions Start -> Ready and makes the task visible on the
// cluster's ready queue. Called once, by Cluster.Spawn.
func (t *Task) activate(c *Cluster) {
	if !t.state.CompareAndSwap(uint32(TaskStart), uint32(TaskReady)) {
		fatalf(ErrInvariantViolation, "task %q activated from state %s", t.Name(), t.TaskState())
	}
	t.mu.Lock()
	t.cluster = c
	t.mu.Unlock()
	c.taskAdd(t)
	c.makeTaskReady(t)
}

// dispatch transitions Ready -> Running. Called by the processor kernel
// immediately before resuming the task's current coroutine.
func (t *Task) dispatch() {
	if !t.state.CompareAndSwap(uint32(TaskReady), uint32(TaskRunning)) {
		fatalf(ErrInvariantViolation, "task %q dispatched from state %s", t.Name(), t.TaskState())
	}
}

// Yield voluntarily gives up the processor, re-entering the ready queue at
// the tail. Equivalent to ScheduleWake(self).
func (t *Task) Yield() {
	t.ScheduleWake(t)
}

// Schedule marks the task Blocked and switches to the processor kernel.
// The caller is responsible for arranging a subsequent wake().
func (t *Task) Schedule() {
	t.schedule(nil)
}

// ScheduleUnlock marks the task Blocked, switches to the processor kernel,
// and releases lock on the kernel's goroutine after the switch completes —
// eliminating the "wakes before blocks" race.
func (t *Task) ScheduleUnlock(lock sync.Locker) {
	t.schedule(func() { lock.Unlock() })
}

// ScheduleWake marks the task Blocked, switches to the processor kernel,
// which then makes wake Ready.
func (t *Task) ScheduleWake(wake *Task) {
	t.schedule(func() { wake.wakeFromKernel() })
}

// ScheduleUnlockWake combines ScheduleUnlock and ScheduleWake.
func (t *Task) ScheduleUnlockWake(lock sync.Locker, wake *Task) {
	t.schedule(func() {
		lock.Unlock()
		wake.wakeFromKernel()
	})
}

func (t *Task) schedule(onBehalf func()) {
	if t.TaskState() != TaskRunning {
		fatalf(ErrInvariantViolation, "schedule() called on non-running task %q (state %s)", t.Name(), t.TaskState())
	}
	if !t.state.CompareAndSwap(uint32(TaskRunning), uint32(TaskBlocked)) {
		fatalf(ErrInvariantViolation, "concurrent schedule() on task %q", t.Name())
	}
	t.onBehalf = onBehalf
	t.currentCoroutine.Suspend()
}

// terminate transitions Running -> Terminate, called by the processor
// kernel once the task's coroutine has halted (its main returned or was
// unwound); Task doesn't need its own runLoop since it reuses Coroutine's.
func (t *Task) terminate() {
	if !t.state.CompareAndSwap(uint32(TaskRunning), uint32(TaskTerminate)) {
		// also allow terminate from Blocked, for cancellation-during-block
		if !t.state.CompareAndSwap(uint32(TaskBlocked), uint32(TaskTerminate)) {
			fatalf(ErrInvariantViolation, "task %q terminated from state %s", t.Name(), t.TaskState())
		}
	}
	if c := t.Cluster(); c != nil {
		c.taskRemove(t)
	}
}

// wake is the public wake(task) operation: Blocked -> Ready, re-enqueued
// on its home cluster's ready queue (or its bound processor's external
// queue). Waking a task that is not Blocked is a fatal invariant
// violation.
func (t *Task) wake() {
	if !t.state.CompareAndSwap(uint32(TaskBlocked), uint32(TaskReady)) {
		fatalf(ErrInvariantViolation, "wake() of task %q not Blocked (state %s)", t.Name(), t.TaskState())
	}
	if c := t.Cluster(); c != nil {
		c.makeTaskReady(t)
	}
}

// wakeFromKernel is used for the on-behalf-of-user wake action, which by
// construction runs after the waker itself already suspended. It is the
// same operation as wake(): a task that is not Blocked at that point is a
// fatal invariant violation.
func (t *Task) wakeFromKernel() {
	t.wake()
}

func (t *Task) String() string {
	return fmt.Sprintf("Task(%s#%d, %s)", t.Name(), t.ID(), t.TaskState())
}
