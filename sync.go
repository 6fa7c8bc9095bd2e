package mnrt

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a pure busy-wait mutex with no task-blocking fallback:
// intended only for very short critical sections (a handful of
// instructions), since unlike OwnerLock it never yields to the scheduler.
type Spinlock struct {
	state atomic.Bool
}

func (s *Spinlock) Lock() {
	for !s.state.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *Spinlock) Unlock() {
	if !s.state.CompareAndSwap(true, false) {
		fatalf(ErrInvariantViolation, "unlock of unlocked Spinlock")
	}
}

// OwnerLock is a recursive, task-aware mutex: the owning Task may Lock it
// again without deadlocking itself, and a Task blocked waiting for it
// suspends via Task.ScheduleUnlock rather than busy-waiting.
type OwnerLock struct {
	guard     Spinlock
	owner     *Task
	recursion int
	waiters   []*Task
}

// Lock acquires the lock on behalf of self, blocking (cooperatively) if
// another task currently owns it. self must be the calling task's own
// *Task (the one currently Running).
func (l *OwnerLock) Lock(self *Task) {
	for {
		l.guard.Lock()
		if l.owner == nil {
			l.owner = self
			l.recursion = 1
			l.guard.Unlock()
			return
		}
		if l.owner == self {
			l.recursion++
			l.guard.Unlock()
			return
		}
		l.waiters = append(l.waiters, self)
		recordWaitEdge(self, l.owner)
		self.ScheduleUnlock(&l.guard)
		clearWaitEdge(self)
	}
}

// Unlock releases one level of recursion, waking the longest-waiting
// blocked task once the owner's recursion count reaches zero.
func (l *OwnerLock) Unlock(self *Task) {
	l.guard.Lock()
	if l.owner != self {
		l.guard.Unlock()
		fatalf(ErrInvariantViolation, "unlock of OwnerLock by non-owner task %q", self.Name())
	}
	l.recursion--
	if l.recursion > 0 {
		l.guard.Unlock()
		return
	}
	l.owner = nil
	var next *Task
	if len(l.waiters) > 0 {
		next = l.waiters[0]
		l.waiters = l.waiters[1:]
	}
	l.guard.Unlock()
	if next != nil {
		next.wake()
	}
}

// Semaphore is a classic counting semaphore over the scheduler.
type Semaphore struct {
	guard   Spinlock
	count   int
	waiters []*Task
}

func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

// P (wait/acquire) blocks self until count > 0, then decrements it.
func (s *Semaphore) P(self *Task) {
	for {
		s.guard.Lock()
		if s.count > 0 {
			s.count--
			s.guard.Unlock()
			return
		}
		s.waiters = append(s.waiters, self)
		self.ScheduleUnlock(&s.guard)
	}
}

// V (signal/release) increments count, waking one waiter if any is
// blocked.
func (s *Semaphore) V() {
	s.guard.Lock()
	var next *Task
	if len(s.waiters) > 0 {
		next = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.count++
	s.guard.Unlock()
	if next != nil {
		next.wake()
	}
}

// CondVar is a condition variable associated with an OwnerLock: Wait
// atomically releases lock and blocks self, reacquiring lock before
// returning.
type CondVar struct {
	guard   Spinlock
	waiters []*Task
}

// Wait releases lock, blocks self until Signal/Broadcast wakes it, then
// reacquires lock before returning — the standard Mesa-semantics
// condition variable contract (callers must re-check their predicate in
// a loop). The release is deferred to run on the processor-kernel
// goroutine after self has suspended (the same ScheduleUnlock discipline
// Task uses elsewhere), so a concurrent Signal/Broadcast can never
// observe self as a registered waiter that is still Running.
func (c *CondVar) Wait(self *Task, lock *OwnerLock) {
	c.guard.Lock()
	c.waiters = append(c.waiters, self)
	c.guard.Unlock()

	self.ScheduleUnlock(unlockFunc(func() { lock.Unlock(self) }))

	lock.Lock(self)
}

// unlockFunc adapts a plain func() into a sync.Locker whose Lock is a
// no-op, for passing a non-mutex release action to Task.ScheduleUnlock.
type unlockFunc func()

func (unlockFunc) Lock()        {}
func (f unlockFunc) Unlock()    { f() }

func (c *CondVar) Signal() {
	c.guard.Lock()
	var next *Task
	if len(c.waiters) > 0 {
		next = c.waiters[0]
		c.waiters = c.waiters[1:]
	}
	c.guard.Unlock()
	if next != nil {
		next.wake()
	}
}

func (c *CondVar) Broadcast() {
	c.guard.Lock()
	woken := c.waiters
	c.waiters = nil
	c.guard.Unlock()
	for _, t := range woken {
		t.wake()
	}
}
