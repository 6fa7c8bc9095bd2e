package mnrt

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// FDEvent reports which interest(s) became ready for one file descriptor,
// or an error that aborted the whole Select call (Err set, FD -1).
type FDEvent struct {
	FD       int
	Readable bool
	Writable bool
	Err      error
}

// SelectConfig parameterizes poller.Select: return early once enough
// results are in, otherwise wait out a bounded partial-results window.
// MinReady is how many FDEvents must
// be collected before Select may return without having seen every
// requested fd fire — but only if PartialTimeout is 0; when
// PartialTimeout is set, Select instead always waits up to that long
// (or until MaxReady fds are ready) before returning whatever it has.
// 0 for both means wait for every requested fd or an explicit Deadline.
type SelectConfig struct {
	MinReady       int
	MaxReady       int
	PartialTimeout time.Duration
	Deadline       time.Time // zero means no deadline
}

// FDInterest is one requested (fd, read/write) pair in a Select call.
type FDInterest struct {
	FD    int
	Read  bool
	Write bool
}

// waiter is the poller's per-registered-fd bookkeeping. Unlike a plain
// single-callback registration, each direction holds a FIFO of groups:
// epoll reports one readiness event per fd regardless of how many tasks
// are waiting on it, and only the head of the line is handed that event.
// The rest stay registered exactly as before, so they are neither lost
// nor spuriously woken — matching one fd shared by many simultaneous
// waiters where exactly one observes each readiness transition.
type waiter struct {
	fd      int
	readers []*selectGroup
	writers []*selectGroup
}

// selectGroup is shared by every FDInterest registered on behalf of one
// Select call: the poller appends to results as each fd becomes ready and
// wakes the blocked task once MinReady/MaxReady/PartialTimeout is
// satisfied, or immediately if the poller reports a fatal error.
type selectGroup struct {
	mu       sync.Mutex
	task     *Task
	results  []FDEvent
	seen     map[int]bool
	err      error
	min, max int
	woken    atomic.Bool
	cancelPT func()
}

func (g *selectGroup) record(ev FDEvent) {
	g.mu.Lock()
	if ev.Err != nil {
		if g.err == nil {
			g.err = ev.Err
		}
	} else if !g.seen[ev.FD] {
		g.seen[ev.FD] = true
		g.results = append(g.results, ev)
	} else {
		for i := range g.results {
			if g.results[i].FD == ev.FD {
				g.results[i].Readable = g.results[i].Readable || ev.Readable
				g.results[i].Writable = g.results[i].Writable || ev.Writable
			}
		}
	}
	n := len(g.results)
	failed := g.err != nil
	g.mu.Unlock()

	if failed {
		g.wake()
		return
	}
	if g.max > 0 && n >= g.max {
		g.wake()
		return
	}
	if g.min > 0 && n >= g.min && g.cancelPT == nil {
		g.wake()
	}
}

func (g *selectGroup) wake() {
	if g.woken.CompareAndSwap(false, true) {
		if g.cancelPT != nil {
			g.cancelPT()
		}
		g.task.wake()
	}
}

func (g *selectGroup) snapshot() ([]FDEvent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]FDEvent, len(g.results))
	copy(out, g.results)
	return out, g.err
}

// poller is the cluster-wide I/O multiplexer: one epoll instance, a
// self-pipe for waking EpollWait early on registration changes or
// shutdown, and a goroutine translating ready events into selectGroup
// wakeups. The registration bookkeeping is an fd-to-waiter map holding a
// FIFO of waiting groups per direction, generalized from a single
// callback to any number of simultaneous waiters.
type poller struct {
	cluster *Cluster
	engine  *preemptEngine

	epfd int

	wakeR, wakeW int

	mu      sync.Mutex
	waiters map[int]*waiter // keyed by fd; tracks combined interest
	closed  bool
	closeCh chan struct{}
}

func newPoller(c *Cluster) *poller {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		fatalf(ErrSignalFault, "epoll_create1: %v", err)
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		_ = unix.Close(epfd)
		fatalf(ErrSignalFault, "pipe2: %v", err)
	}
	p := &poller{
		cluster: c,
		engine:  newPreemptEngine(),
		epfd:    epfd,
		wakeR:   fds[0],
		wakeW:   fds[1],
		waiters: make(map[int]*waiter),
		closeCh: make(chan struct{}),
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, p.wakeR, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(p.wakeR)}); err != nil {
		fatalf(ErrSignalFault, "epoll_ctl(wake pipe): %v", err)
	}
	go p.run()
	return p
}

func (p *poller) wakeSelf() {
	var b [1]byte
	_, _ = unix.Write(p.wakeW, b[:])
}

func (p *poller) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.closeCh)
	p.wakeSelf()
}

// register adds interest in fd for one direction on behalf of group,
// queueing behind any waiter already registered for the same direction.
// Returns an unregister func.
func (p *poller) register(fd int, read, write bool, group *selectGroup) func() {
	p.mu.Lock()
	w, ok := p.waiters[fd]
	if !ok {
		w = &waiter{fd: fd}
		p.waiters[fd] = w
	}
	if read {
		w.readers = append(w.readers, group)
	}
	if write {
		w.writers = append(w.writers, group)
	}
	ev := epollEventsFor(w)
	op := unix.EPOLL_CTL_ADD
	if ok {
		op = unix.EPOLL_CTL_MOD
	}
	err := unix.EpollCtl(p.epfd, op, fd, &unix.EpollEvent{Events: ev, Fd: int32(fd)})
	p.mu.Unlock()

	if err != nil {
		if err == unix.EBADF {
			// The fd handed to Select was never valid, so the usual
			// per-fd recovery (drop it and keep waiting) can't apply:
			// there's nothing to re-poll. Every outstanding client of
			// this poller observes the failure on its own call instead
			// of hanging on a registration that can never fire.
			p.failAll(err)
			return func() {}
		}
		NewLogEntry(LevelWarn, "poller", "epoll_ctl register failed").Field("fd", fd).Err(err).Log(p.cluster.logger)
	}
	p.wakeSelf()

	return func() { p.unregister(fd, read, write, group) }
}

func (p *poller) unregister(fd int, read, write bool, group *selectGroup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.waiters[fd]
	if !ok {
		return
	}
	if read {
		w.readers = removeGroup(w.readers, group)
	}
	if write {
		w.writers = removeGroup(w.writers, group)
	}
	if len(w.readers) == 0 && len(w.writers) == 0 {
		delete(p.waiters, fd)
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: epollEventsFor(w), Fd: int32(fd)})
}

func removeGroup(list []*selectGroup, g *selectGroup) []*selectGroup {
	for i, x := range list {
		if x == g {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// failAll wakes every currently registered waiter with an I/O error and
// clears the poller's entire registration table: one invalid fd is
// treated as a fault in the whole poll set, since there is no way for a
// caller to tell which registration it was without retrying.
func (p *poller) failAll(cause error) {
	p.mu.Lock()
	waiters := p.waiters
	p.waiters = make(map[int]*waiter)
	p.mu.Unlock()

	seen := make(map[*selectGroup]bool)
	for fd, w := range waiters {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		for _, g := range w.readers {
			if !seen[g] {
				seen[g] = true
				g.record(FDEvent{FD: -1, Err: &IOError{Op: "select", FD: fd, Cause: cause}})
			}
		}
		for _, g := range w.writers {
			if !seen[g] {
				seen[g] = true
				g.record(FDEvent{FD: -1, Err: &IOError{Op: "select", FD: fd, Cause: cause}})
			}
		}
	}
}

func epollEventsFor(w *waiter) uint32 {
	var ev uint32
	if len(w.readers) > 0 {
		ev |= unix.EPOLLIN
	}
	if len(w.writers) > 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// run is the poller's goroutine: block in EpollWait, translate ready
// events into selectGroup.record calls, and roll forward any due
// PartialTimeout events.
//
// Each ready fd delivers its event to exactly one waiting group per
// direction — the head of that direction's FIFO — not to every group
// registered on the fd. Epoll is level-triggered and nothing here
// consumes the underlying data, so a fd that is still ready after its
// winner is popped keeps firing on subsequent waits until the data is
// actually drained, at which point the remaining waiters simply never
// see another event.
func (p *poller) run() {
	const maxEvents = 64
	events := make([]unix.EpollEvent, maxEvents)

	for {
		select {
		case <-p.closeCh:
			_ = unix.Close(p.epfd)
			_ = unix.Close(p.wakeR)
			_ = unix.Close(p.wakeW)
			return
		default:
		}

		timeout := -1
		if d := p.engine.nextDeadline(); !d.IsZero() {
			if until := time.Until(d); until <= 0 {
				timeout = 0
			} else {
				timeout = int(until / time.Millisecond)
				if timeout == 0 {
					timeout = 1
				}
			}
		}

		n, err := unix.EpollWait(p.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if err == unix.EBADF {
				// The epoll instance itself was closed out from under
				// the wait, or a registered fd was invalidated in a way
				// epoll could not clean up after — either way no
				// further waits can succeed.
				NewLogEntry(LevelError, "poller", "epoll_wait: bad descriptor").Err(err).Log(p.cluster.logger)
				p.failAll(err)
				return
			}
			NewLogEntry(LevelError, "poller", "epoll_wait failed").Err(err).Log(p.cluster.logger)
			return
		}

		p.engine.rollForward()

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == p.wakeR {
				var buf [64]byte
				for {
					if _, err := unix.Read(p.wakeR, buf[:]); err != nil {
						break
					}
				}
				continue
			}

			readable := events[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0
			writable := events[i].Events&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0

			p.mu.Lock()
			w, ok := p.waiters[fd]
			var reader, writer *selectGroup
			if ok {
				if readable && len(w.readers) > 0 {
					reader, w.readers = w.readers[0], w.readers[1:]
				}
				if writable && len(w.writers) > 0 {
					writer, w.writers = w.writers[0], w.writers[1:]
				}
				if len(w.readers) == 0 && len(w.writers) == 0 {
					delete(p.waiters, fd)
					_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
				} else {
					_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: epollEventsFor(w), Fd: int32(fd)})
				}
			}
			p.mu.Unlock()

			if reader != nil {
				reader.record(FDEvent{FD: fd, Readable: true})
			}
			if writer != nil {
				writer.record(FDEvent{FD: fd, Writable: true})
			}
		}
	}
}

// Select blocks the current task until cfg.MaxReady of the requested fds
// have become ready, cfg.MinReady have (counted only when
// cfg.PartialTimeout is 0), cfg.PartialTimeout elapses after the fds are
// registered, or cfg.Deadline passes — whichever comes first — then
// returns whatever FDEvents were collected. A non-nil
// error means the poller aborted the wait (e.g. a bad descriptor);
// whatever partial events were already collected are still returned
// alongside it.
func (p *poller) Select(t *Task, interests []FDInterest, cfg SelectConfig) ([]FDEvent, error) {
	if len(interests) == 0 {
		return nil, nil
	}
	min := cfg.MinReady
	if min <= 0 {
		min = len(interests)
	}
	max := cfg.MaxReady
	if max <= 0 {
		max = len(interests)
	}

	group := &selectGroup{task: t, seen: make(map[int]bool, len(interests)), min: min, max: max}

	// Registration must happen strictly after the task has transitioned
	// to Blocked and suspended — if it happened on this (the task's own)
	// goroutine before schedule(), a readiness event could race in and
	// call group.wake() -> task.wake() while the task is still Running,
	// tripping the same invariant ScheduleUnlock's deferred unlock exists
	// to avoid. So registration is itself the schedule() on-behalf action,
	// executed on the processor-kernel goroutine right after the switch.
	var unregs []func()
	var cancelDeadline func()
	t.schedule(func() {
		for _, in := range interests {
			unregs = append(unregs, p.register(in.FD, in.Read, in.Write, group))
		}
		if !cfg.Deadline.IsZero() {
			cancelDeadline = p.engine.schedule(time.Until(cfg.Deadline), group.wake)
		}
		if cfg.PartialTimeout > 0 {
			group.cancelPT = p.engine.schedule(cfg.PartialTimeout, group.wake)
		}
		// Wake the poller so its next EpollWait timeout covers the
		// deadline events just scheduled.
		p.wakeSelf()
	})

	for _, u := range unregs {
		u()
	}
	if cancelDeadline != nil {
		cancelDeadline()
	}

	return group.snapshot()
}
