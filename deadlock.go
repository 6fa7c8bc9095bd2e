package mnrt

import "sync"

// waitForGraph tracks, for each currently-blocked task, the single task it
// is waiting on (its lock's current owner). In uniprocessor mode there is
// exactly one kernel thread, so if every task reachable from a new wait
// edge is itself blocked and the edge closes a cycle, no further progress
// is possible — a genuine deadlock, not just contention — and
// ErrDeadlock is raised immediately rather than hanging forever.
var waitForGraph struct {
	mu    sync.Mutex
	edges map[*Task]*Task
}

func init() {
	waitForGraph.edges = make(map[*Task]*Task)
}

// recordWaitEdge records that waiter is blocked waiting on owner, and, in
// uniprocessor mode, checks whether this closes a cycle back to waiter —
// i.e. every task on the cycle is transitively waiting on waiter itself,
// so none of them can ever make progress.
func recordWaitEdge(waiter, owner *Task) {
	waitForGraph.mu.Lock()
	waitForGraph.edges[waiter] = owner
	cycle := currentMode() == ModeUniprocessor && hasCycleLocked(waiter)
	waitForGraph.mu.Unlock()

	if cycle {
		fatalf(ErrDeadlock, "wait-for cycle detected starting at task %q", waiter.Name())
	}
}

// clearWaitEdge removes the calling task's outgoing wait edge once it has
// been woken (whether it acquired the resource or merely gave up).
func clearWaitEdge(waiter *Task) {
	waitForGraph.mu.Lock()
	delete(waitForGraph.edges, waiter)
	waitForGraph.mu.Unlock()
}

// hasCycleLocked walks the wait-for chain starting at start with Floyd's
// tortoise/hare, following edges[...] until it either runs off the graph
// (no cycle) or the two walkers meet (a cycle reachable from start, which
// start itself may only feed into). Caller must hold waitForGraph.mu.
func hasCycleLocked(start *Task) bool {
	slow, fast := start, start
	for {
		fast = waitForGraph.edges[fast]
		if fast == nil {
			return false
		}
		fast = waitForGraph.edges[fast]
		if fast == nil {
			return false
		}
		slow = waitForGraph.edges[slow]
		if slow == fast {
			return true
		}
	}
}

var globalMode atomic32Mode

type atomic32Mode struct {
	v Mode
	sync.Mutex
}

func (m *atomic32Mode) set(mode Mode) {
	m.Lock()
	m.v = mode
	m.Unlock()
}

func (m *atomic32Mode) get() Mode {
	m.Lock()
	defer m.Unlock()
	return m.v
}

func currentMode() Mode { return globalMode.get() }

func setCurrentMode(mode Mode) { globalMode.set(mode) }
