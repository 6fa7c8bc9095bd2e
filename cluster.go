package mnrt

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Cluster is a named pool of processors sharing one ready queue and one
// task set: the unit of "which kernel threads may run which tasks." A
// single mutex guards the ready queue, the idle-processor stack, and the
// task list together rather than locking each one separately.
type Cluster struct {
	name      string
	stackSize int
	logger    Logger

	wakeBatchSize   int
	wakeBatchWindow int64 // nanoseconds; recorded from WithWakeBatch, not read by makeTaskReadyBatch

	mu sync.Mutex

	ready *readyQueue

	processors     map[*Processor]struct{}
	idleProcessors []*Processor // LIFO stack: most-recently-idle woken first

	taskHead *Task // doubly-linked via clusterNext/clusterPrev
	taskCount int

	pollerState *poller

	closed bool
}

var clusterSeq atomic.Uint64

// NewCluster constructs a cluster with the given base name (a numeric
// suffix is appended for uniqueness) and options.
func NewCluster(name string, opts ...ClusterOption) *Cluster {
	cfg := resolveClusterOptions(opts)
	if cfg.name == "" {
		cfg.name = name
	}
	full := fmt.Sprintf("%s-%d", cfg.name, clusterSeq.Add(1))

	c := &Cluster{
		name:            full,
		stackSize:       cfg.stackSize,
		logger:          cfg.logger,
		wakeBatchSize:   cfg.wakeBatchSize,
		wakeBatchWindow: int64(cfg.wakeBatchWindow),
		ready:           newReadyQueue(cfg.discipline),
		processors:      make(map[*Processor]struct{}),
	}
	c.pollerState = newPoller(c)
	return c
}

func (c *Cluster) Name() string { return c.name }

func (c *Cluster) Logger() Logger { return c.logger }

// Spawn creates a new task with this cluster's default stack size and
// activates it (Start -> Ready), enqueuing it on the ready queue.
func (c *Cluster) Spawn(name string, main TaskMain) *Task {
	return c.SpawnStack(name, c.stackSize, main)
}

// SpawnStack is Spawn with an explicit stack-size hint override.
func (c *Cluster) SpawnStack(name string, stackSize int, main TaskMain) *Task {
	t := NewTask(name, stackSize, main)
	t.activate(c)
	NewLogEntry(LevelDebug, "cluster", "task spawned").Cluster(c.name).Task(t.ID()).Log(c.logger)
	return t
}

// taskAdd links t into the cluster's task set. Called once, from
// Task.activate.
func (c *Cluster) taskAdd(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.clusterNext = c.taskHead
	t.clusterPrev = nil
	if c.taskHead != nil {
		c.taskHead.clusterPrev = t
	}
	c.taskHead = t
	c.taskCount++
}

// taskRemove unlinks t from the cluster's task set. Called once, from
// Task.terminate.
func (c *Cluster) taskRemove(t *Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.clusterPrev != nil {
		t.clusterPrev.clusterNext = t.clusterNext
	} else if c.taskHead == t {
		c.taskHead = t.clusterNext
	}
	if t.clusterNext != nil {
		t.clusterNext.clusterPrev = t.clusterPrev
	}
	t.clusterNext, t.clusterPrev = nil, nil
	c.taskCount--
}

// TaskCount reports the number of non-terminated tasks owned by the
// cluster.
func (c *Cluster) TaskCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskCount
}

// makeTaskReady routes t to wherever it can next be dispatched from. A
// task bound to a processor always goes onto that processor's external
// queue, never the shared ready queue: if the processor is currently
// idle it is taken off the idle stack and signalled directly; if it is
// busy, the task simply waits where only that processor will ever look
// for it. An unbound task is enqueued on the shared ready queue and
// wakes at most one idle processor.
func (c *Cluster) makeTaskReady(t *Task) {
	if p := t.BoundProcessor(); p != nil {
		p.external.add(t)
		c.mu.Lock()
		idle := c.removeIdleLocked(p)
		c.mu.Unlock()
		if idle {
			p.wake()
		}
		return
	}

	c.mu.Lock()
	c.ready.add(t)
	p := c.popIdleLocked()
	c.mu.Unlock()

	if p != nil {
		p.wake()
	}
}

// makeTaskReadyBatch enqueues all of tasks under a single lock acquisition
// and wakes at most one idle processor per queued task (bounded by
// available idle processors), rather than one wake syscall per task. The
// ready queue plays the role of a batch buffer, and the flush is the
// bulk wake of idle processors.
func (c *Cluster) makeTaskReadyBatch(tasks []*Task) {
	if len(tasks) == 0 {
		return
	}

	var unbound []*Task
	woken := make([]*Processor, 0, len(tasks))

	c.mu.Lock()
	for _, t := range tasks {
		p := t.BoundProcessor()
		if p == nil {
			unbound = append(unbound, t)
			continue
		}
		p.external.add(t)
		if c.removeIdleLocked(p) {
			woken = append(woken, p)
		}
	}
	for _, t := range unbound {
		c.ready.add(t)
	}
	for len(woken) < len(tasks) {
		p := c.popIdleLocked()
		if p == nil {
			break
		}
		woken = append(woken, p)
	}
	c.mu.Unlock()

	for _, p := range woken {
		p.wake()
	}
}

// readyQueueTryRemove unlinks t from the ready queue if it is still
// sitting there, e.g. for a timed-wait task whose timeout fires after it
// was independently woken. Returns true if removed.
func (c *Cluster) readyQueueTryRemove(t *Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.removeSpecific(t)
}

// rescheduleTask re-splices t at a new discipline-determined position in
// the ready queue, e.g. after a priority change while t is already
// enqueued. No-op if t is not currently on the shared ready queue (it may
// be bound, dispatched, or not yet enqueued).
func (c *Cluster) rescheduleTask(t *Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.rescheduleOne(t)
}

// dropReadyTask is used by the processor kernel's dispatch step: pop the
// next task off the shared ready queue, or nil if empty. Caller must not
// hold c.mu.
func (c *Cluster) dropReadyTask() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.dropHead()
}

func (c *Cluster) readyLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready.len()
}

// makeProcessorIdle pushes p onto the idle LIFO stack. Called by the
// processor kernel right before it parks in processorPause.
func (c *Cluster) makeProcessorIdle(p *Processor) {
	c.mu.Lock()
	c.idleProcessors = append(c.idleProcessors, p)
	c.mu.Unlock()
}

// makeProcessorActive removes p from the idle stack if present (it may
// already have been popped by a concurrent makeTaskReady), called right
// after a processor wakes from processorPause.
func (c *Cluster) makeProcessorActive(p *Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeIdleLocked(p)
}

// removeIdleLocked removes p from the idle stack if present, reporting
// whether it was found there. Caller must hold c.mu.
func (c *Cluster) removeIdleLocked(p *Processor) bool {
	for i := len(c.idleProcessors) - 1; i >= 0; i-- {
		if c.idleProcessors[i] == p {
			c.idleProcessors = append(c.idleProcessors[:i], c.idleProcessors[i+1:]...)
			return true
		}
	}
	return false
}

// popIdleLocked pops the most-recently-idled processor, if any. Caller
// must hold c.mu.
func (c *Cluster) popIdleLocked() *Processor {
	n := len(c.idleProcessors)
	if n == 0 {
		return nil
	}
	p := c.idleProcessors[n-1]
	c.idleProcessors = c.idleProcessors[:n-1]
	return p
}

func (c *Cluster) registerProcessor(p *Processor) {
	c.mu.Lock()
	c.processors[p] = struct{}{}
	c.mu.Unlock()
}

func (c *Cluster) unregisterProcessor(p *Processor) {
	c.mu.Lock()
	delete(c.processors, p)
	c.mu.Unlock()
}

// ProcessorCount reports the number of processors currently bound to the
// cluster.
func (c *Cluster) ProcessorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processors)
}

// Close stops the cluster's poller. It does not stop processors bound to
// the cluster; callers own each Processor's lifetime via Processor.Stop.
func (c *Cluster) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.pollerState.close()
}

func (c *Cluster) String() string {
	return fmt.Sprintf("Cluster(%s, tasks=%d, processors=%d)", c.name, c.TaskCount(), c.ProcessorCount())
}
