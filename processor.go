package mnrt

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
)

// Processor is a kernel thread pinned via runtime.LockOSThread, dedicated
// to repeatedly dispatching tasks off its cluster. Its entire lifetime is
// spent inside the dispatch loop in kernel.go.
type Processor struct {
	id     uint64
	name   string
	logger Logger

	cluster atomic.Pointer[Cluster]

	external *externalQueue

	spinBudget    int
	preemptPeriod atomic.Int64 // nanoseconds; 0 disables preemption
	detached      bool
	affinity      []int

	engine *preemptEngine

	kernelCoroutine *Coroutine

	currentTask atomic.Pointer[Task]

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	stopped atomic.Bool
}

var processorSeq atomic.Uint64

// NewProcessor constructs and starts a processor bound to cluster. The
// processor runs until Stop is called; Go has no destructor to hook a
// Processor value going out of scope, so Stop must be called explicitly
// rather than relied on implicitly.
func NewProcessor(cluster *Cluster, opts ...ProcessorOption) *Processor {
	cfg := resolveProcessorOptions(opts)
	id := processorSeq.Add(1)
	p := &Processor{
		id:         id,
		name:       fmt.Sprintf("%s/proc-%d", cluster.name, id),
		logger:     cluster.logger,
		external:   newExternalQueue(),
		spinBudget: cfg.spinBudget,
		detached:   cfg.detached,
		affinity:   cfg.affinity,
		wakeCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	p.cluster.Store(cluster)
	p.preemptPeriod.Store(int64(cfg.preemption))
	p.engine = newPreemptEngine()
	p.kernelCoroutine = &Coroutine{name: "kernel:" + p.name, id: coroutineIDs.Add(1)}
	p.kernelCoroutine.state.Store(uint32(CoroutineActive))

	cluster.registerProcessor(p)

	go p.run()
	return p
}

func (p *Processor) Name() string      { return p.name }
func (p *Processor) Cluster() *Cluster { return p.cluster.Load() }

// CurrentTask reports the task presently dispatched on this processor, or
// nil if the processor is idle/spinning.
func (p *Processor) CurrentTask() *Task { return p.currentTask.Load() }

// BindTask pins t to this processor: every future wake() routes t onto
// this processor's external queue instead of its cluster's shared ready
// queue, and only this processor will ever dispatch it. If t is
// currently sitting Ready on its cluster's ready queue, it is moved onto
// the external queue immediately; otherwise the binding simply takes
// effect the next time t transitions Blocked -> Ready, avoiding any
// window where t could be linked into both queues at once (the two
// share the same intrusive readyNext field, which only one queue may
// own at a time).
func (p *Processor) BindTask(t *Task) {
	t.setBoundProcessor(p)
	if c := t.Cluster(); c != nil && t.TaskState() == TaskReady && c.readyQueueTryRemove(t) {
		p.external.add(t)
	}
}

// SetAffinity records a CPU set for the processor. The recorded set is
// applied (best-effort, via applyAffinity) only when the kernel goroutine
// starts, which NewProcessor already did, so SetAffinity does not re-pin
// the OS thread of a running processor; the set given by WithAffinity is
// the one applied. Platforms without unix.SchedSetaffinity ignore it.
// Affinity is always a hint, never a guarantee.
func (p *Processor) SetAffinity(cpus []int) {
	p.affinity = cpus
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// SetPreemption changes the processor's preemption period at runtime; 0
// disables preemption entirely. Takes effect on the next task it
// dispatches.
func (p *Processor) SetPreemption(d time.Duration) {
	p.preemptPeriod.Store(int64(d))
}

func (p *Processor) preemptionPeriod() time.Duration {
	return time.Duration(p.preemptPeriod.Load())
}

// SetCluster migrates the processor to a different cluster: it leaves
// the current cluster's processor set and joins the new one, and its
// dispatch loop starts polling the new cluster's external and ready
// queues from its next iteration. Safe to call at any time, including
// while the processor is running a task or parked idle; if it was
// parked idle on the old cluster, it may receive one harmless spurious
// wake before settling onto the new cluster, since the idle-stack entry
// it left behind is only cleared lazily when popped.
func (p *Processor) SetCluster(c *Cluster) {
	old := p.cluster.Swap(c)
	if old == c {
		return
	}
	old.unregisterProcessor(p)
	c.registerProcessor(p)
	p.wake()
}

// wake nudges a parked processor out of processorPause.
func (p *Processor) wake() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Stop requests the processor kernel loop exit after finishing whatever
// task it currently holds; it does not forcibly cancel a running task.
func (p *Processor) Stop() {
	if p.stopped.CompareAndSwap(false, true) {
		close(p.stopCh)
		p.wake()
	}
	if !p.detached {
		<-p.doneCh
	}
}

func (p *Processor) String() string {
	return fmt.Sprintf("Processor(%s)", p.name)
}

// lockOSThreadAndAffine is split out of run() so kernel.go's loop can stay
// focused on the dispatch protocol.
func (p *Processor) lockOSThreadAndAffine() {
	runtime.LockOSThread()
	applyAffinity(p.affinity)
}
