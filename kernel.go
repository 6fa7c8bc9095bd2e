package mnrt

import "time"

// run is the processor-kernel goroutine body: lock to an OS thread, then
// loop forever applying a five-step dispatch protocol until Stop is
// requested:
//
//  1. check the processor's own external (affinity-bound) queue first;
//  2. else check the cluster's shared ready queue;
//  3. else roll forward any due preemption/timer events and retry;
//  4. else spin up to the configured budget, re-polling both queues;
//  5. else park in processorPause until woken by wake(), a timer, or I/O.
//
// After every dispatch, the deferred on-behalf-of-user action (set by
// Task.schedule) runs on this goroutine, never on the task's own — this
// is what closes the "unlock races with wake" gap: the action only runs
// once the task is confirmed blocked, never before.
func (p *Processor) run() {
	p.lockOSThreadAndAffine()
	defer close(p.doneCh)
	defer func() { p.cluster.Load().unregisterProcessor(p) }()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		cluster := p.cluster.Load()

		task := p.external.dropHead()
		if task == nil {
			task = cluster.dropReadyTask()
		}
		if task == nil {
			p.engine.rollForward()
			task = p.external.dropHead()
			if task == nil {
				task = cluster.dropReadyTask()
			}
		}
		if task == nil {
			task = p.spinForTask()
		}
		if task == nil {
			select {
			case <-p.stopCh:
				return
			default:
			}
			p.processorPause()
			continue
		}

		p.dispatch(task)
	}
}

// spinForTask re-polls both queues up to spinBudget times before giving
// up and falling through to processorPause: a bounded spin with backoff.
// The budget acts as a token bucket — each empty poll spends one token,
// and the spin aborts once the bucket is drained rather than spinning
// unbounded.
func (p *Processor) spinForTask() *Task {
	cluster := p.cluster.Load()
	budget := newSpinBudget(p.spinBudget)
	for budget.take() {
		if task := p.external.dropHead(); task != nil {
			return task
		}
		if task := cluster.dropReadyTask(); task != nil {
			return task
		}
		budget.backoff()
	}
	return nil
}

// processorPause parks the processor goroutine until woken. wake() (which
// is how a task made ready, including one woken by the cluster's poller,
// reaches an idle processor) arrives through wakeCh; when the engine has a
// pending event, a timer for its deadline also ends the park.
func (p *Processor) processorPause() {
	cluster := p.cluster.Load()
	cluster.makeProcessorIdle(p)
	defer cluster.makeProcessorActive(p)

	// Re-check for work after joining the idle stack: a task made ready
	// before that point found no idle processor to wake.
	if !p.external.empty() || cluster.readyLen() > 0 {
		return
	}

	next := p.engine.nextDeadline()
	if next.IsZero() {
		select {
		case <-p.wakeCh:
		case <-p.stopCh:
		}
		return
	}

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	select {
	case <-p.wakeCh:
	case <-p.stopCh:
	case <-timer.C:
	}
}

// dispatch runs one task to its next block/terminate point and then runs
// its deferred on-behalf action.
func (p *Processor) dispatch(t *Task) {
	t.dispatch()
	p.currentTask.Store(t)

	var cancelPreempt func()
	if d := p.preemptionPeriod(); d > 0 {
		cancelEvent := p.engine.schedule(d, func() { t.requestPreempt() })
		// This goroutine is blocked in Resume while t runs, so a timer
		// rolls the engine forward once the period has elapsed.
		timer := time.AfterFunc(d, p.engine.rollForward)
		cancelPreempt = func() {
			timer.Stop()
			cancelEvent()
		}
	}

	func() {
		defer func() {
			p.currentTask.Store(nil)
			if cancelPreempt != nil {
				cancelPreempt()
			}
			// A task whose main panicked without recovering arrives here as
			// an *UnhandledCoroutineError escaping Resume (rethrown at its
			// last resumer). The processor kernel is the task's ultimate
			// resumer with no user frame above it to forward to, so it is
			// logged and the task is terminated rather than crashing the
			// processor goroutine.
			if r := recover(); r != nil {
				uce, ok := r.(*UnhandledCoroutineError)
				if !ok {
					panic(r)
				}
				NewLogEntry(LevelError, "processor", "task terminated by unhandled exception").
					Task(t.ID()).Err(uce).Log(p.logger)
			}
		}()
		t.currentCoroutine.Resume(p.kernelCoroutine)
	}()

	if t.Coroutine.State() == CoroutineHalt {
		t.terminate()
	}

	if onBehalf := t.onBehalf; onBehalf != nil {
		t.onBehalf = nil
		onBehalf()
	}
}
