package mnrt

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// CoroutineState tracks a coroutine's lifecycle: Start at construction,
// Active/Inactive alternation while resumable, Halt once its main has
// returned or been forcibly unwound.
type CoroutineState uint32

const (
	CoroutineStart CoroutineState = iota
	CoroutineInactive
	CoroutineActive
	CoroutineHalt
)

func (s CoroutineState) String() string {
	switch s {
	case CoroutineStart:
		return "start"
	case CoroutineInactive:
		return "inactive"
	case CoroutineActive:
		return "active"
	case CoroutineHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// CoroutineMain is the user-supplied body of a coroutine. It receives the
// coroutine so it can call Suspend/Poll/RaiseResumption on itself.
type CoroutineMain func(self *Coroutine)

// Coroutine is a first-class stack with explicit resume/suspend,
// implemented as a goroutine gated by a two-channel rendezvous (see
// execContext) rather than raw stack switching.
type Coroutine struct {
	name string
	id   uint64
	ctx  execContext
	main CoroutineMain

	state atomic.Uint32 // CoroutineState

	mu      sync.Mutex
	starter *Coroutine
	resumer *Coroutine

	cancel CancelState

	handlerMu    sync.Mutex
	visualTop    *resumptionHandler
	lexicalTop   *resumptionHandler
	deliverable  map[string]bool // delivered-exception-stack: type keys currently deliverable
}

var coroutineIDs atomic.Uint64

// NewCoroutine constructs a coroutine with the given name, advisory stack
// size (0 uses the platform default), and main body. The coroutine starts
// in CoroutineStart; its goroutine is not spawned until first Resume.
func NewCoroutine(name string, stackSize int, main CoroutineMain) *Coroutine {
	if main == nil {
		panic("mnrt: nil coroutine main")
	}
	c := &Coroutine{
		name: name,
		id:   coroutineIDs.Add(1),
		ctx:  newExecContext(stackSize),
		main: main,
	}
	c.state.Store(uint32(CoroutineStart))
	c.cancel.init()
	return c
}

func (c *Coroutine) Name() string          { return c.name }
func (c *Coroutine) ID() uint64            { return c.id }
func (c *Coroutine) State() CoroutineState { return CoroutineState(c.state.Load()) }

func (c *Coroutine) Starter() *Coroutine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starter
}

func (c *Coroutine) Resumer() *Coroutine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumer
}

// Resume transfers control to the coroutine. by is the calling coroutine
// (nil for the runtime's implicit root/kernel caller). Resume blocks the
// caller until the target suspends or terminates; an unhandled exception
// that escaped the target's main is propagated into the caller via panic
// (rethrowing the wrapped exception at its last resumer).
func (c *Coroutine) Resume(by *Coroutine) {
	state := c.State()
	if state == CoroutineHalt {
		fatalf(ErrInvariantViolation, "resume of terminated coroutine %q", c.name)
	}
	if state == CoroutineActive {
		fatalf(ErrInvariantViolation, "coroutine %q resumed while already active (current owner executing)", c.name)
	}
	if by == c {
		fatalf(ErrInvariantViolation, "coroutine %q resumed itself", c.name)
	}

	c.mu.Lock()
	if c.starter == nil {
		c.starter = by
	}
	c.resumer = by
	first := state == CoroutineStart
	c.mu.Unlock()

	if first {
		c.ctx.started = true
		go c.runLoop()
	}

	c.state.Store(uint32(CoroutineActive))
	c.ctx.resumeCh <- struct{}{}
	term := <-c.ctx.doneCh

	switch term.kind {
	case termSuspend:
		c.state.Store(uint32(CoroutineInactive))
	case termNormal, termCancelled:
		c.state.Store(uint32(CoroutineHalt))
	case termUnhandled:
		c.state.Store(uint32(CoroutineHalt))
		panic(term.err)
	default:
		fatalf(ErrInvariantViolation, "coroutine %q: unknown terminal signal %d", c.name, term.kind)
	}
}

// Suspend returns control to the coroutine's current resumer. It is a
// fatal error to call Suspend on a coroutine that is not Active (i.e. not
// currently the caller's own running coroutine).
func (c *Coroutine) Suspend() {
	if c.State() != CoroutineActive {
		fatalf(ErrInvariantViolation, "suspend of non-active coroutine %q", c.name)
	}
	c.poll()
	c.ctx.doneCh <- terminalSignal{kind: termSuspend}
	<-c.ctx.resumeCh
	c.poll()
}

// Poll is the cooperative cancellation/preemption check: invoked
// automatically at every switch boundary and available for explicit use
// inside long-running user loops.
func (c *Coroutine) Poll() { c.poll() }

func (c *Coroutine) poll() {
	if c.cancel.shouldUnwind() {
		panic(forcedUnwind{})
	}
}

// runLoop is the coroutine's own goroutine body: wait for the first
// resume, run main inside three nested recovery cases (forced unwind,
// already-wrapped forwarded exception, anything else), then signal
// termination to whoever is currently blocked in Resume.
func (c *Coroutine) runLoop() {
	<-c.ctx.resumeCh

	var term terminalSignal
	func() {
		defer func() {
			r := recover()
			if r == nil {
				term = terminalSignal{kind: termNormal}
				return
			}
			switch e := r.(type) {
			case forcedUnwind:
				// Handler 1: forced-unwind cancellation exception caught;
				// disarm the unwinder, mark halted, do not propagate.
				term = terminalSignal{kind: termCancelled}
			case *UnhandledCoroutineError:
				// Handler 2: already-wrapped exception forwarded from a
				// nested Resume call; increment multiplicity and keep
				// forwarding.
				e.Multiplicity++
				term = terminalSignal{kind: termUnhandled, err: e}
			default:
				// Handler 3: any other exception. defaultTerminate is a
				// no-op fatal-log here (no process-wide default action to
				// take in a library); wrap and begin forwarding.
				term = terminalSignal{kind: termUnhandled, err: &UnhandledCoroutineError{
					Origin:       c,
					Cause:        toError(r),
					Multiplicity: 1,
				}}
			}
		}()
		c.main(c)
	}()

	c.state.Store(uint32(CoroutineHalt))
	c.ctx.doneCh <- term
}

func (c *Coroutine) String() string {
	return fmt.Sprintf("Coroutine(%s#%d, %s)", c.name, c.id, c.State())
}
