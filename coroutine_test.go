package mnrt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoroutine_ResumeSuspendPingPong(t *testing.T) {
	var trace []string

	co := NewCoroutine("pingpong", 0, func(self *Coroutine) {
		trace = append(trace, "a1")
		self.Suspend()
		trace = append(trace, "a2")
		self.Suspend()
		trace = append(trace, "a3")
	})

	root := &Coroutine{name: "root"}
	root.state.Store(uint32(CoroutineActive))

	co.Resume(root)
	assert.Equal(t, []string{"a1"}, trace)
	assert.Equal(t, CoroutineInactive, co.State())

	co.Resume(root)
	assert.Equal(t, []string{"a1", "a2"}, trace)

	co.Resume(root)
	assert.Equal(t, []string{"a1", "a2", "a3"}, trace)
	assert.Equal(t, CoroutineHalt, co.State())
}

func TestCoroutine_ResumeHaltedIsFatal(t *testing.T) {
	co := NewCoroutine("once", 0, func(self *Coroutine) {})
	root := &Coroutine{name: "root"}
	root.state.Store(uint32(CoroutineActive))
	co.Resume(root)
	require.Equal(t, CoroutineHalt, co.State())

	assert.PanicsWithValue(t, &FatalError{Cause: ErrInvariantViolation, Diagnostic: `resume of terminated coroutine "once"`}, func() {
		co.Resume(root)
	})
}

func TestCoroutine_UnhandledPanicBecomesUnhandledCoroutineError(t *testing.T) {
	co := NewCoroutine("boom", 0, func(self *Coroutine) {
		panic("kaboom")
	})
	root := &Coroutine{name: "root"}
	root.state.Store(uint32(CoroutineActive))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		uce, ok := r.(*UnhandledCoroutineError)
		require.True(t, ok, "expected *UnhandledCoroutineError, got %T", r)
		assert.Equal(t, co, uce.Origin)
		assert.Equal(t, 1, uce.Multiplicity)
		assert.Contains(t, uce.Cause.Error(), "kaboom")
	}()
	co.Resume(root)
}

func TestCoroutine_CancelUnwindsViaForcedUnwind(t *testing.T) {
	cleaned := false
	co := NewCoroutine("cancelme", 0, func(self *Coroutine) {
		defer CleanupPush(self, func(err error) {
			cleaned = true
			assert.IsType(t, &CancellationError{}, err)
		})()
		for {
			self.Poll()
			self.Suspend()
		}
	})
	root := &Coroutine{name: "root"}
	root.state.Store(uint32(CoroutineActive))

	co.Resume(root)
	require.Equal(t, CoroutineInactive, co.State())

	co.Cancel()
	co.Resume(root)

	assert.True(t, cleaned)
	assert.Equal(t, CoroutineHalt, co.State())
}

func TestResumptionHandlerMatchAndDefault(t *testing.T) {
	co := NewCoroutine("resumer", 0, func(self *Coroutine) {})
	type pingResumption struct{ BaseResumption }

	var handled bool
	pop := co.PushHandler(
		func(r Resumption) bool { _, ok := r.(pingResumption); return ok },
		func(r Resumption) { handled = true },
	)
	co.RaiseResumption(pingResumption{})
	pop()
	assert.True(t, handled)

	assert.Panics(t, func() {
		co.RaiseResumption(pingResumption{})
	}, "no handler installed, DefaultResume should panic")
}

func TestTaskSemaphorePingPong(t *testing.T) {
	c := NewCluster("ping")
	done := make(chan struct{})

	var mu sync.Mutex
	var order []string
	ballToB := NewSemaphore(0)
	ballToA := NewSemaphore(1) // A goes first

	c.Spawn("A", func(self *Task) {
		for i := 0; i < 3; i++ {
			ballToA.P(self)
			mu.Lock()
			order = append(order, "A")
			mu.Unlock()
			ballToB.V()
		}
	})
	c.Spawn("B", func(self *Task) {
		for i := 0; i < 3; i++ {
			ballToB.P(self)
			mu.Lock()
			order = append(order, "B")
			mu.Unlock()
			ballToA.V()
		}
		close(done)
	})

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping-pong to finish")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"A", "B", "A", "B", "A", "B"}, order)
}

func TestSpinBudgetExhausts(t *testing.T) {
	b := newSpinBudget(3)
	assert.True(t, b.take())
	assert.True(t, b.take())
	assert.True(t, b.take())
	assert.False(t, b.take())
}

func TestReadyQueueFIFO(t *testing.T) {
	q := newReadyQueue(nil)
	t1 := &Task{}
	t2 := &Task{}
	t3 := &Task{}
	q.add(t1)
	q.add(t2)
	q.add(t3)
	require.Equal(t, 3, q.len())

	assert.Same(t, t1, q.dropHead())
	assert.Same(t, t2, q.dropHead())
	assert.Same(t, t3, q.dropHead())
	assert.Nil(t, q.dropHead())
}

func TestReadyQueueRemoveSpecific(t *testing.T) {
	q := newReadyQueue(nil)
	t1, t2, t3 := &Task{}, &Task{}, &Task{}
	q.add(t1)
	q.add(t2)
	q.add(t3)

	require.True(t, q.removeSpecific(t2))
	assert.False(t, q.removeSpecific(t2))

	assert.Same(t, t1, q.dropHead())
	assert.Same(t, t3, q.dropHead())
}
