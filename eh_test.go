package mnrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestUnhandledExceptionForwardingChain exercises the "A resumes B, B
// resumes C, C panics" scenario: the exception must surface at A (C's
// most recent resumer at the time of the panic is B, and B's resumer is
// A — the exception forwards along that chain), tagged with C as Origin
// and a Multiplicity that counts each coroutine boundary crossed.
func TestUnhandledExceptionForwardingChain(t *testing.T) {
	var cCoroutine *Coroutine

	c := NewCoroutine("C", 0, func(self *Coroutine) {
		cCoroutine = self
		panic("C failed")
	})
	b := NewCoroutine("B", 0, func(self *Coroutine) {
		c.Resume(self)
	})
	root := &Coroutine{name: "root"}
	root.state.Store(uint32(CoroutineActive))

	defer func() {
		r := recover()
		require.NotNil(t, r, "exception must surface at root")
		uce, ok := r.(*UnhandledCoroutineError)
		require.True(t, ok)
		assert.Same(t, cCoroutine, uce.Origin, "Origin must stay C through forwarding")
		assert.Equal(t, 2, uce.Multiplicity, "crossed C->B and B->root")
	}()

	b.Resume(root)
}

func TestCleanupPushLIFOOrdering(t *testing.T) {
	var order []string
	co := NewCoroutine("cleanup", 0, func(self *Coroutine) {
		defer CleanupPush(self, func(err error) { order = append(order, "outer") })()
		defer CleanupPush(self, func(err error) { order = append(order, "inner") })()
		self.Suspend()
	})
	root := &Coroutine{name: "root"}
	root.state.Store(uint32(CoroutineActive))

	co.Resume(root)
	co.Cancel()
	co.Resume(root)

	assert.Equal(t, []string{"inner", "outer"}, order)
}

func TestPushHandlerPruningPreventsRecursiveMatch(t *testing.T) {
	co := NewCoroutine("pruned", 0, func(self *Coroutine) {})
	type sig struct{ BaseResumption }

	calls := 0
	pop := co.PushHandler(
		func(r Resumption) bool { _, ok := r.(sig); return ok },
		func(r Resumption) {
			calls++
			// raising again from inside the handler must not re-match this
			// same handler (visual top was pruned to its predecessor).
			assert.Panics(t, func() { co.RaiseResumption(sig{}) })
		},
	)
	defer pop()

	co.RaiseResumption(sig{})
	assert.Equal(t, 1, calls)
}
