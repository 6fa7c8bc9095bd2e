package mnrt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBoundTaskWakeLandsOnlyOnExternalQueue guards against a task bound to
// a processor being linked into both the cluster's shared ready queue and
// its processor's external queue at once — the two share Task.readyNext,
// so double-linking one would corrupt whichever queue loses the race. A
// woken bound task must land on its processor's external queue only.
func TestBoundTaskWakeLandsOnlyOnExternalQueue(t *testing.T) {
	c := NewCluster("bind")
	defer c.Close()

	task := c.Spawn("worker", func(self *Task) {})
	require.Equal(t, 1, c.readyLen())

	// Simulate the task having been dispatched and then blocked, without
	// actually running its coroutine, so the bind and wake below are
	// deterministic rather than racing a live processor loop.
	require.Same(t, task, c.dropReadyTask())
	require.Equal(t, 0, c.readyLen())
	task.state.Store(uint32(TaskBlocked))

	bound := &Processor{name: "bound-test-proc", external: newExternalQueue()}
	bound.cluster.Store(c)

	bound.BindTask(task)
	require.Same(t, bound, task.BoundProcessor())

	task.wake()

	assert.Equal(t, TaskReady, task.TaskState())
	assert.Equal(t, 0, c.readyLen(), "bound task must not land on the shared ready queue")
	assert.False(t, bound.external.empty(), "bound task must land on its processor's external queue")

	got := bound.external.dropHead()
	require.NotNil(t, got)
	assert.Same(t, task, got)
	assert.True(t, bound.external.empty())

	task.state.Store(uint32(TaskTerminate))
	c.taskRemove(task)
}

// TestBindTaskMovesAlreadyReadyTask covers the other half of BindTask: a
// task already sitting Ready on the shared queue when it is bound must be
// moved onto the external queue immediately, not left to double-link on
// its next wake.
func TestBindTaskMovesAlreadyReadyTask(t *testing.T) {
	c := NewCluster("bind-ready")
	defer c.Close()

	task := c.Spawn("worker", func(self *Task) {})
	require.Equal(t, 1, c.readyLen())

	bound := &Processor{name: "bound-test-proc", external: newExternalQueue()}
	bound.cluster.Store(c)

	bound.BindTask(task)

	assert.Equal(t, 0, c.readyLen(), "already-ready task must be moved off the shared ready queue")
	assert.False(t, bound.external.empty())

	got := bound.external.dropHead()
	require.NotNil(t, got)
	assert.Same(t, task, got)

	task.state.Store(uint32(TaskTerminate))
	c.taskRemove(task)
}
