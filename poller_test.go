package mnrt

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollerSelectReadable(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	c := NewCluster("io")
	defer c.Close()

	var events []FDEvent
	done := make(chan struct{})

	c.Spawn("reader", func(self *Task) {
		var err error
		events, err = self.Select([]FDInterest{{FD: r, Read: true}}, SelectConfig{})
		require.NoError(t, err)
		close(done)
	})

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	time.Sleep(20 * time.Millisecond)
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Select to observe readability")
	}

	require.Len(t, events, 1)
	assert.Equal(t, r, events[0].FD)
	assert.True(t, events[0].Readable)
}

// TestPollerSelectorRaceManyWaitersOneWinner binds ten tasks to the read
// side of one pipe with no timeout. A single byte arrives; exactly one
// selector must observe it and the other nine must stay blocked rather
// than all waking (the bug this guards against: a second registration on
// an already-registered fd used to silently evict the first waiter's
// group, so neither task would ever be woken).
func TestPollerSelectorRaceManyWaitersOneWinner(t *testing.T) {
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	r, w := fds[0], fds[1]
	defer unix.Close(r)
	defer unix.Close(w)

	c := NewCluster("race")
	defer c.Close()

	const waiterCount = 10
	var winners atomic.Int32
	var bytesRead atomic.Int32
	won := make(chan struct{}, waiterCount)

	for i := 0; i < waiterCount; i++ {
		c.Spawn(fmt.Sprintf("selector-%d", i), func(self *Task) {
			events, err := self.Select([]FDInterest{{FD: r, Read: true}}, SelectConfig{})
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.True(t, events[0].Readable)

			var buf [1]byte
			n, _ := unix.Read(r, buf[:])
			bytesRead.Add(int32(n))
			winners.Add(1)
			won <- struct{}{}
		})
	}

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	time.Sleep(30 * time.Millisecond) // let every selector register
	_, err := unix.Write(w, []byte("x"))
	require.NoError(t, err)

	select {
	case <-won:
	case <-time.After(2 * time.Second):
		t.Fatal("no selector observed readability")
	}

	// Give any wrongly-woken selectors a chance to show up before asserting
	// none did.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, winners.Load(), "exactly one selector should win the race")
	assert.EqualValues(t, 1, bytesRead.Load())
}

// TestPollerSelectBadDescriptorFailsWaiter exercises the EBADF path of
// the error-handling contract: a Select on an invalid fd must return an
// error rather than hang or panic.
func TestPollerSelectBadDescriptorFailsWaiter(t *testing.T) {
	c := NewCluster("badfd")
	defer c.Close()

	done := make(chan struct{})
	var selErr error

	c.Spawn("selector", func(self *Task) {
		_, selErr = self.Select([]FDInterest{{FD: -1, Read: true}}, SelectConfig{})
		close(done)
	})

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the bad descriptor to be reported")
	}

	require.Error(t, selErr)
	var ioErr *IOError
	require.ErrorAs(t, selErr, &ioErr)
	assert.Equal(t, unix.EBADF, ioErr.Cause)
}

func TestTaskSleepWakesAfterDuration(t *testing.T) {
	c := NewCluster("sleep")
	defer c.Close()
	done := make(chan struct{})
	start := make(chan struct{})

	c.Spawn("sleeper", func(self *Task) {
		close(start)
		self.Sleep(30 * time.Millisecond)
		close(done)
	})

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	<-start
	select {
	case <-done:
		t.Fatal("sleeper woke up too early")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeper never woke up")
	}
}
