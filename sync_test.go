package mnrt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOwnerLockMutualExclusion(t *testing.T) {
	c := NewCluster("lock")
	lock := &OwnerLock{}
	counter := 0
	const iterations = 50
	done := make(chan struct{}, 2)

	worker := func(self *Task) {
		for i := 0; i < iterations; i++ {
			lock.Lock(self)
			counter++
			lock.Unlock(self)
			self.Yield()
		}
		done <- struct{}{}
	}
	c.Spawn("w1", worker)
	c.Spawn("w2", worker)

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, 2*iterations, counter)
}

func TestOwnerLockRecursive(t *testing.T) {
	c := NewCluster("reclock")
	lock := &OwnerLock{}
	done := make(chan struct{})

	c.Spawn("w", func(self *Task) {
		lock.Lock(self)
		lock.Lock(self)
		lock.Unlock(self)
		lock.Unlock(self)
		close(done)
	})

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out: recursive lock deadlocked")
	}
}

func TestCondVarSignal(t *testing.T) {
	c := NewCluster("cond")
	lock := &OwnerLock{}
	cond := &CondVar{}
	ready := false
	done := make(chan struct{})

	c.Spawn("waiter", func(self *Task) {
		lock.Lock(self)
		for !ready {
			cond.Wait(self, lock)
		}
		lock.Unlock(self)
		close(done)
	})
	c.Spawn("signaler", func(self *Task) {
		self.Yield()
		lock.Lock(self)
		ready = true
		cond.Signal()
		lock.Unlock(self)
	})

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for condvar signal")
	}
}

func TestSemaphoreBasic(t *testing.T) {
	c := NewCluster("sem")
	sem := NewSemaphore(1)
	entered := 0
	done := make(chan struct{}, 2)

	worker := func(self *Task) {
		sem.P(self)
		entered++
		sem.V()
		done <- struct{}{}
	}
	c.Spawn("s1", worker)
	c.Spawn("s2", worker)

	p := NewProcessor(c, WithPreemptionPeriod(0))
	defer p.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
	assert.Equal(t, 2, entered)
}
