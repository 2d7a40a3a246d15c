package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksRunInDueOrder(t *testing.T) {
	s := New("test")
	defer s.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	record := func(i int) func() {
		return func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}
	}

	last := s.Schedule(30*time.Millisecond, record(3))
	s.Schedule(10*time.Millisecond, record(2))
	s.Submit(record(1))

	select {
	case <-last.Done():
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestWaitRunsEverythingDue(t *testing.T) {
	s := New("test")
	defer s.Close()

	var count int32
	for i := 0; i < 10; i++ {
		s.Submit(func() { atomic.AddInt32(&count, 1) })
	}
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int32(10), atomic.LoadInt32(&count))
}

func TestEveryRepeatsUntilCanceled(t *testing.T) {
	s := New("test")
	defer s.Close()

	var count int32
	task := s.Every(0, 5*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&count) >= 3 }, time.Second, time.Millisecond)

	s.Cancel(task)
	select {
	case <-task.Done():
	case <-time.After(time.Second):
		t.Fatal("canceled task is not done")
	}
	stopped := atomic.LoadInt32(&count)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, atomic.LoadInt32(&count))
}

func TestCancelPendingTask(t *testing.T) {
	s := New("test")
	defer s.Close()

	ran := false
	task := s.Schedule(time.Hour, func() { ran = true })
	assert.True(t, s.Cancel(task))
	<-task.Done()
	assert.False(t, ran)
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	s := New("test")
	defer s.Close()

	s.Submit(func() { panic("boom") })
	var ran int32
	s.Submit(func() { atomic.StoreInt32(&ran, 1) })
	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestCloseDropsPendingTasks(t *testing.T) {
	s := New("test")
	task := s.Schedule(time.Hour, func() {})
	require.NoError(t, s.Close())
	<-task.Done()

	late := s.Submit(func() { t.Error("must not run after close") })
	<-late.Done()
}
