// Package scheduler runs background tasks on a single worker goroutine.
//
// All tasks of one Scheduler are executed one after another in the order of their due time,
// so tasks touching the same resource never run concurrently.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Scheduler is a single threaded delayed / periodic task executor.
type Scheduler struct {
	name    string
	mu      sync.Mutex
	tasks   taskHeap
	seq     uint64
	stopped bool
	wake    chan struct{}
	exited  chan struct{}
}

// Task is a handle of a scheduled function.
type Task struct {
	fn       func()
	due      time.Time
	interval time.Duration
	seq      uint64
	index    int
	canceled bool
	once     sync.Once
	done     chan struct{}
}

// New creates a scheduler and starts its worker.
func New(name string) *Scheduler {
	s := &Scheduler{
		name:   name,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit runs fn as soon as possible.
func (s *Scheduler) Submit(fn func()) *Task {
	return s.schedule(0, 0, fn)
}

// Schedule runs fn once after the given delay.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Task {
	return s.schedule(delay, 0, fn)
}

// Every runs fn after the initial delay and then repeatedly with the given delay
// between the end of one run and the start of the next.
func (s *Scheduler) Every(initial time.Duration, interval time.Duration, fn func()) *Task {
	if interval <= 0 {
		interval = time.Second
	}
	return s.schedule(initial, interval, fn)
}

// Wait blocks until every task which was due before the call has been executed.
func (s *Scheduler) Wait(ctx context.Context) error {
	t := s.Submit(func() {})
	select {
	case <-t.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. Pending tasks are dropped and their Done channels closed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.exited
		return nil
	}
	s.stopped = true
	s.mu.Unlock()
	s.signal()
	<-s.exited
	return nil
}

func (s *Scheduler) schedule(delay time.Duration, interval time.Duration, fn func()) *Task {
	t := &Task{
		fn:       fn,
		due:      time.Now().Add(delay),
		interval: interval,
		index:    -1,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		t.finish()
		return t
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&s.tasks, t)
	s.mu.Unlock()
	s.signal()
	return t
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.exited)
	for {
		s.mu.Lock()
		if s.stopped {
			for len(s.tasks) > 0 {
				heap.Pop(&s.tasks).(*Task).finish()
			}
			s.mu.Unlock()
			return
		}
		if len(s.tasks) == 0 {
			s.mu.Unlock()
			<-s.wake
			continue
		}
		next := s.tasks[0]
		if wait := time.Until(next.due); wait > 0 {
			s.mu.Unlock()
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.wake:
			}
			timer.Stop()
			continue
		}
		heap.Pop(&s.tasks)
		s.mu.Unlock()

		s.execute(next)

		s.mu.Lock()
		if next.interval > 0 && !next.canceled && !s.stopped {
			s.seq++
			next.seq = s.seq
			next.due = time.Now().Add(next.interval)
			heap.Push(&s.tasks, next)
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()
		next.finish()
	}
}

func (s *Scheduler) execute(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.Errorf("scheduled task panicked: %v", r)
			log.Error().Stack().Err(errors.WithStack(err)).Str("scheduler", s.name).Msg("")
		}
	}()
	t.fn()
}

// Cancel prevents future runs of the task. A run in progress is not interrupted.
// It reports whether a pending run was removed.
func (s *Scheduler) Cancel(t *Task) bool {
	s.mu.Lock()
	t.canceled = true
	removed := false
	if t.index >= 0 && t.index < len(s.tasks) && s.tasks[t.index] == t {
		heap.Remove(&s.tasks, t.index)
		removed = true
	}
	s.mu.Unlock()
	if removed {
		t.finish()
	}
	return removed
}

// Done is closed once the task will never run again.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) finish() {
	t.once.Do(func() { close(t.done) })
}

type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
