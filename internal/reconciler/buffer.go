package reconciler

import (
	"context"
	"sync"

	"github.com/milkywaybrain/tradelog/internal/execution"
)

// realtimeBuffer queues live executions until the historical side catches up with them.
// After the switch every live execution is emitted directly.
type realtimeBuffer struct {
	mu     sync.Mutex
	queue  []execution.Execution
	direct bool
	emit   func(ctx context.Context, e execution.Execution) error
}

func newRealtimeBuffer(emit func(ctx context.Context, e execution.Execution) error) *realtimeBuffer {
	return &realtimeBuffer{emit: emit}
}

// add is the live sink.
func (b *realtimeBuffer) add(ctx context.Context, e execution.Execution) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.direct {
		return b.emit(ctx, e)
	}
	b.queue = append(b.queue, e)
	return nil
}

func (b *realtimeBuffer) head() (execution.Execution, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return execution.Execution{}, false
	}
	return b.queue[0], true
}

func (b *realtimeBuffer) empty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) == 0
}

// switchToRealtime emits the whole queue in arrival order and lets every later live
// execution pass straight through. Returns the number of buffered executions flushed.
func (b *realtimeBuffer) switchToRealtime(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.queue
	b.queue = nil
	for _, e := range queue {
		if err := b.emit(ctx, e); err != nil {
			return 0, err
		}
	}
	b.direct = true
	return len(queue), nil
}
