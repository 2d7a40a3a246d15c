package reconciler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/milkywaybrain/tradelog/internal/exchange"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func exec(id int64) execution.Execution {
	return execution.New(id, execution.Buy, decimal.NewFromInt(100+id%7), decimal.RequireFromString("0.01"), epoch.Add(time.Duration(id)*time.Second))
}

func ids(from int64, to int64) []int64 {
	var out []int64
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}

type window struct{ start, end int64 }

// fakeAdapter serves a fixed history page by page and pushes a fixed live sequence on connect.
type fakeAdapter struct {
	mu        sync.Mutex
	history   []execution.Execution
	live      []execution.Execution
	pageSize  int
	inclusive bool
	fail      func(start int64) error
	windows   []window
	connects  int

	// liveDelay postpones the first live execution of every connection.
	liveDelay time.Duration
	// drop ends the first connection with an error once closed.
	drop chan struct{}
	// reconnect is pushed by the connections after the first one, instead of live.
	reconnect []execution.Execution
}

func newFake(pageSize int, history []int64, live []int64) *fakeAdapter {
	f := &fakeAdapter{pageSize: pageSize}
	for _, id := range history {
		f.history = append(f.history, exec(id))
	}
	for _, id := range live {
		f.live = append(f.live, exec(id))
	}
	return f
}

func (f *fakeAdapter) Executions(ctx context.Context, startID int64, endID int64) ([]execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, window{startID, endID})
	if f.fail != nil {
		if err := f.fail(startID); err != nil {
			return nil, err
		}
	}
	var page []execution.Execution
	for _, e := range f.history {
		lower := e.ID > startID
		if f.inclusive {
			lower = e.ID >= startID
		}
		if lower && e.ID <= endID {
			page = append(page, e)
			if len(page) == f.pageSize {
				break
			}
		}
	}
	return page, nil
}

func (f *fakeAdapter) ExecutionsBefore(ctx context.Context, id int64) ([]execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := sort.Search(len(f.history), func(i int) bool { return f.history[i].ID >= id })
	from := i - f.pageSize
	if from < 0 {
		from = 0
	}
	return append([]execution.Execution(nil), f.history[from:i]...), nil
}

func (f *fakeAdapter) ExecutionLatest(ctx context.Context) (execution.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.history) == 0 {
		return execution.Execution{}, nil
	}
	return f.history[len(f.history)-1], nil
}

func (f *fakeAdapter) ConnectLive(ctx context.Context, sink func(execution.Execution)) error {
	f.mu.Lock()
	f.connects++
	first := f.connects == 1
	live := append([]execution.Execution(nil), f.live...)
	if !first && f.reconnect != nil {
		live = append([]execution.Execution(nil), f.reconnect...)
	}
	f.mu.Unlock()

	if f.liveDelay > 0 {
		select {
		case <-time.After(f.liveDelay):
		case <-ctx.Done():
			return nil
		}
	}
	for _, e := range live {
		sink(e)
	}
	if first && f.drop != nil {
		select {
		case <-f.drop:
			return errors.New("connection reset by peer")
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

// extend appends ids to the history.
func (f *fakeAdapter) extend(from int64, to int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := from; id <= to; id++ {
		f.history = append(f.history, exec(id))
	}
}

func (f *fakeAdapter) Equal(a execution.Execution, b execution.Execution) bool {
	return exchange.SameID(a, b)
}

func (f *fakeAdapter) RetryPolicy(max int, label string) *exchange.RetryPolicy {
	return &exchange.RetryPolicy{Name: label, Limit: max, Delay: func(int) time.Duration { return time.Millisecond }}
}

func (f *fakeAdapter) connected() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeAdapter) requested() []window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]window(nil), f.windows...)
}
