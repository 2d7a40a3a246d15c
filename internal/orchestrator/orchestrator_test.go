package orchestrator

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/milkywaybrain/tradelog/internal/daylog"
	"github.com/milkywaybrain/tradelog/internal/exchange"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/milkywaybrain/tradelog/internal/scheduler"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
	day3 = day1.AddDate(0, 0, 2)
	now  = time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC)

	// base puts ids 12..155 on day1, 156..299 on day2 and 300.. on day3.
	base = time.Date(2023, 12, 31, 22, 0, 0, 0, time.UTC)
)

func exec(id int64) execution.Execution {
	orientation := execution.Buy
	if id%2 == 0 {
		orientation = execution.Sell
	}
	return execution.New(id, orientation, decimal.NewFromInt(30000+id%7), decimal.New(id%4+1, -2), base.Add(time.Duration(id)*10*time.Minute))
}

func execs(from int64, to int64) []execution.Execution {
	var out []execution.Execution
	for id := from; id <= to; id++ {
		out = append(out, exec(id))
	}
	return out
}

func ids(from int64, to int64) []int64 {
	var out []int64
	for id := from; id <= to; id++ {
		out = append(out, id)
	}
	return out
}

func idsOf(executions []execution.Execution) []int64 {
	out := make([]int64, 0, len(executions))
	for _, e := range executions {
		out = append(out, e.ID)
	}
	return out
}

// historyAdapter serves a fixed history and a silent live feed.
type historyAdapter struct {
	history  []execution.Execution
	pageSize int
}

func (h *historyAdapter) Executions(ctx context.Context, startID int64, endID int64) ([]execution.Execution, error) {
	var page []execution.Execution
	for _, e := range h.history {
		if startID < e.ID && e.ID <= endID && len(page) < h.pageSize {
			page = append(page, e)
		}
	}
	return page, nil
}

func (h *historyAdapter) ExecutionsBefore(ctx context.Context, id int64) ([]execution.Execution, error) {
	i := sort.Search(len(h.history), func(i int) bool { return h.history[i].ID >= id })
	from := i - h.pageSize
	if from < 0 {
		from = 0
	}
	return append([]execution.Execution(nil), h.history[from:i]...), nil
}

func (h *historyAdapter) ExecutionLatest(ctx context.Context) (execution.Execution, error) {
	return h.history[len(h.history)-1], nil
}

func (h *historyAdapter) ConnectLive(ctx context.Context, sink func(execution.Execution)) error {
	<-ctx.Done()
	return nil
}

func (h *historyAdapter) Equal(a execution.Execution, b execution.Execution) bool {
	return exchange.SameID(a, b)
}

func (h *historyAdapter) RetryPolicy(max int, label string) *exchange.RetryPolicy {
	return &exchange.RetryPolicy{Name: label, Limit: max, Delay: func(int) time.Duration { return time.Millisecond }}
}

type fixture struct {
	dir     string
	sched   *scheduler.Scheduler
	adapter *historyAdapter
}

func newFixture(t *testing.T, history []execution.Execution) *fixture {
	t.Helper()
	dir := t.TempDir()
	sched := scheduler.New("test")
	t.Cleanup(func() { _ = sched.Close() })
	return &fixture{dir: dir, sched: sched, adapter: &historyAdapter{history: history, pageSize: 50}}
}

func (f *fixture) open(t *testing.T) *Log {
	t.Helper()
	l, err := New(Options{
		Adapter: f.adapter,
		Store: daylog.Options{
			Dir:       f.dir,
			Exchange:  "binance",
			Market:    "BTCUSDT",
			Scheduler: f.sched,
			PageSize:  50,
			Now:       func() time.Time { return now },
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func take(t *testing.T, it execution.Iterator, n int) []execution.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out []execution.Execution
	for len(out) < n {
		e, err := it.Next(ctx)
		require.NoError(t, err)
		out = append(out, e)
	}
	require.NoError(t, it.Close())
	return out
}

func collect(t *testing.T, it execution.Iterator) []int64 {
	t.Helper()
	executions, err := execution.Collect(context.Background(), it)
	require.NoError(t, err)
	return idsOf(executions)
}

func TestAppendIgnoresOlderExecutions(t *testing.T) {
	f := newFixture(t, execs(1, 10))
	l := f.open(t)

	l.Append(exec(20))
	l.Append(exec(15))
	l.Append(exec(20))
	l.Append(exec(21))
	assert.Equal(t, 2, l.Store().Day(day1).Pending())
}

func TestAppendRollsOverDays(t *testing.T) {
	f := newFixture(t, execs(1, 400))
	l := f.open(t)

	for _, e := range execs(12, 155) {
		l.Append(e)
	}
	first := l.Store().Day(day1)
	assert.True(t, first.AutoFlush())

	l.Append(exec(156))
	assert.False(t, first.AutoFlush())
	assert.True(t, l.Store().Day(day2).AutoFlush())

	// The first day is written and compacted before the second one is ever written.
	require.NoError(t, f.sched.Wait(context.Background()))
	assert.True(t, first.HasCompact())
	assert.False(t, first.HasRaw())
	assert.False(t, l.Store().Day(day2).Exists())
	assert.Equal(t, int64(155), l.Cursor())

	require.NoError(t, l.Close())
	assert.True(t, l.Store().Day(day2).HasRaw())
	assert.Equal(t, int64(156), l.Cursor())
}

func TestRangeAndAt(t *testing.T) {
	f := newFixture(t, execs(1, 300))
	writer := f.open(t)
	for _, e := range execs(12, 300) {
		writer.Append(e)
	}
	require.NoError(t, writer.Close())
	assert.Equal(t, int64(300), writer.Cursor())

	l := f.open(t)
	assert.Equal(t, ids(156, 299), collect(t, l.At(day2.Add(5*time.Hour))))
	assert.Equal(t, ids(12, 299), collect(t, l.Range(day1, day3)))
	assert.Empty(t, collect(t, l.Range(day3, day3)))

	all, err := l.RangeAll()
	require.NoError(t, err)
	assert.Equal(t, ids(12, 300), collect(t, all))

	fast := collect(t, l.At(day1, daylog.Fast))
	assert.Equal(t, ids(12, 155), fast)
}

func TestFromContinuesWithExchangeFeed(t *testing.T) {
	f := newFixture(t, execs(1, 200))
	writer := f.open(t)
	for _, e := range execs(12, 100) {
		writer.Append(e)
	}
	require.NoError(t, writer.Close())

	l := f.open(t)
	it, err := l.From(day1.AddDate(0, 0, -10))
	require.NoError(t, err)
	got := take(t, it, 189)
	assert.Equal(t, ids(12, 200), idsOf(got))

	// Everything seen on the feed is written back.
	require.NoError(t, l.Close())
	assert.Equal(t, int64(200), l.Cursor())

	reader := f.open(t)
	all, err := reader.RangeAll()
	require.NoError(t, err)
	assert.Equal(t, ids(12, 200), collect(t, all))
}

func TestFromIDStartsAfterID(t *testing.T) {
	f := newFixture(t, execs(1, 60))
	l := f.open(t)

	got := take(t, l.FromID(10), 50)
	assert.Equal(t, ids(11, 60), idsOf(got))

	require.NoError(t, l.Close())
	assert.Equal(t, int64(60), l.Cursor())
}

func TestFromWithoutLocalLogsSearchesInitialExecution(t *testing.T) {
	f := newFixture(t, execs(5, 80))
	l := f.open(t)

	it, err := l.FromToday()
	require.NoError(t, err)
	got := take(t, it, 76)
	assert.Equal(t, ids(5, 80), idsOf(got))
}
