// Package orchestrator binds the day logs of a market to its reconciled exchange feed.
//
// A Log replays the stored days and continues with the live executions of the exchange,
// writing every new execution back into the day it belongs to.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/milkywaybrain/tradelog/internal/daylog"
	"github.com/milkywaybrain/tradelog/internal/exchange"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/milkywaybrain/tradelog/internal/reconciler"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Options configure a Log.
type Options struct {
	Adapter exchange.Adapter
	Store   daylog.Options

	// Encoding is used by the reads which don't name one.
	Encoding daylog.Encoding

	RetryLimit int
}

// Log is the complete execution history of one market.
type Log struct {
	adapter  exchange.Adapter
	store    *daylog.Store
	name     string
	pageSize int
	retry    int
	encoding daylog.Encoding
	now      func() time.Time

	// ctx bounds the live continuations.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	current  *daylog.Day
	latestID int64

	// cursor is the last execution id written to disk.
	cursor atomic.Int64

	onPersist func(batch []execution.Execution)
}

// New creates the log and its day store.
func New(opts Options) (*Log, error) {
	if opts.Adapter == nil {
		return nil, errors.New("orchestrator requires an exchange adapter")
	}
	storeOpts := opts.Store
	if storeOpts.Adapter == nil {
		storeOpts.Adapter = opts.Adapter
	}
	if storeOpts.Now == nil {
		storeOpts.Now = time.Now
	}
	l := &Log{
		adapter:   opts.Adapter,
		name:      storeOpts.Exchange + "/" + storeOpts.Market,
		pageSize:  storeOpts.PageSize,
		retry:     opts.RetryLimit,
		encoding:  opts.Encoding,
		now:       storeOpts.Now,
		latestID:  -1,
		onPersist: storeOpts.OnPersist,
	}
	l.cursor.Store(-1)
	storeOpts.OnPersist = l.persisted

	store, err := daylog.NewStore(storeOpts)
	if err != nil {
		return nil, err
	}
	l.store = store
	l.ctx, l.cancel = context.WithCancel(context.Background())
	return l, nil
}

// Store returns the day logs of the market.
func (l *Log) Store() *daylog.Store {
	return l.store
}

// Cursor returns the id of the last execution durably written, -1 before the first write.
func (l *Log) Cursor() int64 {
	return l.cursor.Load()
}

func (l *Log) persisted(batch []execution.Execution) {
	if len(batch) == 0 {
		return
	}
	last := batch[len(batch)-1].ID
	for {
		cur := l.cursor.Load()
		if last <= cur || l.cursor.CompareAndSwap(cur, last) {
			break
		}
	}
	if l.onPersist != nil {
		l.onPersist(batch)
	}
}

// Append queues the execution into the log of its day. Executions not newer than the
// last appended one are ignored. An execution of another day closes the current day.
func (l *Log) Append(e execution.Execution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e.ID <= l.latestID {
		return
	}
	l.latestID = e.ID

	if l.current == nil || !l.current.Contains(e) {
		if l.current != nil {
			l.current.DisableAutoFlush()
			l.current.CompactAsync()
			log.Info().Str("exchange", l.name).Str("day", l.current.String()).Msg("day closed")
		}
		l.current = l.store.Day(e.Date)
		l.current.EnableAutoFlush()
	}
	l.current.AppendRaw(e)
}

// At reads the executions of the UTC day of date.
func (l *Log) At(date time.Time, enc ...daylog.Encoding) execution.Iterator {
	return execution.Increasing(execution.Concat(l.day(date, l.encodingOf(enc))))
}

// Range reads the days from start up to end, exclusive.
func (l *Log) Range(start time.Time, end time.Time, enc ...daylog.Encoding) execution.Iterator {
	return execution.Increasing(execution.Concat(l.days(daylog.Truncate(start), daylog.Truncate(end), l.encodingOf(enc))...))
}

// RangeAll reads every day having a local log.
func (l *Log) RangeAll(enc ...daylog.Encoding) (execution.Iterator, error) {
	dates, err := l.store.Dates()
	if err != nil {
		return nil, err
	}
	if len(dates) == 0 {
		return execution.Empty(), nil
	}
	return l.Range(dates[0], dates[len(dates)-1].AddDate(0, 0, 1), enc...), nil
}

// From reads the stored days from date, then continues with the exchange feed forever.
// Every execution of the feed is appended to the log.
func (l *Log) From(date time.Time, enc ...daylog.Encoding) (execution.Iterator, error) {
	first, ok, err := l.store.FirstDate()
	if err != nil {
		return nil, err
	}
	var (
		sources []execution.Source
		seen    int64 = -1
	)
	if ok {
		last, _, err := l.store.LastDate()
		if err != nil {
			return nil, err
		}
		start := daylog.Truncate(date)
		if start.Before(first) {
			start = first
		}
		if start.After(last) {
			start = last
		}
		for _, day := range l.days(start, last.AddDate(0, 0, 1), l.encodingOf(enc)) {
			sources = append(sources, tracked(day, &seen))
		}
	}
	sources = append(sources, func(ctx context.Context) (execution.Iterator, error) {
		return l.network(seen)(ctx)
	})
	return execution.Increasing(execution.Concat(sources...)), nil
}

// tracked records the id of every execution read from the source.
func tracked(source execution.Source, seen *int64) execution.Source {
	return func(ctx context.Context) (execution.Iterator, error) {
		it, err := source(ctx)
		if err != nil {
			return nil, err
		}
		return execution.Effect(it, func(e execution.Execution) {
			if e.ID > *seen {
				*seen = e.ID
			}
		}), nil
	}
}

// FromID reads the exchange feed after id. Every execution is appended to the log.
func (l *Log) FromID(id int64) execution.Iterator {
	return execution.Increasing(execution.Concat(l.network(id)))
}

// FromToday reads the current day, then the exchange feed.
func (l *Log) FromToday(enc ...daylog.Encoding) (execution.Iterator, error) {
	return l.FromLast(0, enc...)
}

// FromLast reads the given number of past days and the current one, then the exchange feed.
func (l *Log) FromLast(days int, enc ...daylog.Encoding) (execution.Iterator, error) {
	return l.From(l.now().AddDate(0, 0, -days), enc...)
}

// Close writes the queue of the current day and stops the live continuations.
func (l *Log) Close() error {
	l.cancel()
	l.mu.Lock()
	current := l.current
	l.mu.Unlock()
	if current != nil {
		<-current.DisableAutoFlush().Done()
	}
	return l.store.Close()
}

func (l *Log) encodingOf(enc []daylog.Encoding) daylog.Encoding {
	if len(enc) > 0 {
		return enc[0]
	}
	return l.encoding
}

func (l *Log) day(date time.Time, enc daylog.Encoding) execution.Source {
	d := l.store.Day(date)
	return func(ctx context.Context) (execution.Iterator, error) {
		return d.Read(ctx, enc)
	}
}

func (l *Log) days(start time.Time, end time.Time, enc daylog.Encoding) []execution.Source {
	var sources []execution.Source
	for date := start; date.Before(end); date = date.AddDate(0, 0, 1) {
		sources = append(sources, l.day(date, enc))
	}
	return sources
}

// network opens the reconciled exchange feed after start. A negative start continues
// after the last stored execution, or from the first execution of the market when nothing is stored.
func (l *Log) network(start int64) execution.Source {
	return func(ctx context.Context) (execution.Iterator, error) {
		if start < 0 {
			id, err := l.lastStoredID(ctx)
			if err != nil {
				return nil, err
			}
			start = id
		}
		from := start
		var delivered atomic.Int64
		delivered.Store(from)
		log.Info().Str("exchange", l.name).Int64("start_id", from).Msg("continuing with exchange feed")

		// A retried run restarts from the durable cursor, never after what this feed delivered.
		stream := reconciler.Reconcile(l.ctx, l.adapter, reconciler.Options{
			Name:       l.name,
			Start:      from,
			PageSize:   l.pageSize,
			RetryLimit: l.retry,
			Resume: func() int64 {
				c := l.Cursor()
				if d := delivered.Load(); c > d {
					c = d
				}
				if c < from {
					c = from
				}
				return c
			},
		})
		return execution.Effect(stream, func(e execution.Execution) {
			delivered.Store(e.ID)
			l.Append(e)
		}), nil
	}
}

func (l *Log) lastStoredID(ctx context.Context) (int64, error) {
	if c := l.Cursor(); c >= 0 {
		return c, nil
	}
	last, ok, err := l.store.LastDate()
	if err != nil || !ok {
		return -1, err
	}
	return l.store.Day(last).EstimateLastID(ctx)
}
