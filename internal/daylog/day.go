package daylog

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/milkywaybrain/tradelog/internal/reconciler"
	"github.com/milkywaybrain/tradelog/internal/scheduler"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const dayMillis = 24 * 60 * 60 * 1000

// Day is the log of one UTC calendar day of a market.
type Day struct {
	Date        time.Time
	StartMillis int64
	EndMillis   int64

	store       *Store
	rawPath     string
	compactPath string
	fastPath    string
	lockPath    string

	mu              sync.Mutex
	queue           []execution.Execution
	flushTask       *scheduler.Task
	corrupt         bool
	repairScheduled bool
}

func newDay(s *Store, date time.Time) *Day {
	base := filepath.Join(s.dir, "execution"+date.Format(dateLayout))
	start := date.UnixNano() / int64(time.Millisecond)
	return &Day{
		Date:        date,
		StartMillis: start,
		EndMillis:   start + dayMillis,
		store:       s,
		rawPath:     base + ".log",
		compactPath: base + ".clog",
		fastPath:    base + ".flog",
		lockPath:    base + ".lock",
	}
}

func (d *Day) String() string {
	return d.store.opts.Exchange + " " + d.store.opts.Market + " " + d.Date.Format("2006-01-02")
}

// event tags a log event with the day.
func (d *Day) event(ev *zerolog.Event) *zerolog.Event {
	return ev.Str("exchange", d.store.opts.Exchange).Str("market", d.store.opts.Market).Str("day", d.Date.Format("2006-01-02"))
}

func exists(path string) bool {
	return fileSize(path) > 0
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Exists reports whether a raw or compact log of the day is on disk.
func (d *Day) Exists() bool {
	return d.HasCompact() || d.HasRaw()
}

// HasRaw reports whether a non empty raw log exists.
func (d *Day) HasRaw() bool {
	return exists(d.rawPath)
}

// HasCompact reports whether a non empty compact log exists.
func (d *Day) HasCompact() bool {
	return exists(d.compactPath)
}

// HasFast reports whether a non empty fast log exists.
func (d *Day) HasFast() bool {
	return exists(d.fastPath)
}

// IsToday reports whether the day is the current UTC day.
func (d *Day) IsToday() bool {
	return d.Date.Equal(d.store.Today())
}

// Contains reports whether the execution happened during the day.
func (d *Day) Contains(e execution.Execution) bool {
	return d.StartMillis <= e.Millis && e.Millis < d.EndMillis
}

// AppendRaw queues executions for the next write of the raw log.
func (d *Day) AppendRaw(executions ...execution.Execution) {
	d.mu.Lock()
	d.queue = append(d.queue, executions...)
	d.mu.Unlock()
}

// Pending returns the number of queued executions.
func (d *Day) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Flush writes the queued executions on the scheduler and waits for it.
func (d *Day) Flush(ctx context.Context) error {
	var err error
	t := d.store.opts.Scheduler.Submit(func() { err = d.write() })
	select {
	case <-t.Done():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnableAutoFlush writes the queue periodically.
func (d *Day) EnableAutoFlush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.flushTask != nil {
		return
	}
	d.flushTask = d.store.opts.Scheduler.Every(d.store.opts.FlushInitialDelay, d.store.opts.FlushInterval, d.autoWrite)
}

// DisableAutoFlush stops the periodic write and queues a final one, whose task is returned.
func (d *Day) DisableAutoFlush() *scheduler.Task {
	d.mu.Lock()
	t := d.flushTask
	d.flushTask = nil
	d.mu.Unlock()
	if t != nil {
		d.store.opts.Scheduler.Cancel(t)
	}
	return d.store.opts.Scheduler.Submit(d.autoWrite)
}

// AutoFlush reports whether the periodic write is enabled.
func (d *Day) AutoFlush() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushTask != nil
}

func (d *Day) autoWrite() {
	if err := d.write(); err != nil {
		logErrStack(err)
	}
}

// write appends the queued executions newer than the stored ones to the raw log.
// When another process holds the day, nothing is written and the queue only forgets
// what the other process already stored.
func (d *Day) write() error {
	if d.Pending() == 0 {
		return nil
	}
	lockErr := acquire(d.lockPath)
	if lockErr != nil && lockErr != errLocked {
		return lockErr
	}
	lastID, err := d.storedLastID()
	if err != nil {
		return err
	}

	d.mu.Lock()
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	if lockErr == errLocked {
		var remaining []execution.Execution
		for _, e := range queue {
			if lastID < e.ID {
				remaining = append(remaining, e)
			}
		}
		d.requeue(remaining)
		d.event(log.Debug()).Int("pruned", len(queue)-len(remaining)).Msg("log locked by another process")
		return nil
	}

	batch := make([]execution.Execution, 0, len(queue))
	for _, e := range queue {
		if lastID < e.ID {
			batch = append(batch, e)
			lastID = e.ID
		}
	}
	if len(batch) == 0 {
		return nil
	}
	cut, err := sealRaw(d.rawPath)
	if err != nil {
		d.requeue(batch)
		return errors.Wrapf(err, "write %s", d)
	}
	if cut > 0 {
		d.event(log.Warn()).Int64("bytes", cut).Msg("unterminated raw row cut")
	}
	if err := appendRaw(d.rawPath, batch); err != nil {
		d.requeue(batch)
		return errors.Wrapf(err, "write %s", d)
	}
	if d.store.opts.OnPersist != nil {
		d.store.opts.OnPersist(batch)
	}
	return nil
}

func (d *Day) requeue(executions []execution.Execution) {
	if len(executions) == 0 {
		return
	}
	d.mu.Lock()
	d.queue = append(executions, d.queue...)
	d.mu.Unlock()
}

// storedLastID is the id of the last execution on disk, -1 without any.
func (d *Day) storedLastID() (int64, error) {
	if d.HasCompact() {
		e, found, err := compactTail(context.Background(), d.compactPath, d.store.opts.Codec)
		if err != nil || !found {
			return -1, err
		}
		return e.ID, nil
	}
	e, found, err := rawTail(d.rawPath)
	if err != nil || !found {
		return -1, err
	}
	return e.ID, nil
}

func (d *Day) markCorrupt(err error) {
	d.mu.Lock()
	d.corrupt = true
	d.mu.Unlock()
	d.event(log.Warn()).Err(err).Msg("corrupt raw log")
}

// Corrupt reports whether a read found an invalid raw row.
func (d *Day) Corrupt() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.corrupt
}

// ErrDayOpen is returned when compacting the current day or a day being written.
var ErrDayOpen = errors.New("day log is still written")

// Compact converts the raw log into the compact log and deletes the raw log once the
// compact log is complete. It runs on the caller's goroutine.
func (d *Day) Compact(ctx context.Context) error {
	if d.IsToday() || d.AutoFlush() {
		return errors.Wrapf(ErrDayOpen, "compact %s", d)
	}
	if err := d.write(); err != nil {
		return err
	}
	if d.HasCompact() || !d.HasRaw() {
		return nil
	}
	if err := acquire(d.lockPath); err != nil {
		if err == errLocked {
			return nil
		}
		return err
	}

	raw, err := openRaw(d.rawPath, d.markCorrupt)
	if err != nil {
		return err
	}
	start := time.Now()
	count, err := writeCompact(ctx, d.compactPath, d.store.opts.Codec, execution.Increasing(raw))
	if err != nil {
		return errors.Wrapf(err, "compact %s", d)
	}
	if err := os.Remove(d.rawPath); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	d.event(log.Info()).Int("executions", count).Dur("took", time.Since(start)).Msg("log compacted")
	return nil
}

// CompactAsync schedules the compaction after the configured delay.
func (d *Day) CompactAsync() *scheduler.Task {
	return d.store.opts.Scheduler.Schedule(d.store.opts.CompactDelay, func() {
		err := d.Compact(d.store.ctx)
		if errors.Is(err, ErrDayOpen) {
			d.event(log.Debug()).Msg("compaction skipped, day still written")
			return
		}
		if err != nil {
			logErrStack(err)
		}
	})
}

// Read returns the executions of the day from the best available source:
// the compact log (or the fast log when requested), the raw log, the external repository.
// Without any of them the iterator is empty.
func (d *Day) Read(ctx context.Context, enc Encoding) (execution.Iterator, error) {
	switch {
	case d.HasCompact():
		if enc == Fast {
			return d.readFast()
		}
		return d.readCompact()

	case d.HasRaw():
		raw, err := openRaw(d.rawPath, d.markCorrupt)
		if err != nil {
			return nil, err
		}
		raw.end = d.repairLater
		return raw, nil

	case d.store.opts.Repository != nil:
		ok, err := d.store.opts.Repository.Exists(ctx, d.Date)
		if err != nil {
			return nil, err
		}
		if ok {
			return d.readRepository(ctx)
		}
	}
	return execution.Empty(), nil
}

func (d *Day) readCompact() (execution.Iterator, error) {
	it, err := openCompact(d.compactPath, d.store.opts.Codec)
	if err != nil {
		return nil, err
	}
	return &fallbackIterator{day: d, current: it, last: -1}, nil
}

func (d *Day) readFast() (execution.Iterator, error) {
	if d.HasFast() {
		it, err := openFast(d.fastPath)
		if err == nil {
			return it, nil
		}
		logErrStack(err)
	}
	src, err := d.readCompact()
	if err != nil {
		return nil, err
	}
	w, err := createFast(d.fastPath)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	return &fastTee{src: src, w: w, increment: d.store.opts.SizeIncrement}, nil
}

// readRepository serves the day from the external repository while writing it into the raw log.
// The raw log appears and its compaction is scheduled once the day is fully read.
func (d *Day) readRepository(ctx context.Context) (execution.Iterator, error) {
	src, err := d.store.opts.Repository.Fetch(ctx, d.Date)
	if err != nil {
		return nil, err
	}
	file, err := createAtomic(d.rawPath)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	w := csv.NewWriter(file.f)
	w.Comma = delimiter
	return &rawTee{day: d, src: execution.Increasing(src), file: file, w: w}, nil
}

// fetchRepository writes the whole day of the external repository into the raw log.
func (d *Day) fetchRepository(ctx context.Context) error {
	it, err := d.readRepository(ctx)
	if err != nil {
		return err
	}
	_, err = execution.Collect(ctx, it)
	return err
}

// repairLater schedules a repair of a closed day, once.
func (d *Day) repairLater() {
	if d.store.opts.Adapter == nil && d.store.opts.Repository == nil {
		return
	}
	if d.IsToday() || d.AutoFlush() {
		return
	}
	d.mu.Lock()
	if d.repairScheduled {
		d.mu.Unlock()
		return
	}
	d.repairScheduled = true
	d.mu.Unlock()

	d.store.opts.Scheduler.Submit(func() {
		defer func() {
			d.mu.Lock()
			d.repairScheduled = false
			d.mu.Unlock()
		}()
		if _, err := d.Repair(d.store.ctx); err != nil && d.store.ctx.Err() == nil {
			logErrStack(err)
		}
	})
}

// Repair tries to complete the day by any means and reports whether it is complete.
//
// The current day and a day being written are never complete. A compact log proves completeness.
// Otherwise the day is fetched from the external repository, or the exchange is paged from the
// last stored id till an execution of the next day proves that nothing is missing.
// A completed day is compacted later.
func (d *Day) Repair(ctx context.Context) (bool, error) {
	if d.IsToday() || d.AutoFlush() {
		return false, nil
	}
	if d.HasCompact() {
		if err := os.Remove(d.rawPath); err != nil && !os.IsNotExist(err) {
			return false, errors.WithStack(err)
		}
		return true, nil
	}
	if err := acquire(d.lockPath); err != nil {
		if err == errLocked {
			return false, nil
		}
		return false, err
	}

	// Rows after the first broken one are fetched again.
	if exists(d.rawPath) {
		size := fileSize(d.rawPath)
		last, found, err := truncateRaw(d.rawPath)
		if err != nil {
			return false, err
		}
		d.mu.Lock()
		d.corrupt = false
		d.mu.Unlock()
		if cut := size - fileSize(d.rawPath); cut > 0 {
			ev := d.event(log.Warn()).Int64("bytes", cut)
			if found {
				ev = ev.Int64("last_id", last.ID)
			}
			ev.Msg("corrupt raw log truncated")
		}
	}

	if repo := d.store.opts.Repository; repo != nil {
		ok, err := repo.Exists(ctx, d.Date)
		if err != nil {
			return false, err
		}
		if ok {
			if err := d.fetchRepository(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}

	adapter := d.store.opts.Adapter
	if adapter == nil {
		return false, nil
	}

	id := int64(-1)
	tail, found, err := rawTail(d.rawPath)
	if err != nil {
		return false, err
	}
	if found {
		id = tail.ID
	} else {
		id, err = d.idBeforeStart(ctx)
		if err != nil {
			return false, err
		}
		if id < 0 {
			return false, nil
		}
	}

	pageSize := int64(d.store.opts.PageSize)
	for completed := false; !completed; {
		page, err := adapter.Executions(ctx, id, id+pageSize)
		if err != nil {
			return false, err
		}
		// Nothing after id on the exchange yet, the day can't be proven complete.
		if len(page) == 0 {
			return false, nil
		}

		valid := make([]execution.Execution, 0, len(page))
		for _, e := range page {
			if e.ID <= id || e.Millis < d.StartMillis {
				continue
			}
			if d.EndMillis <= e.Millis {
				completed = true
				break
			}
			valid = append(valid, e)
		}
		if len(valid) > 0 {
			if err := appendRaw(d.rawPath, valid); err != nil {
				return false, err
			}
			if d.store.opts.OnPersist != nil {
				d.store.opts.OnPersist(valid)
			}
			d.event(log.Info()).Int64("from", valid[0].ID).Int("executions", len(valid)).Msg("repairing log")
		}

		last := page[len(page)-1].ID
		if last <= id {
			return false, errors.Errorf("repair %s : exchange returned no execution after id %d", d, id)
		}
		id = last
	}

	d.CompactAsync()
	return true, nil
}

// idBeforeStart estimates the id of the last execution before the day:
// the tail of the previous day's compact log, else the nearest execution on the exchange.
func (d *Day) idBeforeStart(ctx context.Context) (int64, error) {
	prev := d.store.Day(d.Date.AddDate(0, 0, -1))
	if prev.HasCompact() {
		e, found, err := compactTail(ctx, prev.compactPath, d.store.opts.Codec)
		if err != nil {
			return -1, err
		}
		if found {
			return e.ID, nil
		}
	}
	return d.nearest(ctx, d.Date)
}

func (d *Day) nearest(ctx context.Context, target time.Time) (int64, error) {
	if d.store.opts.Adapter == nil {
		return -1, nil
	}
	e, found, err := reconciler.SearchNearest(ctx, d.store.opts.Adapter, target)
	if err != nil || !found {
		return -1, err
	}
	return e.ID, nil
}

// EstimateFirstID returns the id of the first execution of the day, or of the last one
// before it when the day itself is not stored. -1 when unknown.
func (d *Day) EstimateFirstID(ctx context.Context) (int64, error) {
	if d.HasCompact() {
		e, found, err := compactHead(ctx, d.compactPath, d.store.opts.Codec)
		if err != nil {
			return -1, err
		}
		if found {
			return e.ID, nil
		}
	}
	if d.HasRaw() {
		raw, err := openRaw(d.rawPath, nil)
		if err != nil {
			return -1, err
		}
		e, found, err := execution.First(ctx, raw)
		if err != nil {
			return -1, err
		}
		if found {
			return e.ID, nil
		}
	}
	return d.idBeforeStart(ctx)
}

// EstimateLastID returns the id of the last execution of the day. -1 when unknown.
func (d *Day) EstimateLastID(ctx context.Context) (int64, error) {
	if d.HasCompact() {
		e, found, err := compactTail(ctx, d.compactPath, d.store.opts.Codec)
		if err != nil {
			return -1, err
		}
		if found {
			return e.ID, nil
		}
	}
	e, found, err := rawTail(d.rawPath)
	if err != nil {
		return -1, err
	}
	if found {
		return e.ID, nil
	}
	return d.nearest(ctx, d.Date.Add(dayMillis*time.Millisecond))
}

// fallbackIterator reads the compact log. If the compact log turns out to be broken while
// the raw log still exists, the compact log is deleted and reading continues from the raw log
// after the last execution returned.
type fallbackIterator struct {
	day      *Day
	current  execution.Iterator
	last     int64
	fellBack bool
}

func (it *fallbackIterator) Next(ctx context.Context) (execution.Execution, error) {
	for {
		e, err := it.current.Next(ctx)
		if err == nil {
			if e.ID <= it.last {
				continue
			}
			it.last = e.ID
			return e, nil
		}
		if err == io.EOF || ctx.Err() != nil || it.fellBack || !it.day.HasRaw() {
			return execution.Execution{}, err
		}

		it.day.event(log.Error()).Err(err).Msg("compact log broken, reading raw log")
		_ = it.current.Close()
		if rerr := os.Remove(it.day.compactPath); rerr != nil && !os.IsNotExist(rerr) {
			return execution.Execution{}, errors.WithStack(rerr)
		}
		raw, rerr := openRaw(it.day.rawPath, it.day.markCorrupt)
		if rerr != nil {
			return execution.Execution{}, rerr
		}
		it.current = raw
		it.fellBack = true
	}
}

func (it *fallbackIterator) Close() error {
	return it.current.Close()
}

// rawTee writes every execution served from another source into the raw log.
type rawTee struct {
	day  *Day
	src  execution.Iterator
	file *atomicFile
	w    *csv.Writer
	done bool
}

func (t *rawTee) Next(ctx context.Context) (execution.Execution, error) {
	e, err := t.src.Next(ctx)
	if err == io.EOF {
		if !t.done {
			t.done = true
			if err := t.commit(); err != nil {
				return execution.Execution{}, err
			}
		}
		return execution.Execution{}, io.EOF
	}
	if err != nil {
		t.discard()
		return execution.Execution{}, err
	}
	if !t.done {
		if err := t.w.Write(e.Row()); err != nil {
			t.discard()
			return execution.Execution{}, errors.WithStack(err)
		}
	}
	return e, nil
}

func (t *rawTee) commit() error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		t.file.abort()
		return errors.WithStack(err)
	}
	if err := t.file.commit(); err != nil {
		return err
	}
	t.day.event(log.Info()).Msg("log downloaded from repository")
	t.day.CompactAsync()
	return nil
}

func (t *rawTee) discard() {
	if !t.done {
		t.done = true
		t.file.abort()
	}
}

func (t *rawTee) Close() error {
	t.discard()
	return t.src.Close()
}
