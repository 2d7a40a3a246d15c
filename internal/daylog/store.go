// Package daylog keeps the executions of a market in one log per UTC day.
//
// A day is written as a raw log while it is current and converted to a compressed compact
// log once it is closed. A fast log, with sizes requantized to the market's increment,
// is derived from the compact log on the first fast read.
package daylog

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/milkywaybrain/tradelog/internal/exchange"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/milkywaybrain/tradelog/internal/scheduler"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Encoding selects the log a day is read from.
type Encoding int

const (
	// Raw reads the best complete representation of the day: compact, raw or the external repository.
	Raw Encoding = iota
	// Compact is the same as Raw.
	Compact
	// Fast reads the requantized fast log, generating it from the compact log if needed.
	Fast
)

// Repository is an external source of complete days.
type Repository interface {
	Exists(ctx context.Context, date time.Time) (bool, error)
	Fetch(ctx context.Context, date time.Time) (execution.Iterator, error)
}

// Options configure a Store.
type Options struct {
	// Dir is the root directory, logs are kept under Dir/Exchange/Market.
	Dir      string
	Exchange string
	Market   string

	Codec     execution.Codec
	Scheduler *scheduler.Scheduler

	// Adapter and Repository are optional, without them days can't be repaired remotely.
	Adapter    exchange.Adapter
	Repository Repository
	PageSize   int

	SizeIncrement decimal.Decimal

	FlushInitialDelay time.Duration
	FlushInterval     time.Duration
	CompactDelay      time.Duration

	// OnPersist receives every batch of executions durably written to a raw log.
	OnPersist func(batch []execution.Execution)

	// Now is the clock deciding the current day.
	Now func() time.Time
}

// Store hands out the day logs of one market.
type Store struct {
	opts Options
	dir  string

	// ctx bounds the background repairs and compactions.
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	days map[int64]*Day
}

var logName = regexp.MustCompile(`^execution(\d{8})\.(log|clog)$`)

const dateLayout = "20060102"

// NewStore creates the market directory if needed.
func NewStore(opts Options) (*Store, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("daylog store requires a scheduler")
	}
	if opts.Codec == nil {
		opts.Codec = execution.DeltaCodec{}
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.FlushInitialDelay <= 0 {
		opts.FlushInitialDelay = 60 * time.Second
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 180 * time.Second
	}
	if opts.CompactDelay < 0 {
		opts.CompactDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dir := filepath.Join(opts.Dir, opts.Exchange, opts.Market)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Store{opts: opts, dir: dir, ctx: ctx, cancel: cancel, days: make(map[int64]*Day)}, nil
}

// Dir returns the directory holding the logs.
func (s *Store) Dir() string {
	return s.dir
}

// Today returns the current UTC day.
func (s *Store) Today() time.Time {
	return Truncate(s.opts.Now())
}

// Truncate returns the start of the UTC day of t.
func Truncate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Day returns the log of the UTC day of date. Every call for the same day returns the same value.
func (s *Store) Day(date time.Time) *Day {
	date = Truncate(date)
	key := date.Unix()

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.days[key]; ok {
		return d
	}
	d := newDay(s, date)
	s.days[key] = d
	return d
}

// Dates lists the days having a raw or compact log, in ascending order.
func (s *Store) Dates() ([]time.Time, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	seen := make(map[int64]time.Time)
	for _, entry := range entries {
		m := logName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() == 0 {
			continue
		}
		date, err := time.ParseInLocation(dateLayout, m[1], time.UTC)
		if err != nil {
			continue
		}
		seen[date.Unix()] = date
	}
	dates := make([]time.Time, 0, len(seen))
	for _, date := range seen {
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates, nil
}

// FirstDate returns the oldest day having a local log.
func (s *Store) FirstDate() (time.Time, bool, error) {
	dates, err := s.Dates()
	if err != nil || len(dates) == 0 {
		return time.Time{}, false, err
	}
	return dates[0], true, nil
}

// LastDate returns the newest day having a local log.
func (s *Store) LastDate() (time.Time, bool, error) {
	dates, err := s.Dates()
	if err != nil || len(dates) == 0 {
		return time.Time{}, false, err
	}
	return dates[len(dates)-1], true, nil
}

// Checkup repairs every local day except the current one and returns the days left incomplete.
func (s *Store) Checkup(ctx context.Context) ([]time.Time, error) {
	dates, err := s.Dates()
	if err != nil {
		return nil, err
	}
	var incomplete []time.Time
	today := s.Today()
	for _, date := range dates {
		if !date.Before(today) {
			continue
		}
		ok, err := s.Day(date).Repair(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return incomplete, ctx.Err()
			}
			logErrStack(err)
		}
		if !ok {
			incomplete = append(incomplete, date)
		}
	}
	log.Info().Str("exchange", s.opts.Exchange).Str("market", s.opts.Market).Int("days", len(dates)).Int("incomplete", len(incomplete)).Msg("log checkup finished")
	return incomplete, nil
}

// ClearFast removes every fast log, they are regenerated on demand.
func (s *Store) ClearFast() error {
	matches, err := filepath.Glob(filepath.Join(s.dir, "execution*.flog"))
	if err != nil {
		return errors.WithStack(err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Close stops the background work of the store and releases the locks held by its days.
func (s *Store) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	var first error
	for _, d := range s.days {
		if err := release(d.lockPath); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
