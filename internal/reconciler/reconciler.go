package reconciler

import (
	"context"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/milkywaybrain/tradelog/internal/exchange"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// State is the phase of a reconciliation run. It only moves forward within one run.
type State int32

const (
	// HistoricalOnly means that only the paginated history is read.
	HistoricalOnly State = iota
	// Dual means that the history is read while the live feed is buffered.
	Dual
	// LiveOnly means that the history caught up and live executions are emitted directly.
	LiveOnly
)

func (s State) String() string {
	switch s {
	case HistoricalOnly:
		return "historical"
	case Dual:
		return "dual"
	case LiveOnly:
		return "live"
	}
	return "unknown"
}

// ErrExhaustedRetries is returned by Stream.Next once the run could not be recovered.
var ErrExhaustedRetries = exchange.ErrExhaustedRetries

// DefaultRetryLimit is the number of retries of a failed run when Options.RetryLimit is zero.
const DefaultRetryLimit = 500

// ErrLiveClosed is the failure of a run whose live feed stopped by itself.
var ErrLiveClosed = errors.New("live feed closed")

// Options configure a reconciliation.
type Options struct {
	// Name labels the logs and the retry policy.
	Name string

	// Start is the id after which executions are emitted. Negative means that the
	// initial execution of the market is searched and emitted first.
	Start int64

	// PageSize is the maximum number of executions the adapter returns for one query.
	PageSize int

	// Resume gives the id a retried run restarts after, typically the consumer's durable cursor.
	// When nil, the last emitted id is used.
	Resume func() int64

	RetryLimit int
}

// Stream is the continuous, strictly increasing sequence of executions of a market,
// stitched from the historical pages and the live feed.
type Stream struct {
	adapter exchange.Adapter
	opts    Options

	out    chan execution.Execution
	done   chan struct{}
	cancel context.CancelFunc
	err    error

	state atomic.Int32

	emitMu  sync.Mutex
	emitted int64
}

// Reconcile starts reading the executions after opts.Start. The stream runs in the background
// until it is closed or its retries are exhausted.
func Reconcile(ctx context.Context, adapter exchange.Adapter, opts Options) *Stream {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.RetryLimit <= 0 {
		opts.RetryLimit = DefaultRetryLimit
	}
	if opts.Name == "" {
		opts.Name = "reconciler"
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		adapter: adapter,
		opts:    opts,
		out:     make(chan execution.Execution),
		done:    make(chan struct{}),
		cancel:  cancel,
		emitted: -1,
	}
	go s.supervise(ctx)
	return s
}

// Next implements execution.Iterator. It returns io.EOF after Close.
func (s *Stream) Next(ctx context.Context) (execution.Execution, error) {
	select {
	case e := <-s.out:
		return e, nil
	case <-s.done:
		return execution.Execution{}, s.err
	case <-ctx.Done():
		return execution.Execution{}, ctx.Err()
	}
}

// Close stops the stream and waits for its goroutines.
func (s *Stream) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// State returns the phase of the current run.
func (s *Stream) State() State {
	return State(s.state.Load())
}

func (s *Stream) setState(state State) {
	if State(s.state.Swap(int32(state))) != state {
		log.Info().Str("reconciler", s.opts.Name).Str("state", state.String()).Msg("state changed")
	}
}

func (s *Stream) supervise(ctx context.Context) {
	defer close(s.done)

	attempt := 0
	err := s.adapter.RetryPolicy(s.opts.RetryLimit, s.opts.Name).Do(ctx, func(ctx context.Context) error {
		start := s.restartID(attempt)
		attempt++
		return s.run(ctx, start)
	})
	if err == nil || ctx.Err() != nil {
		s.err = io.EOF
		return
	}
	s.err = err
}

func (s *Stream) restartID(attempt int) int64 {
	if attempt == 0 {
		return s.opts.Start
	}
	if s.opts.Resume != nil {
		if id := s.opts.Resume(); id >= 0 {
			return id
		}
	}
	if last := s.lastEmitted(); last >= 0 {
		return last
	}
	return s.opts.Start
}

func (s *Stream) lastEmitted() int64 {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.emitted
}

// emit hands the execution to the consumer, dropping ids already emitted.
func (s *Stream) emit(ctx context.Context, e execution.Execution) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if e.ID <= s.emitted {
		return nil
	}
	select {
	case s.out <- e:
		s.emitted = e.ID
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is one reconciliation attempt: the polling loop plus, once the first page succeeded, the live feed.
func (s *Stream) run(appCtx context.Context, start int64) error {
	s.setState(HistoricalOnly)

	// If any function fails, force the other one to stop and return.
	runErrGroup, ctx := errgroup.WithContext(appCtx)

	buffer := newRealtimeBuffer(s.emit)
	live := func() {
		s.setState(Dual)
		runErrGroup.Go(func() error {
			err := s.adapter.ConnectLive(ctx, func(e execution.Execution) {
				if err := buffer.add(ctx, e); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Str("reconciler", s.opts.Name).Msg("live execution dropped")
				}
			})
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return ErrLiveClosed
		})
	}

	runErrGroup.Go(func() error {
		return s.poll(ctx, start, buffer, live)
	})

	err := runErrGroup.Wait()
	if appCtx.Err() != nil {
		return appCtx.Err()
	}
	return err
}

// poll pages the history from the cursor till it meets the live feed.
func (s *Stream) poll(ctx context.Context, cursor int64, buffer *realtimeBuffer, live func()) error {
	pageSize := s.opts.PageSize
	if cursor < 0 {
		initial, found, err := SearchInitial(ctx, s.adapter, pageSize)
		if err != nil {
			return err
		}
		cursor = 0
		if found {
			cursor = initial.ID - 1
		}
	}
	log.Info().Str("reconciler", s.opts.Name).Int64("cursor", cursor).Msg("reading history")

	var (
		coefficient = 1.0
		liveStarted bool
		latestID    int64 = -1
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		window := int64(math.Round(float64(pageSize) * coefficient))
		page, err := s.adapter.Executions(ctx, cursor, cursor+window)
		if err != nil {
			return err
		}

		// The history answered, so the live feed is expected to work too.
		if !liveStarted {
			liveStarted = true
			live()
		}

		if len(page) == 0 {
			target, err := s.realtimeFirstID(ctx, buffer, &latestID)
			if err != nil {
				return err
			}
			if cursor < target {
				// Nothing in the window but the tip is not reached yet.
				cursor += window - 1
				coefficient += 50
				continue
			}
			return s.handOff(ctx, buffer, cursor)
		}

		if len(page) >= pageSize && coefficient > 1 {
			// Too dense for the window, narrow it and read the same range again.
			if coefficient > 50 {
				coefficient = math.Round(coefficient / 2)
			} else {
				coefficient -= 5
			}
			if coefficient < 1 {
				coefficient = 1
			}
			continue
		}

		for _, e := range page {
			if head, ok := buffer.head(); ok && s.adapter.Equal(e, head) {
				return s.handOff(ctx, buffer, e.ID)
			}
			if err := s.emit(ctx, e); err != nil {
				return err
			}
		}

		lastID := page[len(page)-1].ID
		if len(page) == 1 && buffer.empty() && cursor == lastID {
			// Exchanges answering the range inclusively keep returning the record at the tip.
			return s.handOff(ctx, buffer, lastID)
		}
		cursor = lastID

		// Sparse window, widen it from next time.
		retrieved := float64(len(page))
		size := float64(pageSize)
		switch {
		case retrieved < size*0.05:
			coefficient += 50
		case retrieved < size*0.1:
			coefficient += 5
		case retrieved < size*0.3:
			coefficient += 2
		case retrieved < size*0.5:
			coefficient += 0.5
		case retrieved < size*0.7:
			coefficient += 0.1
		}
	}
}

// realtimeFirstID is the id the history has to reach: the oldest buffered live execution or,
// while nothing is buffered, the latest execution of the market fetched once per run.
func (s *Stream) realtimeFirstID(ctx context.Context, buffer *realtimeBuffer, latestID *int64) (int64, error) {
	if head, ok := buffer.head(); ok {
		return head.ID, nil
	}
	if *latestID > 0 {
		return *latestID, nil
	}
	latest, err := s.adapter.ExecutionLatest(ctx)
	if err != nil {
		return -1, err
	}
	*latestID = latest.ID
	return latest.ID, nil
}

func (s *Stream) handOff(ctx context.Context, buffer *realtimeBuffer, at int64) error {
	flushed, err := buffer.switchToRealtime(ctx)
	if err != nil {
		return err
	}
	s.setState(LiveOnly)
	log.Info().Str("reconciler", s.opts.Name).Int64("id", at).Int("buffered", flushed).Msg("switched to live feed")
	return nil
}
