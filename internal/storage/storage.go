package storage

import (
	"context"
	"sync"

	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Trade represents final form of market execution ready to store.
type Trade struct {
	Exchange      string
	MktID         string
	MktCommitName string
	execution.Execution
}

// Sink stores trades outside of the local execution logs.
type Sink interface {
	CommitTrades(ctx context.Context, data []Trade) error
}

// mirrorSink is one sink of a mirror with its commit buffer.
type mirrorSink struct {
	name      string
	sink      Sink
	commitBuf int
	trades    []Trade
	ch        chan []Trade
}

// Mirror copies every durably written execution of a market to the configured sinks.
// Trades are buffered per sink and committed in batches of the sink's commit buffer size.
type Mirror struct {
	exchange   string
	mktID      string
	commitName string
	sinks      []*mirrorSink

	// pending holds the persisted executions not yet dispatched to the sinks.
	mu      sync.Mutex
	pending []execution.Execution
	stopped bool
	notify  chan struct{}
}

// NewMirror creates a mirror without any sink.
func NewMirror(exchange string, mktID string, commitName string) *Mirror {
	return &Mirror{
		exchange:   exchange,
		mktID:      mktID,
		commitName: commitName,
		notify:     make(chan struct{}, 1),
	}
}

// Add registers a sink. It must be called before Run.
func (m *Mirror) Add(name string, sink Sink, commitBuf int) {
	if commitBuf < 1 {
		commitBuf = 1
	}
	m.sinks = append(m.sinks, &mirrorSink{
		name:      name,
		sink:      sink,
		commitBuf: commitBuf,
		trades:    make([]Trade, 0, commitBuf),
		ch:        make(chan []Trade, 1),
	})
}

// Len returns the number of sinks.
func (m *Mirror) Len() int {
	return len(m.sinks)
}

// Persisted queues the batch for the sinks and returns at once, however far behind a sink is.
// The data is dropped once the mirror stopped.
func (m *Mirror) Persisted(batch []execution.Execution) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, batch...)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of executions waiting to be dispatched to the sinks.
func (m *Mirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Run commits the buffered trades until the context is canceled or a sink fails.
func (m *Mirror) Run(ctx context.Context) error {
	defer func() {
		m.mu.Lock()
		m.stopped = true
		m.pending = nil
		m.mu.Unlock()
	}()

	// If any sink fails, force all the other ones to stop and return.
	mirrorErrGroup, ctx := errgroup.WithContext(ctx)

	for _, s := range m.sinks {
		s := s
		mirrorErrGroup.Go(func() error {
			return m.commit(ctx, s)
		})
	}
	mirrorErrGroup.Go(func() error {
		return m.dispatch(ctx)
	})
	return mirrorErrGroup.Wait()
}

// dispatch moves the pending executions into the sink buffers and hands full buffers over.
func (m *Mirror) dispatch(ctx context.Context) error {
	for {
		select {
		case <-m.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()

		for _, e := range batch {
			trade := Trade{Exchange: m.exchange, MktID: m.mktID, MktCommitName: m.commitName, Execution: e}
			for _, s := range m.sinks {
				s.trades = append(s.trades, trade)
				if len(s.trades) < s.commitBuf {
					continue
				}
				select {
				case s.ch <- s.trades:
				case <-ctx.Done():
					return ctx.Err()
				}
				s.trades = make([]Trade, 0, s.commitBuf)
			}
		}
	}
}

func (m *Mirror) commit(ctx context.Context, s *mirrorSink) error {
	for {
		select {
		case data := <-s.ch:
			err := s.sink.CommitTrades(ctx, data)
			if err != nil {
				if !errors.Is(err, ctx.Err()) {
					logErrStack(err)
				}
				return errors.Wrapf(err, "%s commit", s.name)
			}
			log.Debug().Str("exchange", m.exchange).Str("market", m.mktID).Str("storage", s.name).Int("trades", len(data)).Msg("trades committed")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
