package exchange

import (
	"context"

	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Adapter is the capability set a market has to provide to be reconciled and stored.
type Adapter interface {
	// Executions returns the executions with startID < id <= endID in ascending order.
	// The exchange may return fewer records than the range holds.
	Executions(ctx context.Context, startID int64, endID int64) ([]execution.Execution, error)

	// ExecutionsBefore returns executions strictly older than id in ascending order,
	// at most one page of them.
	ExecutionsBefore(ctx context.Context, id int64) ([]execution.Execution, error)

	// ExecutionLatest returns the most recent execution.
	ExecutionLatest(ctx context.Context) (execution.Execution, error)

	// ConnectLive streams live executions of a single connection to sink until the context
	// is canceled or the connection ends. It returns nil on cancellation only. Executions
	// made while disconnected can't be recovered by the feed, so it must not reconnect.
	ConnectLive(ctx context.Context, sink func(execution.Execution)) error

	// Equal reports whether both executions denote the same trade.
	Equal(a execution.Execution, b execution.Execution) bool

	// RetryPolicy creates a retry policy with the given attempt limit.
	RetryPolicy(max int, label string) *RetryPolicy
}

// SameID is the default equality of executions.
func SameID(a execution.Execution, b execution.Execution) bool {
	return a.ID == b.ID
}

// logErrStack logs error with stack trace.
func logErrStack(err error) {
	log.Error().Stack().Err(errors.WithStack(err)).Msg("")
}
