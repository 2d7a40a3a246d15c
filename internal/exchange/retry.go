package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ErrExhaustedRetries is matched by the error returned from RetryPolicy.Do once the limit is reached.
var ErrExhaustedRetries = errors.New("retries exhausted")

// ExhaustedError carries the last failure of an exhausted retry policy.
type ExhaustedError struct {
	Name    string
	Retries int
	Err     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s : not able to recover even after %d retry : %v", e.Name, e.Retries, e.Err)
}

// Is makes errors.Is(err, ErrExhaustedRetries) work.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhaustedRetries
}

// Unwrap returns the last failure.
func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// RetryPolicy retries a failing function with a delay till it reaches the limit.
// Retry counter is reset back to one if the elapsed time since the last retry is greater than ResetAfter.
type RetryPolicy struct {
	Name       string
	Limit      int
	ResetAfter time.Duration
	Delay      func(retry int) time.Duration
}

// MaxRetryDelay caps the default backoff.
const MaxRetryDelay = 900 * time.Second

// DefaultDelay is min((n+1)^2, 900) seconds for the zero based retry n.
func DefaultDelay(n int) time.Duration {
	if n >= 30 {
		return MaxRetryDelay
	}
	d := time.Duration((n+1)*(n+1)) * time.Second
	if d > MaxRetryDelay {
		return MaxRetryDelay
	}
	return d
}

// NewRetryPolicy creates a policy with the default quadratic backoff.
func NewRetryPolicy(limit int, name string) *RetryPolicy {
	return &RetryPolicy{Name: name, Limit: limit, Delay: DefaultDelay}
}

// Do calls fn until it returns nil, the context is done or the retry limit is exceeded.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var retryCount int
	lastRetryTime := time.Now()

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error().Err(err).Str("policy", p.Name).Msg("error occurred")

		if p.ResetAfter == 0 || time.Since(lastRetryTime) < p.ResetAfter {
			retryCount++
		} else {
			retryCount = 1
		}
		lastRetryTime = time.Now()
		if retryCount > p.Limit {
			return &ExhaustedError{Name: p.Name, Retries: p.Limit, Err: err}
		}

		delay := p.delay(retryCount - 1)
		log.Error().Str("policy", p.Name).Int("retry", retryCount).Msg(fmt.Sprintf("retrying in %v", delay))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (p *RetryPolicy) delay(n int) time.Duration {
	if p.Delay == nil {
		return DefaultDelay(n)
	}
	return p.Delay(n)
}
