package reconciler

import (
	"context"
	"math"
	"time"

	"github.com/milkywaybrain/tradelog/internal/exchange"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// MaxNearestProbes bounds the number of ExecutionsBefore queries of SearchNearest.
const MaxNearestProbes = 64

// SearchInitial finds the very first execution of the market with a binary search over
// ExecutionsBefore. A page holding fewer than pageSize records proves that its oldest
// record is the initial one. The boolean is false when the market has no execution.
func SearchInitial(ctx context.Context, adapter exchange.Adapter, pageSize int) (execution.Execution, bool, error) {
	end, err := adapter.ExecutionLatest(ctx)
	if err != nil {
		return execution.Execution{}, false, err
	}
	if end.ID <= 0 {
		return execution.Execution{}, false, nil
	}
	start := int64(1)

	for {
		if err := ctx.Err(); err != nil {
			return execution.Execution{}, false, err
		}
		if end.ID-start <= 1 {
			page, err := adapter.Executions(ctx, start-1, end.ID)
			if err != nil {
				return execution.Execution{}, false, err
			}
			if len(page) == 0 {
				return end, true, nil
			}
			return page[0], true, nil
		}

		middle := (start + end.ID) / 2
		log.Debug().Str("func", "SearchInitial").Int64("start", start).Int64("middle", middle).Int64("end", end.ID).Msg("searching initial execution")
		page, err := adapter.ExecutionsBefore(ctx, middle)
		if err != nil {
			return execution.Execution{}, false, err
		}
		switch {
		case len(page) == 0:
			// Nothing before middle, so the initial execution lies between middle and end.
			start = middle
		case len(page) >= pageSize:
			// Older executions may still exist.
			end = page[0]
		default:
			return page[0], true, nil
		}
	}
}

// SearchNearest returns the last execution strictly before target, estimating the id to
// probe by interpolating ids over time. The boolean is false when no execution precedes target.
func SearchNearest(ctx context.Context, adapter exchange.Adapter, target time.Time) (execution.Execution, bool, error) {
	hi, err := adapter.ExecutionLatest(ctx)
	if err != nil {
		return execution.Execution{}, false, err
	}
	if hi.Date.Before(target) {
		return hi, true, nil
	}

	var (
		lo    execution.Execution
		hasLo bool
		floor int64 // no execution exists below floor
	)
	targetMillis := target.UnixNano() / int64(time.Millisecond)
	estimate := hi.ID

	for probe := 0; probe < MaxNearestProbes; probe++ {
		page, err := adapter.ExecutionsBefore(ctx, estimate)
		if err != nil {
			return execution.Execution{}, false, err
		}
		if len(page) == 0 {
			if estimate >= hi.ID {
				return execution.Execution{}, false, nil
			}
			floor = estimate
			estimate = (floor + hi.ID + 1) / 2
			continue
		}

		first, last := page[0], page[len(page)-1]
		switch {
		case !first.Date.Before(target):
			hi = first
			if hasLo {
				estimate = interpolate(lo, hi, targetMillis)
			} else {
				estimate = extrapolate(first, last, targetMillis, floor)
			}

		case last.Date.Before(target):
			if estimate >= hi.ID {
				// Nothing lies between last and hi.
				return last, true, nil
			}
			if hasLo && last.ID <= lo.ID {
				estimate = (estimate + hi.ID + 1) / 2
				continue
			}
			lo, hasLo = last, true
			switch {
			case hi.ID-lo.ID <= int64(len(page)):
				estimate = hi.ID
			case targetMillis-lo.Millis < time.Minute.Milliseconds():
				// Close enough, read the next page forward.
				estimate = clamp(lo.ID+int64(len(page))+1, lo.ID+2, hi.ID)
			default:
				estimate = interpolate(lo, hi, targetMillis)
			}

		default:
			for i := 1; i < len(page); i++ {
				if !page[i].Date.Before(target) {
					return page[i-1], true, nil
				}
			}
			return last, true, nil
		}
	}
	return execution.Execution{}, false, errors.Errorf("no execution found near %s after %d probes", target.Format(time.RFC3339), MaxNearestProbes)
}

// interpolate estimates the exclusive upper id bound of the page holding target, lo < target <= hi.
func interpolate(lo execution.Execution, hi execution.Execution, targetMillis int64) int64 {
	if hi.Millis <= lo.Millis {
		return hi.ID
	}
	ratio := float64(targetMillis-lo.Millis) / float64(hi.Millis-lo.Millis)
	estimate := lo.ID + int64(math.Round(float64(hi.ID-lo.ID)*ratio)) + 1
	return clamp(estimate, lo.ID+2, hi.ID)
}

// extrapolate estimates an id before the sampled page from the page's own id per millisecond rate.
func extrapolate(first execution.Execution, last execution.Execution, targetMillis int64, floor int64) int64 {
	if last.Millis <= first.Millis || last.ID <= first.ID {
		return clamp((floor+first.ID)/2, floor+1, first.ID)
	}
	rate := float64(last.ID-first.ID) / float64(last.Millis-first.Millis)
	estimate := first.ID - int64(math.Round(float64(first.Millis-targetMillis)*rate))
	return clamp(estimate, floor+1, first.ID-1)
}

func clamp(v int64, low int64, high int64) int64 {
	if low > high || v > high {
		return high
	}
	if v < low {
		return low
	}
	return v
}
