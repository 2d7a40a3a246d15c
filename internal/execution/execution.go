package execution

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Orientation is the taker side of an execution.
type Orientation int8

const (
	// Buy means the taker bought.
	Buy Orientation = iota
	// Sell means the taker sold.
	Sell
)

// String returns the raw log form of the orientation.
func (o Orientation) String() string {
	if o == Sell {
		return "SELL"
	}
	return "BUY"
}

// ParseOrientation parses the raw log form of an orientation.
func ParseOrientation(s string) (Orientation, error) {
	switch s {
	case "BUY", "B", "buy":
		return Buy, nil
	case "SELL", "S", "sell":
		return Sell, nil
	}
	return Buy, errors.Errorf("unknown orientation %q", s)
}

// Consecutive describes the relationship of an execution to the one right before it in the same stream.
type Consecutive int8

const (
	// Different means the execution belongs to a different taker order.
	Different Consecutive = iota
	// SameBuyer means the execution continues an aggressive buy run.
	SameBuyer
	// SameSeller means the execution continues an aggressive sell run.
	SameSeller
)

// Delay classifies the observed reporting delay of an execution.
type Delay int8

const (
	// DelayNormal is a delay within the expected range.
	DelayNormal Delay = iota
	// DelayInestimable is used when the delay can't be measured, e.g. records from REST API.
	DelayInestimable
	// DelayHuge is a delay beyond HugeDelay.
	DelayHuge
)

// HugeDelay is the threshold above which a reporting delay is classified as DelayHuge.
const HugeDelay = 3 * time.Second

// Execution is a single trade on a market.
// It is a plain value, use New and the With* helpers to build one.
type Execution struct {
	ID          int64
	Orientation Orientation
	Price       decimal.Decimal
	Size        decimal.Decimal
	Date        time.Time
	Millis      int64
	Consecutive Consecutive
	Delay       Delay
}

// Base is the virtual execution every delta encoded log starts from.
var Base = Execution{Date: time.Unix(0, 0).UTC(), Price: decimal.Zero, Size: decimal.Zero}

// New creates an execution. The date is normalized to UTC.
func New(id int64, orientation Orientation, price decimal.Decimal, size decimal.Decimal, date time.Time) Execution {
	date = date.UTC()
	return Execution{
		ID:          id,
		Orientation: orientation,
		Price:       price,
		Size:        size,
		Date:        date,
		Millis:      date.UnixNano() / int64(time.Millisecond),
	}
}

// WithConsecutive returns a copy with the given consecutive type.
func (e Execution) WithConsecutive(c Consecutive) Execution {
	e.Consecutive = c
	return e
}

// WithDelay returns a copy with the given delay type.
func (e Execution) WithDelay(d Delay) Execution {
	e.Delay = d
	return e
}

// WithSize returns a copy with the given size.
func (e Execution) WithSize(size decimal.Decimal) Execution {
	e.Size = size
	return e
}

// Equal reports whether both executions carry the same values.
func (e Execution) Equal(o Execution) bool {
	return e.ID == o.ID &&
		e.Orientation == o.Orientation &&
		e.Price.Equal(o.Price) &&
		e.Size.Equal(o.Size) &&
		e.Date.Equal(o.Date) &&
		e.Consecutive == o.Consecutive &&
		e.Delay == o.Delay
}

// Classify computes the consecutive type of e relative to the previous execution of the same stream.
func Classify(prev Execution, e Execution) Consecutive {
	if prev.ID == 0 || prev.Orientation != e.Orientation || prev.Millis != e.Millis {
		return Different
	}
	if e.Orientation == Buy {
		return SameBuyer
	}
	return SameSeller
}

// EstimateDelay classifies the delay between the trade time and the time it was observed.
// A zero observed time means the delay is unknown.
func EstimateDelay(traded time.Time, observed time.Time) Delay {
	if observed.IsZero() {
		return DelayInestimable
	}
	d := observed.Sub(traded)
	switch {
	case d < 0:
		return DelayInestimable
	case d >= HugeDelay:
		return DelayHuge
	default:
		return DelayNormal
	}
}

// RowFields is the number of fields of a raw log row.
const RowFields = 7

// Row returns the raw log row of the execution in the fixed field order
// id, timestamp, orientation, price, size, consecutive, delay.
func (e Execution) Row() []string {
	return []string{
		strconv.FormatInt(e.ID, 10),
		e.Date.Format(time.RFC3339Nano),
		e.Orientation.String(),
		e.Price.String(),
		e.Size.String(),
		strconv.Itoa(int(e.Consecutive)),
		strconv.Itoa(int(e.Delay)),
	}
}

// ParseRow parses a raw log row created by Row.
// Any malformed field results in an error wrapping ErrCorruptRecord.
func ParseRow(fields []string) (Execution, error) {
	if len(fields) != RowFields {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "expected %d fields, got %d", RowFields, len(fields))
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "id %q", fields[0])
	}
	date, err := time.Parse(time.RFC3339Nano, fields[1])
	if err != nil {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "timestamp %q", fields[1])
	}
	orientation, err := ParseOrientation(fields[2])
	if err != nil {
		return Execution{}, errors.Wrap(ErrCorruptRecord, err.Error())
	}
	price, err := decimal.NewFromString(fields[3])
	if err != nil {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "price %q", fields[3])
	}
	size, err := decimal.NewFromString(fields[4])
	if err != nil {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "size %q", fields[4])
	}
	consecutive, err := strconv.Atoi(fields[5])
	if err != nil || consecutive < int(Different) || consecutive > int(SameSeller) {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "consecutive %q", fields[5])
	}
	delay, err := strconv.Atoi(fields[6])
	if err != nil || delay < int(DelayNormal) || delay > int(DelayHuge) {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "delay %q", fields[6])
	}
	return New(id, orientation, price, size, date).WithConsecutive(Consecutive(consecutive)).WithDelay(Delay(delay)), nil
}

// ErrCorruptRecord is returned when a stored record can't be decoded.
var ErrCorruptRecord = errors.New("corrupt execution record")
