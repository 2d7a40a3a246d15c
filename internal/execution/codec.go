package execution

import (
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Codec encodes an execution relative to the previous one of the same log.
// The first execution of a log is encoded relative to Base.
type Codec interface {
	Encode(prev Execution, e Execution) []string
	Decode(prev Execution, fields []string) (Execution, error)
}

// DeltaCodec is the default Codec.
//
// Row layout: id delta (empty when 1), millisecond delta (empty when 0), packed flags in base 36
// (orientation, consecutive, delay), price delta (empty when 0), size, and the nanoseconds
// below the millisecond, a field only present when not 0.
type DeltaCodec struct{}

const deltaFields = 5

// SubMillis returns the nanoseconds of the date below its millisecond.
func SubMillis(date time.Time) int64 {
	return int64(date.Nanosecond()) % int64(time.Millisecond)
}

// FromMillis creates the date of the given millisecond and sub millisecond nanoseconds.
func FromMillis(millis int64, subMillis int64) time.Time {
	return time.Unix(0, millis*int64(time.Millisecond)+subMillis)
}

// Encode implements Codec.
func (DeltaCodec) Encode(prev Execution, e Execution) []string {
	fields := make([]string, deltaFields)
	if d := e.ID - prev.ID; d != 1 {
		fields[0] = strconv.FormatInt(d, 10)
	}
	if d := e.Millis - prev.Millis; d != 0 {
		fields[1] = strconv.FormatInt(d, 10)
	}
	fields[2] = strconv.FormatInt(int64(packFlags(e)), 36)
	if d := e.Price.Sub(prev.Price); !d.IsZero() {
		fields[3] = d.String()
	}
	fields[4] = e.Size.String()
	if n := SubMillis(e.Date); n != 0 {
		fields = append(fields, strconv.FormatInt(n, 10))
	}
	return fields
}

// Decode implements Codec.
func (DeltaCodec) Decode(prev Execution, fields []string) (Execution, error) {
	if len(fields) != deltaFields && len(fields) != deltaFields+1 {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "expected %d delta fields, got %d", deltaFields, len(fields))
	}

	id := prev.ID + 1
	if fields[0] != "" {
		d, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return Execution{}, errors.Wrapf(ErrCorruptRecord, "id delta %q", fields[0])
		}
		id = prev.ID + d
	}

	millis := prev.Millis
	if fields[1] != "" {
		d, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return Execution{}, errors.Wrapf(ErrCorruptRecord, "time delta %q", fields[1])
		}
		millis += d
	}

	flags, err := strconv.ParseInt(fields[2], 36, 16)
	if err != nil || flags < 0 || flags >= 18 {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "flags %q", fields[2])
	}

	price := prev.Price
	if fields[3] != "" {
		d, err := decimal.NewFromString(fields[3])
		if err != nil {
			return Execution{}, errors.Wrapf(ErrCorruptRecord, "price delta %q", fields[3])
		}
		price = price.Add(d)
	}

	size, err := decimal.NewFromString(fields[4])
	if err != nil {
		return Execution{}, errors.Wrapf(ErrCorruptRecord, "size %q", fields[4])
	}

	var nanos int64
	if len(fields) > deltaFields {
		nanos, err = strconv.ParseInt(fields[deltaFields], 10, 64)
		if err != nil || nanos <= 0 || nanos >= int64(time.Millisecond) {
			return Execution{}, errors.Wrapf(ErrCorruptRecord, "sub millisecond %q", fields[deltaFields])
		}
	}

	o, c, d := unpackFlags(int(flags))
	date := FromMillis(millis, nanos)
	return New(id, o, price, size, date).WithConsecutive(c).WithDelay(d), nil
}

func packFlags(e Execution) int {
	return int(e.Orientation)*9 + int(e.Consecutive)*3 + int(e.Delay)
}

func unpackFlags(flags int) (Orientation, Consecutive, Delay) {
	return Orientation(flags / 9), Consecutive(flags % 9 / 3), Delay(flags % 3)
}
