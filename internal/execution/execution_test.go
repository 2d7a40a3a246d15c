package execution

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func sample(id int64, offset time.Duration, o Orientation, price string, size string) Execution {
	return New(id, o, decimal.RequireFromString(price), decimal.RequireFromString(size), day.Add(offset))
}

func TestNewDerivesMillis(t *testing.T) {
	e := New(1, Buy, decimal.NewFromInt(100), decimal.NewFromInt(1), time.Date(2024, 1, 1, 9, 0, 0, 0, time.FixedZone("JST", 9*3600)))
	assert.Equal(t, time.UTC, e.Date.Location())
	assert.Equal(t, day.UnixNano()/int64(time.Millisecond), e.Millis)
}

func TestRowRoundTrip(t *testing.T) {
	e := sample(42, 1500*time.Millisecond, Sell, "43210.5", "0.0012").WithConsecutive(SameSeller).WithDelay(DelayHuge)

	row := e.Row()
	assert.Equal(t, []string{"42", "2024-01-01T00:00:01.5Z", "SELL", "43210.5", "0.0012", "2", "2"}, row)

	parsed, err := ParseRow(row)
	require.NoError(t, err)
	assert.True(t, e.Equal(parsed), "%v != %v", e, parsed)
}

func TestParseRowRejectsMalformed(t *testing.T) {
	valid := sample(1, 0, Buy, "1", "1").Row()
	cases := map[string]func([]string) []string{
		"missing field":   func(r []string) []string { return r[:6] },
		"bad id":          func(r []string) []string { r[0] = "x"; return r },
		"bad timestamp":   func(r []string) []string { r[1] = "yesterday"; return r },
		"bad orientation": func(r []string) []string { r[2] = "HOLD"; return r },
		"bad price":       func(r []string) []string { r[3] = "1..2"; return r },
		"bad size":        func(r []string) []string { r[4] = ""; return r },
		"bad consecutive": func(r []string) []string { r[5] = "7"; return r },
		"bad delay":       func(r []string) []string { r[6] = "-1"; return r },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			row := mutate(append([]string(nil), valid...))
			_, err := ParseRow(row)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrCorruptRecord))
		})
	}
}

func TestDeltaCodecStream(t *testing.T) {
	executions := []Execution{
		sample(1000, 0, Buy, "100.5", "1"),
		sample(1001, 0, Buy, "100.5", "0.25").WithConsecutive(SameBuyer),
		sample(1005, 1200*time.Millisecond, Sell, "99.75", "3").WithDelay(DelayInestimable),
		sample(1006, 1200*time.Millisecond, Sell, "101", "0.001").WithConsecutive(SameSeller).WithDelay(DelayHuge),
	}

	codec := DeltaCodec{}
	prev := Base
	var rows [][]string
	for _, e := range executions {
		rows = append(rows, codec.Encode(prev, e))
		prev = e
	}
	assert.Equal(t, "", rows[1][0], "id delta of one is omitted")
	assert.Equal(t, "", rows[1][1], "zero time delta is omitted")
	assert.Equal(t, "", rows[1][3], "zero price delta is omitted")

	prev = Base
	for i, row := range rows {
		decoded, err := codec.Decode(prev, row)
		require.NoError(t, err)
		assert.True(t, executions[i].Equal(decoded), "row %d: %v != %v", i, executions[i], decoded)
		prev = decoded
	}
}

func TestDeltaCodecKeepsSubMillisecond(t *testing.T) {
	first := sample(1, 1500*time.Microsecond+250, Buy, "100", "1")
	second := sample(2, 2*time.Millisecond, Buy, "100", "1")

	codec := DeltaCodec{}
	row := codec.Encode(Base, first)
	require.Len(t, row, 6)
	assert.Equal(t, "500250", row[5])
	assert.Len(t, codec.Encode(first, second), 5, "whole milliseconds need no extra field")

	decoded, err := codec.Decode(Base, row)
	require.NoError(t, err)
	assert.True(t, first.Date.Equal(decoded.Date))
	assert.True(t, first.Equal(decoded))

	_, err = codec.Decode(Base, append(row[:5:5], "1000000"))
	assert.True(t, errors.Is(err, ErrCorruptRecord))
}

func TestDeltaCodecRejectsMalformed(t *testing.T) {
	_, err := DeltaCodec{}.Decode(Base, []string{"1", "", "zz", "", "1"})
	assert.True(t, errors.Is(err, ErrCorruptRecord))

	_, err = DeltaCodec{}.Decode(Base, []string{"1"})
	assert.True(t, errors.Is(err, ErrCorruptRecord))
}

func TestClassify(t *testing.T) {
	a := sample(1, 0, Buy, "1", "1")
	assert.Equal(t, Different, Classify(Execution{}, a))
	assert.Equal(t, SameBuyer, Classify(a, sample(2, 0, Buy, "1", "1")))
	assert.Equal(t, Different, Classify(a, sample(2, time.Millisecond, Buy, "1", "1")))
	assert.Equal(t, Different, Classify(a, sample(2, 0, Sell, "1", "1")))
	s := sample(3, 0, Sell, "1", "1")
	assert.Equal(t, SameSeller, Classify(s, sample(4, 0, Sell, "1", "1")))
}

func TestEstimateDelay(t *testing.T) {
	assert.Equal(t, DelayInestimable, EstimateDelay(day, time.Time{}))
	assert.Equal(t, DelayNormal, EstimateDelay(day, day.Add(time.Second)))
	assert.Equal(t, DelayHuge, EstimateDelay(day, day.Add(HugeDelay)))
	assert.Equal(t, DelayInestimable, EstimateDelay(day, day.Add(-time.Second)))
}

func TestConcatOpensLazily(t *testing.T) {
	ctx := context.Background()
	opened := 0
	source := func(executions ...Execution) Source {
		return func(context.Context) (Iterator, error) {
			opened++
			return Slice(executions), nil
		}
	}

	it := Concat(source(sample(1, 0, Buy, "1", "1")), source(), source(sample(2, 0, Buy, "1", "1")))
	e, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.ID)
	assert.Equal(t, 1, opened)

	rest, err := Collect(ctx, it)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(2), rest[0].ID)
	assert.Equal(t, 3, opened)
}

func TestIncreasingDropsReplays(t *testing.T) {
	var in []Execution
	for _, id := range []int64{1, 2, 2, 3, 1, 5, 4, 6} {
		in = append(in, sample(id, 0, Buy, "1", "1"))
	}

	out, err := Collect(context.Background(), Increasing(Slice(in)))
	require.NoError(t, err)
	var got []int64
	for _, e := range out {
		got = append(got, e.ID)
	}
	assert.Equal(t, []int64{1, 2, 3, 5, 6}, got)
}

func TestFirstAndLast(t *testing.T) {
	ctx := context.Background()
	in := []Execution{sample(1, 0, Buy, "1", "1"), sample(2, 0, Buy, "1", "1")}

	first, ok, err := First(ctx, Slice(in))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), first.ID)

	last, ok, err := Last(ctx, Slice(in))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(2), last.ID)

	_, ok, err = Last(ctx, Empty())
	require.NoError(t, err)
	assert.False(t, ok)
}
