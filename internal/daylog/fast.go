package daylog

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// fastRecord is one execution of a fast log, relative to the previous one.
type fastRecord struct {
	_msgpack struct{} `msgpack:",as_array"`

	ID          int64  `msgpack:"i"`
	Millis      int64  `msgpack:"t"`
	Orientation int8   `msgpack:"o"`
	Consecutive int8   `msgpack:"c"`
	Delay       int8   `msgpack:"d"`
	Price       string `msgpack:"p"`
	Size        string `msgpack:"s"`
	SubMillis   int32  `msgpack:"n"`
}

// requantize rounds the size to the increment, never below one increment.
func requantize(size decimal.Decimal, increment decimal.Decimal) decimal.Decimal {
	if increment.Sign() <= 0 {
		return size
	}
	q := size.Div(increment).Round(0).Mul(increment)
	if q.LessThan(increment) {
		return increment
	}
	return q
}

// fastWriter writes msgpack records through zstd.
type fastWriter struct {
	file *atomicFile
	zw   *zstd.Encoder
	enc  *msgpack.Encoder
	prev execution.Execution
}

func createFast(path string) (*fastWriter, error) {
	file, err := createAtomic(path)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(file.f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		file.abort()
		return nil, errors.WithStack(err)
	}
	return &fastWriter{file: file, zw: zw, enc: msgpack.NewEncoder(zw), prev: execution.Base}, nil
}

func (w *fastWriter) write(e execution.Execution) error {
	rec := fastRecord{
		ID:          e.ID - w.prev.ID,
		Millis:      e.Millis - w.prev.Millis,
		Orientation: int8(e.Orientation),
		Consecutive: int8(e.Consecutive),
		Delay:       int8(e.Delay),
		Size:        e.Size.String(),
		SubMillis:   int32(execution.SubMillis(e.Date)),
	}
	if d := e.Price.Sub(w.prev.Price); !d.IsZero() {
		rec.Price = d.String()
	}
	if err := w.enc.Encode(&rec); err != nil {
		return errors.WithStack(err)
	}
	w.prev = e
	return nil
}

func (w *fastWriter) commit() error {
	if err := w.zw.Close(); err != nil {
		w.file.abort()
		return errors.WithStack(err)
	}
	return w.file.commit()
}

func (w *fastWriter) abort() {
	_ = w.zw.Close()
	w.file.abort()
}

// fastIterator decodes a fast log.
type fastIterator struct {
	f    *os.File
	zr   *zstd.Decoder
	dec  *msgpack.Decoder
	prev execution.Execution
}

func openFast(path string) (*fastIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, errors.WithStack(err)
	}
	return &fastIterator{f: f, zr: zr, dec: msgpack.NewDecoder(zr), prev: execution.Base}, nil
}

func (it *fastIterator) Next(ctx context.Context) (execution.Execution, error) {
	if err := ctx.Err(); err != nil {
		return execution.Execution{}, err
	}
	var rec fastRecord
	if err := it.dec.Decode(&rec); err != nil {
		if err == io.EOF {
			return execution.Execution{}, io.EOF
		}
		return execution.Execution{}, errors.Wrap(execution.ErrCorruptRecord, err.Error())
	}

	price := it.prev.Price
	if rec.Price != "" {
		d, err := decimal.NewFromString(rec.Price)
		if err != nil {
			return execution.Execution{}, errors.Wrapf(execution.ErrCorruptRecord, "price delta %q", rec.Price)
		}
		price = price.Add(d)
	}
	size, err := decimal.NewFromString(rec.Size)
	if err != nil {
		return execution.Execution{}, errors.Wrapf(execution.ErrCorruptRecord, "size %q", rec.Size)
	}
	millis := it.prev.Millis + rec.Millis
	e := execution.New(it.prev.ID+rec.ID, execution.Orientation(rec.Orientation), price, size, execution.FromMillis(millis, int64(rec.SubMillis))).
		WithConsecutive(execution.Consecutive(rec.Consecutive)).
		WithDelay(execution.Delay(rec.Delay))
	it.prev = e
	return e, nil
}

func (it *fastIterator) Close() error {
	it.zr.Close()
	return it.f.Close()
}

// fastTee requantizes the source and writes every execution into a new fast log while serving it.
// The fast log is committed only when the source is exhausted.
type fastTee struct {
	src       execution.Iterator
	w         *fastWriter
	increment decimal.Decimal
	done      bool
}

func (t *fastTee) Next(ctx context.Context) (execution.Execution, error) {
	e, err := t.src.Next(ctx)
	if err == io.EOF {
		if !t.done {
			t.done = true
			if err := t.w.commit(); err != nil {
				return execution.Execution{}, err
			}
		}
		return execution.Execution{}, io.EOF
	}
	if err != nil {
		t.discard()
		return execution.Execution{}, err
	}
	e = e.WithSize(requantize(e.Size, t.increment))
	if !t.done {
		if err := t.w.write(e); err != nil {
			t.discard()
			return execution.Execution{}, err
		}
	}
	return e, nil
}

func (t *fastTee) discard() {
	if !t.done {
		t.done = true
		t.w.abort()
	}
}

func (t *fastTee) Close() error {
	t.discard()
	return t.src.Close()
}
