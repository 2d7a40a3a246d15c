package daylog

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
)

// atomicFile is written under a temporary name and renamed over its destination on commit.
type atomicFile struct {
	path string
	f    *os.File
}

// createAtomic opens a temporary file of its own, so concurrent writers of the same
// destination never share one. The last commit wins.
func createAtomic(path string) (*atomicFile, error) {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, errors.WithStack(err)
	}
	return &atomicFile{path: path, f: f}, nil
}

func (a *atomicFile) commit() error {
	if err := a.f.Sync(); err != nil {
		a.abort()
		return errors.WithStack(err)
	}
	if err := a.f.Close(); err != nil {
		_ = os.Remove(a.f.Name())
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(a.f.Name(), a.path))
}

func (a *atomicFile) abort() {
	_ = a.f.Close()
	_ = os.Remove(a.f.Name())
}

// compactWriter writes delta encoded rows through zstd.
type compactWriter struct {
	file  *atomicFile
	zw    *zstd.Encoder
	w     *csv.Writer
	codec execution.Codec
	prev  execution.Execution
	count int
}

func createCompact(path string, codec execution.Codec) (*compactWriter, error) {
	file, err := createAtomic(path)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(file.f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		file.abort()
		return nil, errors.WithStack(err)
	}
	w := csv.NewWriter(zw)
	w.Comma = delimiter
	return &compactWriter{file: file, zw: zw, w: w, codec: codec, prev: execution.Base}, nil
}

func (c *compactWriter) write(e execution.Execution) error {
	if err := c.w.Write(c.codec.Encode(c.prev, e)); err != nil {
		return errors.WithStack(err)
	}
	c.prev = e
	c.count++
	return nil
}

func (c *compactWriter) commit() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.abort()
		return errors.WithStack(err)
	}
	if err := c.zw.Close(); err != nil {
		c.file.abort()
		return errors.WithStack(err)
	}
	return c.file.commit()
}

func (c *compactWriter) abort() {
	_ = c.zw.Close()
	c.file.abort()
}

// writeCompact drains the iterator into a new compact log. The log appears only when
// every execution has been written.
func writeCompact(ctx context.Context, path string, codec execution.Codec, it execution.Iterator) (int, error) {
	defer it.Close()
	w, err := createCompact(path, codec)
	if err != nil {
		return 0, err
	}
	for {
		e, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			w.abort()
			return 0, err
		}
		if err := w.write(e); err != nil {
			w.abort()
			return 0, err
		}
	}
	return w.count, w.commit()
}

// compactIterator decodes a compact log.
type compactIterator struct {
	f     *os.File
	zr    *zstd.Decoder
	r     *csv.Reader
	codec execution.Codec
	prev  execution.Execution
}

func openCompact(path string, codec execution.Codec) (*compactIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		_ = f.Close()
		return nil, errors.WithStack(err)
	}
	r := csv.NewReader(zr)
	r.Comma = delimiter
	r.FieldsPerRecord = -1
	r.ReuseRecord = true
	return &compactIterator{f: f, zr: zr, r: r, codec: codec, prev: execution.Base}, nil
}

func (it *compactIterator) Next(ctx context.Context) (execution.Execution, error) {
	if err := ctx.Err(); err != nil {
		return execution.Execution{}, err
	}
	fields, err := it.r.Read()
	if err == io.EOF {
		return execution.Execution{}, io.EOF
	}
	if err != nil {
		return execution.Execution{}, errors.Wrap(execution.ErrCorruptRecord, err.Error())
	}
	e, err := it.codec.Decode(it.prev, fields)
	if err != nil {
		return execution.Execution{}, err
	}
	it.prev = e
	return e, nil
}

func (it *compactIterator) Close() error {
	it.zr.Close()
	return it.f.Close()
}

// compactTail returns the last execution of the compact log.
func compactTail(ctx context.Context, path string, codec execution.Codec) (execution.Execution, bool, error) {
	it, err := openCompact(path, codec)
	if err != nil {
		return execution.Execution{}, false, err
	}
	return execution.Last(ctx, it)
}

// compactHead returns the first execution of the compact log.
func compactHead(ctx context.Context, path string, codec execution.Codec) (execution.Execution, bool, error) {
	it, err := openCompact(path, codec)
	if err != nil {
		return execution.Execution{}, false, err
	}
	return execution.First(ctx, it)
}
