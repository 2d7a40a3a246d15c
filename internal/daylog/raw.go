package daylog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/milkywaybrain/tradelog/internal/execution"
	"github.com/pkg/errors"
)

const delimiter = ' '

// tailChunk is the number of bytes read from the end of a raw log to find its last row.
const tailChunk = 64 * 1024

// appendRaw appends rows to the raw log and syncs it to disk.
func appendRaw(path string, executions []execution.Execution) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.WithStack(err)
	}
	w := csv.NewWriter(f)
	w.Comma = delimiter
	for _, e := range executions {
		if err := w.Write(e.Row()); err != nil {
			_ = f.Close()
			return errors.WithStack(err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.WithStack(err)
	}
	return errors.WithStack(f.Close())
}

// rawIterator reads a raw log row by row.
type rawIterator struct {
	f       *os.File
	r       *csv.Reader
	corrupt func(err error)

	// end is called once when the log is exhausted or turns out to be corrupt.
	end func()
}

// openRaw reads the complete rows of the raw log. A last row without its line terminator
// is a write cut short and is not read.
func openRaw(path string, corrupt func(err error)) (*rawIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	complete, err := completeLength(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	r := csv.NewReader(bufio.NewReader(io.LimitReader(f, complete)))
	r.Comma = delimiter
	r.FieldsPerRecord = execution.RowFields
	r.ReuseRecord = true
	return &rawIterator{f: f, r: r, corrupt: corrupt}, nil
}

func (it *rawIterator) Next(ctx context.Context) (execution.Execution, error) {
	if err := ctx.Err(); err != nil {
		return execution.Execution{}, err
	}
	fields, err := it.r.Read()
	if err == io.EOF {
		it.finish()
		return execution.Execution{}, io.EOF
	}
	if err != nil {
		err = errors.Wrap(execution.ErrCorruptRecord, err.Error())
		it.fail(err)
		return execution.Execution{}, err
	}
	e, err := execution.ParseRow(fields)
	if err != nil {
		it.fail(err)
		return execution.Execution{}, err
	}
	return e, nil
}

func (it *rawIterator) fail(err error) {
	if it.corrupt != nil {
		it.corrupt(err)
	}
	it.finish()
}

func (it *rawIterator) finish() {
	if it.end != nil {
		end := it.end
		it.end = nil
		end()
	}
}

func (it *rawIterator) Close() error {
	return it.f.Close()
}

// completeLength returns the length of the file up to and including its last line terminator.
func completeLength(f *os.File) (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	end := info.Size()
	buf := make([]byte, 4096)
	for end > 0 {
		start := end - int64(len(buf))
		if start < 0 {
			start = 0
		}
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && err != io.EOF {
			return 0, errors.WithStack(err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// sealRaw cuts an unterminated last row off the raw log and returns the number of bytes cut.
func sealRaw(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.WithStack(err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	complete, err := completeLength(f)
	if err != nil {
		return 0, err
	}
	if complete == info.Size() {
		return 0, nil
	}
	if err := f.Truncate(complete); err != nil {
		return 0, errors.WithStack(err)
	}
	return info.Size() - complete, nil
}

// parseLine parses one complete raw row without its line terminator.
func parseLine(line string) (execution.Execution, error) {
	return execution.ParseRow(strings.Split(strings.TrimRight(line, "\r\n"), string(delimiter)))
}

// rawTail returns the last valid row of the raw log. The boolean is false when there is none.
func rawTail(path string) (execution.Execution, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return execution.Execution{}, false, nil
		}
		return execution.Execution{}, false, errors.WithStack(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return execution.Execution{}, false, errors.WithStack(err)
	}
	offset := info.Size() - tailChunk
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return execution.Execution{}, false, errors.WithStack(err)
	}

	lines := strings.Split(string(buf), "\n")
	// The last element is either empty or an unterminated partial row.
	for i := len(lines) - 2; i >= 0; i-- {
		if i == 0 && offset > 0 {
			break
		}
		if e, err := parseLine(lines[i]); err == nil {
			return e, true, nil
		}
	}
	if offset == 0 {
		return execution.Execution{}, false, nil
	}
	return rawScanTail(path)
}

// rawScanTail reads the whole raw log for its last valid row.
func rawScanTail(path string) (execution.Execution, bool, error) {
	var (
		last  execution.Execution
		found bool
	)
	_, err := scanRaw(path, func(e execution.Execution) {
		last, found = e, true
	})
	return last, found, err
}

// scanRaw calls fn for every valid row from the start of the raw log and returns the byte
// offset just after the last valid row. Scanning stops at the first invalid or partial row.
func scanRaw(path string, fn func(execution.Execution)) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer f.Close()

	var valid int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return valid, nil
		}
		if err != nil {
			return valid, errors.WithStack(err)
		}
		e, perr := parseLine(line)
		if perr != nil {
			return valid, nil
		}
		fn(e)
		valid += int64(len(line))
	}
}

// truncateRaw cuts the raw log after its last valid row and returns the last valid execution.
func truncateRaw(path string) (execution.Execution, bool, error) {
	var (
		last  execution.Execution
		found bool
	)
	valid, err := scanRaw(path, func(e execution.Execution) {
		last, found = e, true
	})
	if err != nil {
		return execution.Execution{}, false, err
	}
	if err := os.Truncate(path, valid); err != nil {
		return execution.Execution{}, false, errors.WithStack(err)
	}
	return last, found, nil
}
