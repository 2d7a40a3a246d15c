package execution

import (
	"context"
	"io"
)

// Iterator is a lazy, pull based sequence of executions.
// Next returns io.EOF once the sequence is exhausted. Close releases the underlying resources
// and may be called at any time, more than once.
type Iterator interface {
	Next(ctx context.Context) (Execution, error)
	Close() error
}

// Source opens an iterator on demand.
type Source func(ctx context.Context) (Iterator, error)

// Slice returns an iterator over the given executions.
func Slice(executions []Execution) Iterator {
	return &sliceIterator{executions: executions}
}

type sliceIterator struct {
	executions []Execution
	index      int
}

func (s *sliceIterator) Next(ctx context.Context) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, err
	}
	if s.index >= len(s.executions) {
		return Execution{}, io.EOF
	}
	e := s.executions[s.index]
	s.index++
	return e, nil
}

func (s *sliceIterator) Close() error {
	s.index = len(s.executions)
	return nil
}

// Empty returns an exhausted iterator.
func Empty() Iterator {
	return Slice(nil)
}

// Concat chains the given sources, each one is opened only when the previous one is exhausted.
func Concat(sources ...Source) Iterator {
	return &concatIterator{sources: sources}
}

type concatIterator struct {
	sources []Source
	current Iterator
}

func (c *concatIterator) Next(ctx context.Context) (Execution, error) {
	for {
		if c.current == nil {
			if len(c.sources) == 0 {
				return Execution{}, io.EOF
			}
			next := c.sources[0]
			c.sources = c.sources[1:]
			it, err := next(ctx)
			if err != nil {
				return Execution{}, err
			}
			c.current = it
		}
		e, err := c.current.Next(ctx)
		if err == io.EOF {
			if err := c.current.Close(); err != nil {
				return Execution{}, err
			}
			c.current = nil
			continue
		}
		return e, err
	}
}

func (c *concatIterator) Close() error {
	c.sources = nil
	if c.current == nil {
		return nil
	}
	err := c.current.Close()
	c.current = nil
	return err
}

// Increasing drops every execution whose id is not greater than the last one returned.
func Increasing(it Iterator) Iterator {
	return &increasingIterator{Iterator: it, last: -1}
}

type increasingIterator struct {
	Iterator
	last int64
}

func (i *increasingIterator) Next(ctx context.Context) (Execution, error) {
	for {
		e, err := i.Iterator.Next(ctx)
		if err != nil {
			return e, err
		}
		if e.ID > i.last {
			i.last = e.ID
			return e, nil
		}
	}
}

// Effect calls fn for every execution before it is returned.
func Effect(it Iterator, fn func(Execution)) Iterator {
	return &effectIterator{Iterator: it, fn: fn}
}

type effectIterator struct {
	Iterator
	fn func(Execution)
}

func (i *effectIterator) Next(ctx context.Context) (Execution, error) {
	e, err := i.Iterator.Next(ctx)
	if err == nil {
		i.fn(e)
	}
	return e, err
}

// Collect reads the iterator till io.EOF and closes it.
func Collect(ctx context.Context, it Iterator) ([]Execution, error) {
	defer it.Close()
	var executions []Execution
	for {
		e, err := it.Next(ctx)
		if err == io.EOF {
			return executions, nil
		}
		if err != nil {
			return executions, err
		}
		executions = append(executions, e)
	}
}

// First returns the first execution of the iterator and closes it.
// The boolean is false when the iterator is empty.
func First(ctx context.Context, it Iterator) (Execution, bool, error) {
	defer it.Close()
	e, err := it.Next(ctx)
	if err == io.EOF {
		return Execution{}, false, nil
	}
	if err != nil {
		return Execution{}, false, err
	}
	return e, true, nil
}

// Last returns the last execution of the iterator and closes it.
// The boolean is false when the iterator is empty.
func Last(ctx context.Context, it Iterator) (Execution, bool, error) {
	defer it.Close()
	var (
		last  Execution
		found bool
	)
	for {
		e, err := it.Next(ctx)
		if err == io.EOF {
			return last, found, nil
		}
		if err != nil {
			return Execution{}, false, err
		}
		last, found = e, true
	}
}
