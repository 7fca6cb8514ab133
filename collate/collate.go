// collate/collate.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package collate merge-joins index-ordered streams into aligned pairs.
package collate

import (
	"errors"
	"fmt"
	"io"

	"github.com/mmp/rbk/record"
)

// ErrOutOfOrder is returned when an input stream's indices don't
// strictly increase.
var ErrOutOfOrder = errors.New("index out of order")

// Stream is a pull iterator over index-ordered items that returns io.EOF
// when it's done.
type Stream[T any] interface {
	Next() (T, error)
}

// Joined holds the items from two streams that share an index. At least
// one of HasLeft and HasRight is set.
type Joined[A, B any] struct {
	Index             record.Index
	Left              A
	Right             B
	HasLeft, HasRight bool
}

type side[T any] struct {
	s       Stream[T]
	indexOf func(T) record.Index
	name    string
	next    T
	nextIdx record.Index
	have    bool
	done    bool
	last    record.Index
	started bool
}

func (s *side[T]) fill() error {
	if s.have || s.done {
		return nil
	}
	v, err := s.s.Next()
	if err == io.EOF {
		s.done = true
		return nil
	} else if err != nil {
		return err
	}
	idx := s.indexOf(v)
	if s.started && idx.Compare(s.last) <= 0 {
		return fmt.Errorf("%s stream: %s after %s: %w", s.name, idx, s.last, ErrOutOfOrder)
	}
	s.started = true
	s.last = idx
	s.next, s.nextIdx, s.have = v, idx, true
	return nil
}

func (s *side[T]) take() T {
	var zero T
	v := s.next
	s.next, s.have = zero, false
	return v
}

// Joiner merge-joins two streams. It holds at most one pending item from
// each side.
type Joiner[A, B any] struct {
	a side[A]
	b side[B]
}

func Join[A, B any](a Stream[A], aIndex func(A) record.Index,
	b Stream[B], bIndex func(B) record.Index) *Joiner[A, B] {
	return &Joiner[A, B]{
		a: side[A]{s: a, indexOf: aIndex, name: "first"},
		b: side[B]{s: b, indexOf: bIndex, name: "second"},
	}
}

func (j *Joiner[A, B]) Next() (*Joined[A, B], error) {
	if err := j.a.fill(); err != nil {
		return nil, err
	}
	if err := j.b.fill(); err != nil {
		return nil, err
	}

	switch {
	case !j.a.have && !j.b.have:
		return nil, io.EOF
	case !j.b.have:
		idx := j.a.nextIdx
		return &Joined[A, B]{Index: idx, Left: j.a.take(), HasLeft: true}, nil
	case !j.a.have:
		idx := j.b.nextIdx
		return &Joined[A, B]{Index: idx, Right: j.b.take(), HasRight: true}, nil
	}

	switch c := j.a.nextIdx.Compare(j.b.nextIdx); {
	case c < 0:
		idx := j.a.nextIdx
		return &Joined[A, B]{Index: idx, Left: j.a.take(), HasLeft: true}, nil
	case c > 0:
		idx := j.b.nextIdx
		return &Joined[A, B]{Index: idx, Right: j.b.take(), HasRight: true}, nil
	default:
		idx := j.a.nextIdx
		return &Joined[A, B]{Index: idx, Left: j.a.take(), Right: j.b.take(), HasLeft: true, HasRight: true}, nil
	}
}

///////////////////////////////////////////////////////////////////////////
// Record pairs

// Pair is a source record and a destination record with the same index;
// a side that doesn't exist is nil.
type Pair struct {
	Index  record.Index
	Source *record.Record
	Dest   *record.Record
}

// PairIterator is an index-ordered stream of Pairs.
type PairIterator interface {
	Next() (*Pair, error)
}

type Collator struct {
	j *Joiner[*record.Record, *record.Record]
}

func recordIndex(r *record.Record) record.Index {
	return r.Index
}

// New collates a source and a destination record stream. Records of kind
// Absent are reported as a nil side.
func New(source, dest record.Iterator) *Collator {
	return &Collator{Join[*record.Record, *record.Record](source, recordIndex, dest, recordIndex)}
}

func (c *Collator) Next() (*Pair, error) {
	for {
		jn, err := c.j.Next()
		if err != nil {
			return nil, err
		}
		p := &Pair{Index: jn.Index}
		if jn.Left.Exists() {
			p.Source = jn.Left
		}
		if jn.Right.Exists() {
			p.Dest = jn.Right
		}
		if p.Source == nil && p.Dest == nil {
			continue
		}
		return p, nil
	}
}
