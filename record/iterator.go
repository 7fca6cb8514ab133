// record/iterator.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package record

import (
	"io"
	"sort"
)

// Iterator is a lazy, single-pass, index-ordered stream of records. Next
// returns io.EOF once the stream is exhausted.
type Iterator interface {
	Next() (*Record, error)
}

type sliceIterator struct {
	recs []*Record
}

// FromSlice returns an Iterator over the given records, which must
// already be in increasing index order.
func FromSlice(recs []*Record) Iterator {
	return &sliceIterator{recs}
}

func (s *sliceIterator) Next() (*Record, error) {
	if len(s.recs) == 0 {
		return nil, io.EOF
	}
	r := s.recs[0]
	s.recs = s.recs[1:]
	return r, nil
}

// SortByIndex sorts records into increasing index order.
func SortByIndex(recs []*Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Index.Less(recs[j].Index) })
}

// Collect drains an Iterator into a slice.
func Collect(it Iterator) ([]*Record, error) {
	var recs []*Record
	for {
		r, err := it.Next()
		if err == io.EOF {
			return recs, nil
		} else if err != nil {
			return recs, err
		}
		recs = append(recs, r)
	}
}

// Func adapts a function to the Iterator interface.
type Func func() (*Record, error)

func (f Func) Next() (*Record, error) {
	return f()
}
