// tree/tree.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package tree turns a flat, index-ordered stream into the enter / leaf /
// exit call sequence of a depth-first walk, without holding the tree in
// memory.
package tree

import (
	"errors"
	"fmt"

	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
)

var (
	// ErrOutOfOrder is returned for an index smaller than its predecessor.
	ErrOutOfOrder = errors.New("decreasing index")
	// ErrOutsideRoot is returned for an index that isn't under the first
	// index the Reducer saw.
	ErrOutsideRoot = errors.New("index outside of root")

	errFinished = errors.New("reducer already finished")
)

// Branch holds the per-directory state of one walk mode. The Reducer
// creates a Branch for each directory it enters; leaves that don't need
// a Branch of their own are handed to the enclosing directory's Branch.
type Branch[T any] interface {
	// CanFastProcess reports whether item is a leaf that can be handled
	// by FastProcess rather than opening a new branch.
	CanFastProcess(item T) bool
	FastProcess(item T) error
	// StartProcess is called on a new Branch with the item that opens it.
	StartProcess(item T) error
	// EndProcess is called once every descendant has been processed.
	EndProcess() error
	// BranchProcess is called on a parent after its child's EndProcess.
	BranchProcess(child Branch[T]) error
}

type frame[T any] struct {
	index  record.Index
	branch Branch[T]
}

// Reducer drives Branches from an ascending stream of items.
type Reducer[T any] struct {
	indexOf   func(T) record.Index
	newBranch func() Branch[T]
	log       *u.Logger

	stack    []frame[T]
	last     record.Index
	started  bool
	finished bool

	// Root is the branch for the first item; nil if that item was
	// fast-processed.
	Root Branch[T]
}

// New returns a Reducer that uses newBranch to create the Branch for
// each directory it opens.
func New[T any](indexOf func(T) record.Index, newBranch func() Branch[T],
	log *u.Logger) *Reducer[T] {
	return &Reducer[T]{indexOf: indexOf, newBranch: newBranch, log: log}
}

// Process feeds the next item of the stream to the Reducer.
func (r *Reducer[T]) Process(item T) error {
	if r.finished {
		return errFinished
	}
	idx := r.indexOf(item)

	if !r.started {
		r.started = true
		r.last = idx
		b := r.newBranch()
		if b.CanFastProcess(item) {
			return b.FastProcess(item)
		}
		r.Root = b
		if err := b.StartProcess(item); err != nil {
			return err
		}
		r.stack = append(r.stack, frame[T]{idx, b})
		return nil
	}

	switch c := idx.Compare(r.last); {
	case c == 0:
		r.log.Warning("%s: repeated index ignored", idx)
		return nil
	case c < 0:
		return fmt.Errorf("%s after %s: %w", idx, r.last, ErrOutOfOrder)
	}
	r.last = idx

	if err := r.closeBranches(idx, false); err != nil {
		return err
	}
	if len(r.stack) == 0 {
		return fmt.Errorf("%s: %w", idx, ErrOutsideRoot)
	}

	parent := r.stack[len(r.stack)-1].branch
	if parent.CanFastProcess(item) {
		return parent.FastProcess(item)
	}
	b := r.newBranch()
	if err := b.StartProcess(item); err != nil {
		return err
	}
	r.stack = append(r.stack, frame[T]{idx, b})
	return nil
}

// closeBranches ends every open branch that idx isn't a descendant of
// (or all of them), innermost first.
func (r *Reducer[T]) closeBranches(idx record.Index, all bool) error {
	for len(r.stack) > 0 {
		top := r.stack[len(r.stack)-1]
		if !all && top.index.IsAncestorOf(idx) {
			return nil
		}
		r.stack = r.stack[:len(r.stack)-1]
		if err := top.branch.EndProcess(); err != nil {
			return err
		}
		if len(r.stack) > 0 {
			if err := r.stack[len(r.stack)-1].branch.BranchProcess(top.branch); err != nil {
				return err
			}
		}
	}
	return nil
}

// Finish closes all remaining open branches, innermost first.
func (r *Reducer[T]) Finish() error {
	if r.finished {
		return nil
	}
	r.finished = true
	return r.closeBranches(nil, true)
}
