// transport/transport.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package transport abstracts the connection between the side that reads
// the source tree and the side that updates the mirror. Changes flow in
// batches; a Flush marks the end of a batch.
package transport

import (
	"sync"

	u "github.com/mmp/rbk/util"
)

type Conn interface {
	// Flush pushes any batched work to the other side.
	Flush() error
}

// Local is the connection used when both sides are in the same process.
type Local struct {
	Log *u.Logger
	n   int
}

func (l *Local) Flush() error {
	l.n++
	l.Log.Debug("flush %d", l.n)
	return nil
}

// Counting records the number of flushes.
type Counting struct {
	mu sync.Mutex
	n  int
}

func (c *Counting) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return nil
}

func (c *Counting) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
