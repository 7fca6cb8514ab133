// util/ratelimit.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Taken from skicka: gdrive/readers.go. (c)2015, Google, Inc. (BSD Licensed).
// Updated to use time.Ticker

package util

import (
	"io"
	"sync"
	"time"
)

///////////////////////////////////////////////////////////////////////////
// Bandwidth-limiting io.Reader

// Limiter doles out a per-second byte budget to the readers it wraps.
// The budget is replenished every 1/8th of a second by a ticker
// goroutine that runs until Stop is called.
type Limiter struct {
	mu             sync.Mutex
	cond           *sync.Cond
	bytesPerSecond int
	availableBytes int
	done           chan struct{}
}

// NewLimiter returns a Limiter for the given rate; a zero rate returns
// nil, which doesn't limit anything.
func NewLimiter(bytesPerSecond int) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	l := &Limiter{bytesPerSecond: bytesPerSecond, done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)

	// 1/8th of a second
	ticker := time.NewTicker(125 * time.Millisecond)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-l.done:
				return
			case <-ticker.C:
			}

			l.mu.Lock()
			// Release 1/8th of the per-second limit every 8th of a second,
			// but don't ever queue up more than one second's worth.
			l.availableBytes += l.bytesPerSecond / 8
			if l.availableBytes > l.bytesPerSecond {
				l.availableBytes = l.bytesPerSecond
			}
			l.cond.Broadcast()
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *Limiter) Stop() {
	if l == nil {
		return
	}
	close(l.done)
}

// Reader wraps r so that reads through it respect the limit.
func (l *Limiter) Reader(r io.Reader) io.Reader {
	if l == nil {
		return r
	}
	return &rateLimitedReader{R: r, l: l}
}

type rateLimitedReader struct {
	R io.Reader
	l *Limiter
}

func (lr *rateLimitedReader) Read(dst []byte) (int, error) {
	l := lr.l

	// Loop until some amount of bandwidth is available.
	l.mu.Lock()
	for l.availableBytes <= 0 {
		l.cond.Wait()
	}

	n := len(dst)
	if n > l.availableBytes {
		n = l.availableBytes
	}
	l.availableBytes -= n
	l.mu.Unlock()

	read, err := lr.R.Read(dst[:n])
	if read < n {
		// Give back the bandwidth that we reserved but didn't use.
		l.mu.Lock()
		l.availableBytes += n - read
		l.mu.Unlock()
	}

	return read, err
}
