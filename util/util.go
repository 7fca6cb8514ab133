// util/util.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

///////////////////////////////////////////////////////////////////////////
// ReportingReader

// ReportingReader wraps an io.Reader, logging how much has been read and
// how quickly every Every bytes. Reads of small files are never
// reported.
type ReportingReader struct {
	R   io.Reader
	Msg string
	Log *Logger
	// Every is the number of bytes between reports; zero means
	// DefaultReportInterval.
	Every int64

	start   time.Time
	n, next int64
	reports int
}

const DefaultReportInterval = 128 * 1024 * 1024

func (r *ReportingReader) Read(buf []byte) (int, error) {
	if r.start.IsZero() {
		r.start = time.Now()
		r.next = r.interval()
	}
	n, err := r.R.Read(buf)
	r.n += int64(n)
	for r.n >= r.next {
		r.report("")
		r.next += r.interval()
	}
	return n, err
}

func (r *ReportingReader) interval() int64 {
	if r.Every > 0 {
		return r.Every
	}
	return DefaultReportInterval
}

func (r *ReportingReader) report(prefix string) {
	r.reports++
	elapsed := time.Since(r.start).Seconds()
	if elapsed <= 0 {
		elapsed = 1e-9
	}
	r.Log.Verbose("%s%s: %s [%s/s]", prefix, r.Msg, FmtBytes(r.n),
		FmtBytes(int64(float64(r.n)/elapsed)))
}

// Close reports the total if anything was reported along the way, and
// closes R if it's an io.Closer.
func (r *ReportingReader) Close() error {
	if r.reports > 0 {
		r.report("finished ")
	}
	if c, ok := r.R.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Utility Functions

func FmtBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
