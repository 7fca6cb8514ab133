// stats/stats.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package stats accumulates per-session statistics and recoverable
// per-file errors, and records them to the repository.
package stats

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
)

// SessionStats holds the totals for one backup session.
type SessionStats struct {
	StartTime, EndTime time.Time

	SourceFiles, SourceFileSize       int64
	MirrorFiles, MirrorFileSize       int64
	NewFiles, NewFileSize             int64
	DeletedFiles, DeletedFileSize     int64
	ChangedFiles                      int64
	ChangedSourceSize                 int64
	ChangedMirrorSize                 int64
	IncrementFiles, IncrementFileSize int64
	Errors                            int64
}

func New(start time.Time) *SessionStats {
	return &SessionStats{StartTime: start}
}

func (s *SessionStats) AddSource(r *record.Record) {
	s.SourceFiles++
	s.SourceFileSize += r.Size
}

func (s *SessionStats) AddDest(r *record.Record) {
	s.MirrorFiles++
	s.MirrorFileSize += r.Size
}

// AddChanged counts a changed entry as new, deleted or changed depending
// on which sides exist.
func (s *SessionStats) AddChanged(src, dst *record.Record) {
	switch {
	case src.Exists() && dst.Exists():
		s.ChangedFiles++
		s.ChangedSourceSize += src.Size
		s.ChangedMirrorSize += dst.Size
	case src.Exists():
		s.NewFiles++
		s.NewFileSize += src.Size
	case dst.Exists():
		s.DeletedFiles++
		s.DeletedFileSize += dst.Size
	}
}

func (s *SessionStats) AddIncrement(size int64) {
	s.IncrementFiles++
	s.IncrementFileSize += size
}

func (s *SessionStats) TotalDestinationSizeChange() int64 {
	return s.SourceFileSize - s.MirrorFileSize + s.IncrementFileSize
}

func (s *SessionStats) Elapsed() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

type statLine struct {
	name string
	v    *int64
	size bool
}

func (s *SessionStats) lines() []statLine {
	return []statLine{
		{"SourceFiles", &s.SourceFiles, false},
		{"SourceFileSize", &s.SourceFileSize, true},
		{"MirrorFiles", &s.MirrorFiles, false},
		{"MirrorFileSize", &s.MirrorFileSize, true},
		{"NewFiles", &s.NewFiles, false},
		{"NewFileSize", &s.NewFileSize, true},
		{"DeletedFiles", &s.DeletedFiles, false},
		{"DeletedFileSize", &s.DeletedFileSize, true},
		{"ChangedFiles", &s.ChangedFiles, false},
		{"ChangedSourceSize", &s.ChangedSourceSize, true},
		{"ChangedMirrorSize", &s.ChangedMirrorSize, true},
		{"IncrementFiles", &s.IncrementFiles, false},
		{"IncrementFileSize", &s.IncrementFileSize, true},
		{"Errors", &s.Errors, false},
	}
}

// WriteTo writes the statistics in the key/value text form used for
// session_statistics files.
func (s *SessionStats) WriteTo(w io.Writer) (int64, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "StartTime %d (%s)\n", s.StartTime.Unix(), s.StartTime.Format(time.ANSIC))
	fmt.Fprintf(&b, "EndTime %d (%s)\n", s.EndTime.Unix(), s.EndTime.Format(time.ANSIC))
	fmt.Fprintf(&b, "ElapsedTime %.2f (%s)\n", s.Elapsed().Seconds(), s.Elapsed().Round(time.Millisecond))
	for _, l := range s.lines() {
		if l.size {
			fmt.Fprintf(&b, "%s %d (%s)\n", l.name, *l.v, u.FmtBytes(*l.v))
		} else {
			fmt.Fprintf(&b, "%s %d\n", l.name, *l.v)
		}
	}
	tc := s.TotalDestinationSizeChange()
	fmt.Fprintf(&b, "TotalDestinationSizeChange %d (%s)\n", tc, u.FmtBytes(tc))
	n, err := io.WriteString(w, b.String())
	return int64(n), err
}

// Parse reads statistics written by WriteTo.
func Parse(r io.Reader) (*SessionStats, error) {
	s := &SessionStats{}
	fields := map[string]*int64{}
	for _, l := range s.lines() {
		fields[l.name] = l.v
	}

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 2 {
			continue
		}
		v, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			// ElapsedTime and the like.
			continue
		}
		switch f[0] {
		case "StartTime":
			s.StartTime = time.Unix(v, 0)
		case "EndTime":
			s.EndTime = time.Unix(v, 0)
		default:
			if p, ok := fields[f[0]]; ok {
				*p = v
			}
		}
	}
	return s, sc.Err()
}

// Log prints a summary of the statistics.
func (s *SessionStats) Log(log *u.Logger) {
	log.Verbose("%d source files (%s), %d mirror files (%s)", s.SourceFiles,
		u.FmtBytes(s.SourceFileSize), s.MirrorFiles, u.FmtBytes(s.MirrorFileSize))
	log.Verbose("%d new, %d deleted, %d changed; %d increments (%s)", s.NewFiles,
		s.DeletedFiles, s.ChangedFiles, s.IncrementFiles, u.FmtBytes(s.IncrementFileSize))
	log.Verbose("destination size change %s in %s, %d errors",
		u.FmtBytes(s.TotalDestinationSizeChange()), s.Elapsed().Round(time.Millisecond), s.Errors)
}
