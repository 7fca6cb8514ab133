// backup/session.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup updates a mirror from a source tree, optionally keeping
// reverse increments of everything it overwrites.
package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mmp/rbk/cache"
	"github.com/mmp/rbk/collate"
	"github.com/mmp/rbk/delta"
	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/stats"
	"github.com/mmp/rbk/transport"
	"github.com/mmp/rbk/tree"
	u "github.com/mmp/rbk/util"
)

// ErrDirectory wraps failures to update a directory or to write its
// increment; they abort the session.
var ErrDirectory = errors.New("directory update failed")

// DefaultFlushThreshold is the default number of unchanged files between
// flushes of the connection.
const DefaultFlushThreshold = 500

type Options struct {
	// Owner sets ownership on mirrored files; only root can do this.
	Owner bool
	// CacheSize is the size of the collated cache window; it must be
	// larger than FlushThreshold.
	CacheSize      int
	FlushThreshold int
	// Hardlinks mirrors hard links among source files as hard links.
	Hardlinks bool
	// RelaxPerms makes mirror directories owner-accessible while they
	// are being processed.
	RelaxPerms bool
	Increments increment.Options
	// Limiter, if non-nil, limits the rate at which file contents are
	// read from the source.
	Limiter *u.Limiter
	Log     *u.Logger
}

func DefaultOptions() Options {
	root := os.Geteuid() == 0
	return Options{
		Owner:          root,
		CacheSize:      cache.DefaultSize,
		FlushThreshold: DefaultFlushThreshold,
		Hardlinks:      true,
		RelaxPerms:     !root,
		Increments: increment.Options{
			Compress:  true,
			SplitBits: delta.DefaultSplitBits,
			Owner:     root,
		},
	}
}

// Session holds the state of one pass over a source and mirror pair.
type Session struct {
	SourceRoot string
	MirrorRoot string
	// Time is the time of the session.
	Time time.Time

	Conn     transport.Conn
	Errors   stats.ErrorSink
	Stats    *stats.SessionStats
	Metadata cache.MetadataWriter
	Opts     Options
	// Now returns the current time for the statistics; defaults to
	// time.Now.
	Now func() time.Time

	cache *cache.Cache
	root  bool
}

func (s *Session) log() *u.Logger {
	return s.Opts.Log
}

func (s *Session) recordError(kind stats.ErrorKind, idx record.Index, err error) {
	if s.Errors != nil {
		s.Errors.Record(kind, idx, err)
	} else {
		s.log().Warning("%s %s: %s", kind, idx, err)
	}
}

func (s *Session) init() error {
	if s.Opts.CacheSize == 0 {
		s.Opts.CacheSize = cache.DefaultSize
	}
	if s.Opts.FlushThreshold == 0 {
		s.Opts.FlushThreshold = DefaultFlushThreshold
	}
	if s.Opts.CacheSize <= s.Opts.FlushThreshold {
		return fmt.Errorf("cache size %d must be larger than flush threshold %d",
			s.Opts.CacheSize, s.Opts.FlushThreshold)
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Stats == nil {
		s.Stats = stats.New(s.Now())
	}
	if s.Conn == nil {
		s.Conn = &transport.Local{Log: s.log()}
	}
	s.root = os.Geteuid() == 0
	return nil
}

func changeIndex(c *Change) record.Index {
	return c.Index
}

// apply runs the change stream for source and dest through a reducer
// whose branches come from newBranch.
func (s *Session) apply(source, dest record.Iterator, newBranch func() tree.Branch[*Change]) (*stats.SessionStats, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	s.cache = cache.New(collate.New(source, dest), cache.Options{
		Size:       s.Opts.CacheSize,
		Stats:      s.Stats,
		Metadata:   s.Metadata,
		Hardlinks:  s.Opts.Hardlinks,
		RelaxPerms: s.Opts.RelaxPerms && !s.root,
		MirrorRoot: s.MirrorRoot,
		Log:        s.log(),
	})

	changes := newChangeStream(s)
	red := tree.New(changeIndex, newBranch, s.log())
	err := func() error {
		for {
			c, err := changes.Next()
			if err == io.EOF {
				return red.Finish()
			} else if err != nil {
				return err
			}
			if c.Flush {
				if err := s.Conn.Flush(); err != nil {
					return err
				}
				continue
			}
			if err := red.Process(c); err != nil {
				return err
			}
		}
	}()

	if cerr := s.cache.Close(err == nil); err == nil {
		err = cerr
	}
	s.Stats.EndTime = s.Now()
	if err != nil {
		return s.Stats, err
	}
	return s.Stats, nil
}

// Mirror updates the mirror at s.MirrorRoot to match the source without
// keeping increments. dest describes the mirror's current contents.
func Mirror(s *Session, source, dest record.Iterator) (*stats.SessionStats, error) {
	return s.apply(source, dest, func() tree.Branch[*Change] {
		return &PatchBranch{s: s}
	})
}

// MirrorAndIncrement updates the mirror like Mirror, first saving
// increments for everything it changes under incRoot, stamped with
// prevTime, the time of the session the mirror currently reflects.
func MirrorAndIncrement(s *Session, source, dest record.Iterator, incRoot string,
	prevTime time.Time) (*stats.SessionStats, error) {
	return s.apply(source, dest, func() tree.Branch[*Change] {
		return &IncrementBranch{PatchBranch: PatchBranch{s: s}, incRoot: incRoot, prevTime: prevTime}
	})
}
