// backup/changes.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"bytes"
	"errors"
	"io"
	"os"

	"github.com/mmp/rbk/cache"
	"github.com/mmp/rbk/delta"
	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
)

// Change describes the new state of one path.
type Change struct {
	Index record.Index
	// Rec is the new state; its Kind is Absent for a deletion. Regular
	// files carry their contents as an attachment.
	Rec *record.Record
	// LinkTo, if set, is the index of an already-mirrored file that Rec
	// should be a hard link to.
	LinkTo record.Index
	// Flush marks a point where the connection should be flushed; no
	// other fields are set.
	Flush bool
}

// changeStream pulls pairs through the cache and returns a Change for
// every pair whose sides differ. Enclosing directories of a change that
// haven't been returned themselves are returned before it, so that the
// reducer always sees a complete path from the root.
type changeStream struct {
	s         *Session
	pending   []*Change
	open      []record.Index // returned ancestors of the last change
	unchanged int
	started   bool
}

func newChangeStream(s *Session) *changeStream {
	return &changeStream{s: s}
}

func (cs *changeStream) Next() (*Change, error) {
	for len(cs.pending) == 0 {
		p, err := cs.s.cache.Next()
		if err != nil {
			return nil, err
		}
		first := !cs.started
		cs.started = true

		if cs.unchangedPair(p.Source, p.Dest) {
			cs.keepHash(p.Index, p.Source, p.Dest)
			// The root is always returned, so that every session leaves
			// a trace in the increments.
			if first && p.Index.IsRoot() {
				if err := cs.fillIn(p.Index, true); err != nil {
					return nil, err
				}
				continue
			}
			cs.unchanged++
			if cs.unchanged >= cs.s.Opts.FlushThreshold {
				cs.unchanged = 0
				return &Change{Flush: true}, nil
			}
			continue
		}

		if err := cs.s.cache.FlagChanged(p.Index); err != nil {
			return nil, err
		}
		if err := cs.fillIn(p.Index, false); err != nil {
			return nil, err
		}
		cs.pending = append(cs.pending, cs.makeChange(p.Index, p.Source))
	}
	c := cs.pending[0]
	cs.pending = cs.pending[1:]
	return c, nil
}

func (cs *changeStream) unchangedPair(src, dst *record.Record) bool {
	if !record.Equal(src, dst, cs.s.Opts.Owner) {
		return false
	}
	return !cs.s.Opts.Hardlinks || cs.s.cache.Links.Eq(src, dst)
}

// keepHash carries the content hash of an unchanged file over from the
// destination record, so the metadata keeps it.
func (cs *changeStream) keepHash(idx record.Index, src, dst *record.Record) {
	if src.IsReg() && src.Hash == "" && dst != nil && dst.Hash != "" {
		cs.updateHash(idx, dst.Hash)
	}
}

// fillIn queues changes for the ancestors of idx that haven't been
// returned yet (and for idx itself if self is set), using their source
// records.
func (cs *changeStream) fillIn(idx record.Index, self bool) error {
	for len(cs.open) > 0 && !cs.open[len(cs.open)-1].IsAncestorOf(idx) {
		cs.open = cs.open[:len(cs.open)-1]
	}
	end := len(idx)
	if self {
		end++
	}
	for d := len(cs.open); d < end; d++ {
		anc := idx[:d:d]
		e, err := cs.s.cache.Get(anc)
		if err != nil {
			return err
		}
		if cs.s.cache.InCache(anc) {
			if err := cs.s.cache.FlagChanged(anc); err != nil {
				return err
			}
		}
		rec := e.Source
		if rec == nil {
			rec = record.NewAbsent(anc)
		}
		cs.pending = append(cs.pending, &Change{Index: anc, Rec: rec})
		cs.open = append(cs.open, anc)
	}
	if !self {
		cs.open = append(cs.open, idx)
	}
	return nil
}

func (cs *changeStream) makeChange(idx record.Index, src *record.Record) *Change {
	if src == nil {
		return &Change{Index: idx, Rec: record.NewAbsent(idx)}
	}
	c := &Change{Index: idx, Rec: src}
	if cs.s.Opts.Hardlinks && cs.s.cache.Links.IsLinked(src) {
		c.LinkTo, _ = cs.s.cache.Links.LinkIndex(src)
		if err := cs.s.cache.UpdateHardlinkHash(idx); err != nil {
			cs.s.log().Warning("%s", err)
		}
		return c
	}
	if !src.IsReg() {
		return c
	}

	dst, err := cs.s.cache.GetMirror(idx)
	if err != nil {
		// Sent as a snapshot.
		cs.s.log().Warning("%s", err)
	}
	if dst.IsReg() {
		src.Attach(record.NewAttachment(record.Diff, func() (io.ReadCloser, error) {
			return cs.openDiff(idx)
		}))
	} else {
		src.Attach(record.NewAttachment(record.Snapshot, func() (io.ReadCloser, error) {
			return cs.openSnapshot(idx)
		}))
	}
	return c
}

// sourceReader reads a source file at the configured rate, logging
// progress through large files.
func (cs *changeStream) sourceReader(f *os.File) io.Reader {
	return &u.ReportingReader{
		R:   cs.s.Opts.Limiter.Reader(f),
		Msg: f.Name(),
		Log: cs.s.Opts.Log,
	}
}

func (cs *changeStream) openSnapshot(idx record.Index) (io.ReadCloser, error) {
	f, err := os.Open(idx.Path(cs.s.SourceRoot))
	if err != nil {
		return nil, err
	}
	return &hashingReader{
		r: cs.sourceReader(f),
		c: f,
		h: record.NewHasher(),
		done: func(hash string) {
			cs.updateHash(idx, hash)
		},
	}, nil
}

// openDiff computes a delta from the mirror's version of idx to the
// source's in a temporary file and returns a reader for it.
func (cs *changeStream) openDiff(idx record.Index) (io.ReadCloser, error) {
	mf, err := os.Open(idx.Path(cs.s.MirrorRoot))
	if err != nil {
		return nil, err
	}
	var sig bytes.Buffer
	err = delta.WriteSignature(mf, &sig, cs.splitBits())
	mf.Close()
	if err != nil {
		return nil, err
	}

	sf, err := os.Open(idx.Path(cs.s.SourceRoot))
	if err != nil {
		return nil, err
	}
	defer sf.Close()
	tmp, err := os.CreateTemp("", "rbk-delta-")
	if err != nil {
		return nil, err
	}
	os.Remove(tmp.Name())

	hash, err := delta.Delta(&sig, cs.sourceReader(sf), tmp)
	if err == nil {
		_, err = tmp.Seek(0, io.SeekStart)
	}
	if err != nil {
		tmp.Close()
		return nil, err
	}
	cs.updateHash(idx, hash)
	return tmp, nil
}

func (cs *changeStream) splitBits() uint {
	if b := cs.s.Opts.Increments.SplitBits; b != 0 {
		return b
	}
	return delta.DefaultSplitBits
}

func (cs *changeStream) updateHash(idx record.Index, hash string) {
	if err := cs.s.cache.UpdateHash(idx, hash); err != nil && !errors.Is(err, cache.ErrBelowWindow) {
		cs.s.log().Warning("%s", err)
	}
}

// hashingReader computes the hash of everything read through it and
// reports it once the end is reached.
type hashingReader struct {
	r    io.Reader
	c    io.Closer
	h    *record.Hasher
	done func(hash string)
}

func (h *hashingReader) Read(b []byte) (int, error) {
	n, err := h.r.Read(b)
	h.h.Write(b[:n])
	if err == io.EOF && h.done != nil {
		h.done(h.h.Sum())
		h.done = nil
	}
	return n, err
}

func (h *hashingReader) Close() error {
	return h.c.Close()
}
