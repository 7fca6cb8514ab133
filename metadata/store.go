// metadata/store.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package metadata stores the record of every file in the mirror at the
// end of each session. The newest session's records are kept as a
// complete snapshot; older ones are kept as diffs against the next newer
// session, holding only the records that differ (or an absent record for
// files that didn't exist then).
package metadata

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mmp/rbk/collate"
	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/rdso"
	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
)

var (
	ErrNotFound   = errors.New("no metadata for time")
	ErrOutOfOrder = errors.New("index out of order")
)

// BaseName is the base of the metadata file names.
const BaseName = "mirror_metadata"

// DefaultMaxChain is the default limit on consecutive diffs.
const DefaultMaxChain = 8

// File is one metadata file in the store.
type File struct {
	Time time.Time
	Kind increment.Kind // Snapshot or Diff
	Path string
}

type Store struct {
	Dir string
	// MaxChain limits how many consecutive sessions are kept as diffs
	// before a snapshot is kept.
	MaxChain int
	// Parity enables Reed-Solomon parity files for snapshots.
	Parity bool
	Log    *u.Logger
}

func (s *Store) path(t time.Time, kind increment.Kind) string {
	n := increment.Name{Base: BaseName, Time: t, Kind: kind, Gzip: true}
	return filepath.Join(s.Dir, n.String())
}

// List returns the store's files, oldest first.
func (s *Store) List() ([]File, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []File
	for _, e := range entries {
		n, ok := increment.ParseName(e.Name())
		if !ok || n.Base != BaseName || !n.Gzip || (n.Kind != increment.Snapshot && n.Kind != increment.Diff) {
			continue
		}
		files = append(files, File{Time: n.Time, Kind: n.Kind, Path: filepath.Join(s.Dir, e.Name())})
	}
	sortFiles(files)
	// A snapshot and a diff for the same time are left by a session
	// interrupted while converting the snapshot; the snapshot is
	// complete on its own.
	out := files[:0]
	for _, f := range files {
		if n := len(out); n > 0 && out[n-1].Time.Equal(f.Time) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// sortFiles orders files by time, with a snapshot before a diff for the
// same time.
func sortFiles(files []File) {
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].Time.Equal(files[j].Time) {
			return files[i].Time.Before(files[j].Time)
		}
		return files[i].Kind == increment.Snapshot && files[j].Kind != increment.Snapshot
	})
}

// RemoveStaleDiffs deletes diffs that have a snapshot for the same time.
func (s *Store) RemoveStaleDiffs() error {
	files, err := s.List()
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Kind != increment.Snapshot {
			continue
		}
		diff := s.path(f.Time, increment.Diff)
		if _, err := os.Stat(diff); err == nil {
			s.Log.Verbose("removing %s", diff)
			if err := s.remove(diff); err != nil {
				return err
			}
		}
	}
	return nil
}

// Lookup returns the file for time t.
func (s *Store) Lookup(t time.Time) (File, error) {
	files, err := s.List()
	if err != nil {
		return File{}, err
	}
	for _, f := range files {
		if f.Time.Equal(t) {
			return f, nil
		}
	}
	return File{}, fmt.Errorf("%s: %w", increment.FormatTime(t), ErrNotFound)
}

// Latest returns the newest file, if there is one.
func (s *Store) Latest() (File, bool, error) {
	files, err := s.List()
	if err != nil || len(files) == 0 {
		return File{}, false, err
	}
	return files[len(files)-1], true, nil
}

// Create starts a new snapshot for time t.
func (s *Store) Create(t time.Time) (*Writer, error) {
	return NewWriter(s.path(t, increment.Snapshot))
}

// Finish closes a snapshot writer and writes its parity file.
func (s *Store) Finish(w *Writer) error {
	if err := w.Close(); err != nil {
		return err
	}
	return s.writeParity(w.Path())
}

func (s *Store) writeParity(path string) error {
	if !s.Parity {
		return nil
	}
	err := rdso.EncodeFile(path, rdso.ParityPath(path), rdso.DefaultDataShards,
		rdso.DefaultParityShards, rdso.DefaultHashRate)
	if err != nil {
		return fmt.Errorf("%s: parity: %w", path, err)
	}
	return nil
}

func (s *Store) remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(rdso.ParityPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Delete removes the metadata file for time t, if there is one.
func (s *Store) Delete(t time.Time) error {
	for _, k := range []increment.Kind{increment.Snapshot, increment.Diff} {
		if err := s.remove(s.path(t, k)); err != nil {
			return err
		}
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Reading

// Stream is an index-ordered record stream that holds open files.
type Stream interface {
	record.Iterator
	Close() error
}

// ReadAt returns the records of the session at time t. For a diff, the
// chain of diffs up to the next snapshot is resolved as the stream is
// read. Absent records never appear in the result.
func (s *Store) ReadAt(t time.Time) (Stream, error) {
	files, err := s.List()
	if err != nil {
		return nil, err
	}
	start := -1
	for i, f := range files {
		if f.Time.Equal(t) {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, fmt.Errorf("%s: %w", increment.FormatTime(t), ErrNotFound)
	}
	end := start
	for end < len(files) && files[end].Kind == increment.Diff {
		end++
	}
	if end == len(files) {
		return nil, fmt.Errorf("%s: no snapshot after diff chain: %w", increment.FormatTime(t), ErrNotFound)
	}

	var readers []*Reader
	closeAll := func() {
		for _, r := range readers {
			r.Close()
		}
	}
	for i := end; i >= start; i-- {
		r, err := Open(files[i].Path)
		if err != nil {
			closeAll()
			return nil, err
		}
		readers = append(readers, r)
	}

	var it record.Iterator = readers[0]
	for _, d := range readers[1:] {
		it = &patched{j: collate.Join[*record.Record, *record.Record](it, recordIndex, d, recordIndex)}
	}
	return &stream{Iterator: &present{it}, readers: readers}, nil
}

func recordIndex(r *record.Record) record.Index {
	return r.Index
}

// patched applies a diff stream to a newer stream.
type patched struct {
	j *collate.Joiner[*record.Record, *record.Record]
}

func (p *patched) Next() (*record.Record, error) {
	jn, err := p.j.Next()
	if err != nil {
		return nil, err
	}
	if jn.HasRight {
		return jn.Right, nil
	}
	return jn.Left, nil
}

// present filters out absent records.
type present struct {
	record.Iterator
}

func (p *present) Next() (*record.Record, error) {
	for {
		r, err := p.Iterator.Next()
		if err != nil || r.Exists() {
			return r, err
		}
	}
}

type stream struct {
	record.Iterator
	readers []*Reader
}

func (s *stream) Close() error {
	var err error
	for _, r := range s.readers {
		if cerr := r.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

///////////////////////////////////////////////////////////////////////////
// Diffs

// ConvertToDiff replaces the snapshot at prev with a diff against the
// snapshot at cur, unless that would make the run of consecutive diffs
// longer than MaxChain. It reports whether the conversion happened.
func (s *Store) ConvertToDiff(prev, cur time.Time) (bool, error) {
	files, err := s.List()
	if err != nil {
		return false, err
	}
	pi, ci := -1, -1
	for i, f := range files {
		if f.Time.Equal(prev) {
			pi = i
		} else if f.Time.Equal(cur) {
			ci = i
		}
	}
	if pi == -1 || ci == -1 || files[pi].Kind != increment.Snapshot || files[ci].Kind != increment.Snapshot {
		return false, nil
	}
	maxChain := s.MaxChain
	if maxChain == 0 {
		maxChain = DefaultMaxChain
	}
	run := 1
	for i := pi - 1; i >= 0 && files[i].Kind == increment.Diff; i-- {
		run++
	}
	if run > maxChain {
		s.Log.Verbose("keeping %s metadata snapshot: %d consecutive diffs", increment.FormatTime(prev), run-1)
		return false, nil
	}

	if err := s.writeDiff(files[pi].Path, files[ci].Path, s.path(prev, increment.Diff)); err != nil {
		return false, err
	}
	if err := s.remove(files[pi].Path); err != nil {
		return true, err
	}
	return true, nil
}

func (s *Store) writeDiff(olderPath, newerPath, diffPath string) error {
	older, err := Open(olderPath)
	if err != nil {
		return err
	}
	defer older.Close()
	newer, err := Open(newerPath)
	if err != nil {
		return err
	}
	defer newer.Close()

	w, err := NewWriter(diffPath)
	if err != nil {
		return err
	}
	j := collate.Join[*record.Record, *record.Record](older, recordIndex, newer, recordIndex)
	for {
		jn, err := j.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			w.Abort()
			return err
		}

		var out *record.Record
		switch {
		case jn.HasLeft && jn.HasRight:
			if !sameRecord(jn.Left, jn.Right) {
				out = jn.Left
			}
		case jn.HasLeft:
			out = jn.Left
		default:
			out = record.NewAbsent(jn.Index)
		}
		if out != nil {
			if err := w.Write(out); err != nil {
				w.Abort()
				return err
			}
		}
	}
	return w.Close()
}

// sameRecord reports whether two records would restore identically,
// including ownership and content hash.
func sameRecord(a, b *record.Record) bool {
	return record.Equal(a, b, true) && a.Hash == b.Hash && a.UName == b.UName && a.GName == b.GName &&
		a.NLink == b.NLink
}

// Materialize turns the metadata at time t into a snapshot, if it's a
// diff.
func (s *Store) Materialize(t time.Time) error {
	f, err := s.Lookup(t)
	if err != nil {
		return err
	}
	if f.Kind == increment.Snapshot {
		return nil
	}

	in, err := s.ReadAt(t)
	if err != nil {
		return err
	}
	defer in.Close()
	w, err := s.Create(t)
	if err != nil {
		return err
	}
	for {
		r, err := in.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			w.Abort()
			return err
		}
		if err := w.Write(r); err != nil {
			w.Abort()
			return err
		}
	}
	if err := s.Finish(w); err != nil {
		return err
	}
	return s.remove(f.Path)
}

// Verify checks the parity files of every snapshot, repairing corrupt
// snapshots if repair is set. Snapshots without parity are skipped.
func (s *Store) Verify(repair bool) (checked int, err error) {
	files, err := s.List()
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		rs := rdso.ParityPath(f.Path)
		if _, err := os.Stat(rs); err != nil {
			continue
		}
		checked++
		err := rdso.CheckFile(f.Path, rs, s.Log)
		if errors.Is(err, rdso.ErrFileCorrupt) && repair {
			s.Log.Warning("%s: repairing", f.Path)
			err = rdso.RestoreFile(f.Path, rs, s.Log)
		}
		if err != nil {
			return checked, err
		}
	}
	return checked, nil
}
