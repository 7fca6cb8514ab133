// increment/increment.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package increment

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/mmp/rbk/delta"
	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
)

// Increment is an increment file on disk.
type Increment struct {
	Name
	Path string
}

func (inc *Increment) String() string {
	return inc.Path
}

// Open returns the increment's contents, decompressed if needed. Only
// snapshots of regular files and diffs have contents.
func (inc *Increment) Open() (io.ReadCloser, error) {
	f, err := os.Open(inc.Path)
	if err != nil {
		return nil, err
	}
	if !inc.Gzip {
		return f, nil
	}
	r, err := u.NewGzipReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", inc.Path, err)
	}
	return r, nil
}

// Size returns the size of the increment file.
func (inc *Increment) Size() int64 {
	if fi, err := os.Lstat(inc.Path); err == nil {
		return fi.Size()
	}
	return 0
}

// Options control how increments are written.
type Options struct {
	// Compress gzips the contents of snapshot and diff increments...
	Compress bool
	// ...unless the path matches NoCompress.
	NoCompress *regexp.Regexp
	SplitBits  uint
	// Owner sets the ownership of snapshots of special files.
	Owner bool
}

func (o *Options) compress(idx record.Index) bool {
	return o.Compress && (o.NoCompress == nil || !o.NoCompress.MatchString(idx.String()))
}

// Write records the mirror's current state of a path before the session
// replaces it with the file at newPath, described by newRec. The
// increment is written in dir, with the given base name, and stamped
// with time t.
//
//   - If the mirror doesn't have the path, a "missing" marker is written.
//   - If the mirror has a directory, a "dir" marker is written.
//   - If both are regular files, a diff that turns the new file into the
//     mirror's is written.
//   - Otherwise the mirror's object is copied to a snapshot.
func Write(newPath string, newRec *record.Record, mirrorPath string, mirror *record.Record,
	dir, base string, t time.Time, opts Options) (*Increment, error) {
	inc := &Increment{Name: Name{Base: base, Time: t}}
	switch {
	case !mirror.Exists():
		inc.Kind = Missing
	case mirror.IsDir():
		inc.Kind = Dir
	case mirror.IsReg() && newRec.IsReg():
		inc.Kind = Diff
		inc.Gzip = opts.compress(mirror.Index)
	default:
		inc.Kind = Snapshot
		inc.Gzip = mirror.IsReg() && opts.compress(mirror.Index)
	}
	inc.Path = filepath.Join(dir, inc.Name.String())

	var err error
	switch inc.Kind {
	case Missing, Dir:
		err = writeContents(inc, func(w io.Writer) error { return nil })
	case Diff:
		err = writeDiff(inc, newPath, mirrorPath, opts.SplitBits)
	case Snapshot:
		if mirror.IsReg() {
			err = writeContents(inc, func(w io.Writer) error {
				f, err := os.Open(mirrorPath)
				if err != nil {
					return err
				}
				defer f.Close()
				_, err = io.Copy(w, f)
				return err
			})
		} else {
			os.Remove(inc.Path)
			err = record.Make(mirror, inc.Path)
		}
	}
	if err == nil {
		switch {
		case mirror.IsReg():
			// The permissions stay readable; the metadata has the real
			// ones.
			mt := time.Unix(mirror.ModTime, 0)
			err = os.Chtimes(inc.Path, mt, mt)
		case inc.Kind == Snapshot:
			err = record.CopyAttribs(mirror, inc.Path, opts.Owner)
		}
	}
	if err != nil {
		os.Remove(inc.Path)
		return nil, fmt.Errorf("%s: %w", inc.Path, err)
	}
	return inc, nil
}

func writeContents(inc *Increment, write func(w io.Writer) error) error {
	f, err := os.OpenFile(inc.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	var w io.WriteCloser = f
	if inc.Gzip {
		w = u.NewGzipWriter(f)
	}
	err = write(w)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return err
}

func writeDiff(inc *Increment, newPath, mirrorPath string, splitBits uint) error {
	if splitBits == 0 {
		splitBits = delta.DefaultSplitBits
	}
	nf, err := os.Open(newPath)
	if err != nil {
		return err
	}
	var sig bytes.Buffer
	err = delta.WriteSignature(nf, &sig, splitBits)
	nf.Close()
	if err != nil {
		return err
	}

	mf, err := os.Open(mirrorPath)
	if err != nil {
		return err
	}
	defer mf.Close()
	return writeContents(inc, func(w io.Writer) error {
		_, err := delta.Delta(&sig, mf, w)
		return err
	})
}

// Restore writes the contents described by a snapshot or diff increment
// to w. For a diff, newer gives the contents of the next newer version
// of the file.
func (inc *Increment) Restore(newer io.ReaderAt, w io.Writer) error {
	r, err := inc.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	switch inc.Kind {
	case Snapshot:
		_, err = io.Copy(w, r)
	case Diff:
		if newer == nil {
			return fmt.Errorf("%s: no basis for diff", inc.Path)
		}
		err = delta.Patch(newer, r, w)
	default:
		return fmt.Errorf("%s: %s increment has no contents", inc.Path, inc.Kind)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", inc.Path, err)
	}
	return nil
}
