// selection/selection.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package selection walks a directory tree lazily, in index order,
// producing a record for each file that isn't excluded.
package selection

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"

	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/stats"
	u "github.com/mmp/rbk/util"
)

type Options struct {
	// Exclude holds regular expressions matched against relative paths
	// (e.g. "a/b/c"); matching files and directories are skipped along
	// with everything under them.
	Exclude []*regexp.Regexp
	// OneFileSystem skips files on other devices than the root.
	OneFileSystem bool
	// Mirror skips the repository's data directory and temporary files
	// left behind by interrupted sessions.
	Mirror bool
	// Errors receives files that couldn't be read.
	Errors stats.ErrorSink
	Log    *u.Logger
}

// AddExclude adds a pattern to exclude.
func (o *Options) AddExclude(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	o.Exclude = append(o.Exclude, re)
	return nil
}

// ShouldExclude checks whether idx matches any exclude pattern.
func (o *Options) ShouldExclude(idx record.Index) bool {
	if o.Mirror {
		if len(idx) == 1 && idx[0] == repo.DataDirName {
			return true
		}
		if record.IsTempName(idx.Base()) {
			return true
		}
	}
	path := idx.String()
	for _, re := range o.Exclude {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

type dirFrame struct {
	index record.Index
	names []string
	pos   int
}

// Walker is a record.Iterator over a directory tree.
type Walker struct {
	root    string
	opts    Options
	started bool
	rootDev uint64
	stack   []*dirFrame
}

func Walk(root string, opts Options) *Walker {
	return &Walker{root: root, opts: opts}
}

func (w *Walker) listError(idx record.Index, err error) {
	if w.opts.Errors != nil {
		w.opts.Errors.Record(stats.ListError, idx, err)
	} else {
		w.opts.Log.Warning("%s: %s", idx, err)
	}
}

func (w *Walker) push(r *record.Record) {
	f, err := os.Open(r.Index.Path(w.root))
	if err != nil {
		w.listError(r.Index, err)
		return
	}
	names, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		w.listError(r.Index, err)
		return
	}
	sort.Strings(names)
	w.stack = append(w.stack, &dirFrame{index: r.Index, names: names})
}

func (w *Walker) Next() (*record.Record, error) {
	if !w.started {
		w.started = true
		r, err := record.Lstat(w.root, record.Index{})
		if err != nil {
			return nil, err
		}
		if !r.Exists() {
			return nil, fmt.Errorf("%s: %w", w.root, os.ErrNotExist)
		}
		w.rootDev = r.Device
		if r.IsDir() {
			w.push(r)
		}
		return r, nil
	}

	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]
		if top.pos == len(top.names) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		idx := top.index.Append(top.names[top.pos])
		top.pos++

		if w.opts.ShouldExclude(idx) {
			w.opts.Log.Debug("%s: excluded", idx)
			continue
		}
		r, err := record.Lstat(w.root, idx)
		if err != nil {
			w.listError(idx, err)
			continue
		}
		if !r.Exists() {
			// Deleted since the directory was read.
			continue
		}
		if w.opts.OneFileSystem && r.Device != w.rootDev {
			w.opts.Log.Verbose("%s: skipping other filesystem", idx)
			continue
		}
		if r.IsDir() {
			w.push(r)
		}
		return r, nil
	}
	return nil, io.EOF
}
