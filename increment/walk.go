// increment/walk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package increment

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mmp/rbk/record"
)

// Location returns the directory and base name for the increments of
// idx under the increments root. The root's own increments sit next to
// incRoot, named after it.
func Location(incRoot string, idx record.Index) (dir, base string) {
	if idx.IsRoot() {
		return filepath.Dir(incRoot), filepath.Base(incRoot)
	}
	return idx.Parent().Path(incRoot), idx.Base()
}

// List returns the increments of idx, oldest first.
func List(incRoot string, idx record.Index) ([]*Increment, error) {
	dir, base := Location(incRoot, idx)
	d, err := readDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return d.incs[base], nil
}

// Entry holds the increments of one index, sorted oldest first.
type Entry struct {
	Index record.Index
	Incs  []*Increment
}

// At returns the increment taken at time t, if there is one.
func (e *Entry) At(t time.Time) *Increment {
	for _, inc := range e.Incs {
		if inc.Time.Equal(t) {
			return inc
		}
	}
	return nil
}

// Newer returns the increments taken after t.
func (e *Entry) Newer(t time.Time) []*Increment {
	var n []*Increment
	for _, inc := range e.Incs {
		if inc.Time.After(t) {
			n = append(n, inc)
		}
	}
	return n
}

type incDir struct {
	index record.Index
	path  string
	bases []string
	incs  map[string][]*Increment
	dirs  map[string]bool
	pos   int
}

func readDir(path string) (*incDir, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	d := &incDir{
		path: path,
		incs: make(map[string][]*Increment),
		dirs: make(map[string]bool),
	}
	seen := make(map[string]bool)
	add := func(base string) {
		if !seen[base] {
			seen[base] = true
			d.bases = append(d.bases, base)
		}
	}
	for _, e := range entries {
		name := e.Name()
		if record.IsTempName(name) {
			continue
		}
		if e.IsDir() {
			d.dirs[name] = true
			add(name)
		} else if n, ok := ParseName(name); ok {
			d.incs[n.Base] = append(d.incs[n.Base], &Increment{Name: n, Path: filepath.Join(path, name)})
			add(n.Base)
		}
	}
	sort.Strings(d.bases)
	for _, incs := range d.incs {
		sort.Slice(incs, func(i, j int) bool { return incs[i].Time.Before(incs[j].Time) })
	}
	return d, nil
}

// Walker iterates over the increments tree in index order, returning an
// Entry for every index that has increments or an increments directory.
type Walker struct {
	root    string
	started bool
	stack   []*incDir
}

func Walk(incRoot string) *Walker {
	return &Walker{root: incRoot}
}

func (w *Walker) Next() (*Entry, error) {
	if !w.started {
		w.started = true
		incs, err := List(w.root, record.Index{})
		if err != nil {
			return nil, err
		}
		d, err := readDir(w.root)
		if err == nil {
			d.index = record.Index{}
			w.stack = append(w.stack, d)
		} else if !os.IsNotExist(err) {
			return nil, err
		} else if len(incs) == 0 {
			return nil, io.EOF
		}
		return &Entry{Index: record.Index{}, Incs: incs}, nil
	}

	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]
		if top.pos == len(top.bases) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}
		name := top.bases[top.pos]
		top.pos++

		e := &Entry{Index: top.index.Append(name), Incs: top.incs[name]}
		if top.dirs[name] {
			d, err := readDir(filepath.Join(top.path, name))
			if err != nil {
				return nil, err
			}
			d.index = e.Index
			w.stack = append(w.stack, d)
		}
		return e, nil
	}
	return nil, io.EOF
}
