// cache/perms.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package cache

import (
	"os"
	"sort"

	"github.com/mmp/rbk/record"
	"golang.org/x/sys/unix"
)

type relaxedDir struct {
	index record.Index
	path  string
	perms uint32
}

// permList holds directories whose permissions were raised so that they
// could be traversed and written, along with the permissions to restore.
// Entries are kept sorted by index.
type permList struct {
	dirs []relaxedDir
}

// relax makes the directory at path owner-accessible and remembers perms
// to be restored later. If the directory is already tracked, only the
// permissions to restore are updated.
func (p *permList) relax(idx record.Index, path string, perms uint32) error {
	i := sort.Search(len(p.dirs), func(i int) bool {
		return p.dirs[i].index.Compare(idx) >= 0
	})
	if i < len(p.dirs) && p.dirs[i].index.Equal(idx) {
		p.dirs[i].perms = perms
		p.dirs[i].path = path
		return chmod(path, perms|0700)
	}
	if err := chmod(path, perms|0700); err != nil {
		return err
	}
	p.dirs = append(p.dirs, relaxedDir{})
	copy(p.dirs[i+1:], p.dirs[i:])
	p.dirs[i] = relaxedDir{append(record.Index{}, idx...), path, perms}
	return nil
}

// release restores every directory that current is past and not inside
// of, deepest and latest first.
func (p *permList) release(current record.Index) error {
	var firstErr error
	kept := p.dirs[:0]
	var done []relaxedDir
	for _, d := range p.dirs {
		if current.Compare(d.index) > 0 && !d.index.IsPrefixOf(current) {
			done = append(done, d)
		} else {
			kept = append(kept, d)
		}
	}
	p.dirs = kept
	for i := len(done) - 1; i >= 0; i-- {
		if err := chmod(done[i].path, done[i].perms); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// forget stops tracking idx without touching it.
func (p *permList) forget(idx record.Index) {
	for i, d := range p.dirs {
		if d.index.Equal(idx) {
			p.dirs = append(p.dirs[:i], p.dirs[i+1:]...)
			return
		}
	}
}

func (p *permList) releaseAll() error {
	var firstErr error
	for i := len(p.dirs) - 1; i >= 0; i-- {
		if err := chmod(p.dirs[i].path, p.dirs[i].perms); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.dirs = nil
	return firstErr
}

func chmod(path string, perms uint32) error {
	if err := unix.Chmod(path, perms); err != nil {
		if err == unix.ENOENT {
			return nil
		}
		return &os.PathError{Op: "chmod", Path: path, Err: err}
	}
	return nil
}
