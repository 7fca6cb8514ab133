// internal/testtree/testtree.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package testtree builds small directory trees for tests and compares
// them.
package testtree

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Base is the modification time given to everything Build creates,
// unless a file says otherwise.
var Base = time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)

// File describes one entry of a tree. Paths ending in "/" are
// directories; Link makes a symlink.
type File struct {
	Path     string
	Contents string
	Link     string
	Perm     os.FileMode
	// Age is subtracted from Base to give the modification time.
	Age time.Duration
}

// Build creates files under root, which is created if needed. Parent
// directories are created implicitly.
func Build(t *testing.T, root string, files ...File) {
	t.Helper()
	require.NoError(t, os.MkdirAll(root, 0755))
	var dirs []File
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(f.Path, "/")))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		switch {
		case strings.HasSuffix(f.Path, "/"):
			require.NoError(t, os.MkdirAll(path, 0755))
			dirs = append(dirs, f)
			continue
		case f.Link != "":
			os.Remove(path)
			require.NoError(t, os.Symlink(f.Link, path))
			continue
		}
		perm := f.Perm
		if perm == 0 {
			perm = 0644
		}
		require.NoError(t, os.WriteFile(path, []byte(f.Contents), perm))
		require.NoError(t, os.Chmod(path, perm))
		mt := Base.Add(-f.Age)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}
	// Directory times last, as creating their contents changes them.
	for i := len(dirs) - 1; i >= 0; i-- {
		f := dirs[i]
		path := filepath.Join(root, filepath.FromSlash(strings.TrimSuffix(f.Path, "/")))
		if f.Perm != 0 {
			require.NoError(t, os.Chmod(path, f.Perm))
		}
		mt := Base.Add(-f.Age)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}
}

// Entry is the comparable state of one file.
type Entry struct {
	Mode     fs.FileMode
	Contents string
	ModTime  int64
}

// Snapshot returns the state of every file under root, keyed by slash
// path. Directory times and anything whose first path element is in
// skip are left out.
func Snapshot(t *testing.T, root string, skip ...string) map[string]Entry {
	t.Helper()
	m := make(map[string]Entry)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		for _, s := range skip {
			if rel == s || strings.HasPrefix(rel, s+"/") {
				return filepath.SkipDir
			}
		}
		fi, err := os.Lstat(path)
		if err != nil {
			return err
		}
		e := Entry{Mode: fi.Mode()}
		switch {
		case fi.Mode().IsRegular():
			b, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			e.Contents = string(b)
			e.ModTime = fi.ModTime().Unix()
		case fi.Mode()&fs.ModeSymlink != 0:
			if e.Contents, err = os.Readlink(path); err != nil {
				return err
			}
		}
		m[rel] = e
		return nil
	})
	require.NoError(t, err)
	return m
}

// RequireEqual checks that the trees at a and b are the same.
func RequireEqual(t *testing.T, a, b string, skip ...string) {
	t.Helper()
	require.Equal(t, Snapshot(t, a, skip...), Snapshot(t, b, skip...))
}

// Writable arranges for everything under root to be made
// owner-writable before the test's temporary directories are removed.
func Writable(t *testing.T, root string) {
	t.Cleanup(func() {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err == nil && d.IsDir() {
				os.Chmod(path, 0755)
			}
			return nil
		})
	})
}
