// cache/cache_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package cache

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/rbk/collate"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/stats"
)

type metaCollector struct {
	recs []*record.Record
}

func (m *metaCollector) Write(r *record.Record) error {
	m.recs = append(m.recs, r)
	return nil
}

func reg(path string, size int64) *record.Record {
	return &record.Record{Index: record.ParseIndex(path), Kind: record.Regular, Size: size, Perms: 0644}
}

func dir(path string, perms uint32) *record.Record {
	return &record.Record{Index: record.ParseIndex(path), Kind: record.Directory, Perms: perms}
}

func pull(t *testing.T, c *Cache, n int) {
	for i := 0; i < n; i++ {
		if _, err := c.Next(); err != nil {
			t.Fatalf("Next %d: %s", i, err)
		}
	}
}

func TestCacheCommitOutcomes(t *testing.T) {
	src := []*record.Record{dir(".", 0755), reg("a", 10), reg("b", 20), reg("d", 40)}
	dst := []*record.Record{dir(".", 0755), reg("a", 10), reg("b", 25), reg("c", 30)}
	meta := &metaCollector{}
	st := stats.New(time.Now())
	c := New(collate.New(record.FromSlice(src), record.FromSlice(dst)),
		Options{Size: 2, Stats: st, Metadata: meta})

	for {
		p, err := c.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			t.Fatal(err)
		}
		switch p.Index.String() {
		case "b":
			// Changed and applied: the source record is committed.
			c.FlagChanged(p.Index)
			c.FlagSuccess(p.Index)
		case "c":
			c.FlagChanged(p.Index)
			c.FlagDeleted(p.Index)
		case "d":
			// Changed but never applied: the old (absent) state stays.
			c.FlagChanged(p.Index)
		}
	}
	if err := c.Close(true); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, r := range meta.recs {
		got = append(got, r.Index.String())
	}
	expected := []string{".", "a", "b"}
	if len(got) != len(expected) {
		t.Fatalf("metadata for %v, expected %v", got, expected)
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Errorf("metadata %d: got %s, expected %s", i, got[i], expected[i])
		}
	}
	if meta.recs[2].Size != 20 {
		t.Errorf("expected source record for b, got size %d", meta.recs[2].Size)
	}

	// "d" failed, so it is counted as changed but not as a source file.
	if st.SourceFiles != 3 || st.SourceFileSize != 30 {
		t.Errorf("source totals %d/%d", st.SourceFiles, st.SourceFileSize)
	}
	if st.MirrorFiles != 4 || st.MirrorFileSize != 65 {
		t.Errorf("mirror totals %d/%d", st.MirrorFiles, st.MirrorFileSize)
	}
	if st.ChangedFiles != 1 || st.DeletedFiles != 1 || st.NewFiles != 1 {
		t.Errorf("changed %d deleted %d new %d", st.ChangedFiles, st.DeletedFiles, st.NewFiles)
	}
}

func TestCacheWindow(t *testing.T) {
	var src []*record.Record
	for _, p := range []string{"a", "b", "c", "d", "e", "f"} {
		src = append(src, reg(p, 1))
	}
	c := New(collate.New(record.FromSlice(src), record.FromSlice(nil)), Options{Size: 2})
	pull(t, c, 4)

	if _, err := c.Get(record.ParseIndex("a")); !errors.Is(err, ErrBelowWindow) {
		t.Errorf("a: expected ErrBelowWindow, got %v", err)
	}
	if err := c.FlagChanged(record.ParseIndex("b")); !errors.Is(err, ErrBelowWindow) {
		t.Errorf("b: expected ErrBelowWindow, got %v", err)
	}
	if _, err := c.Get(record.ParseIndex("e")); !errors.Is(err, ErrNotCached) {
		t.Errorf("e: expected ErrNotCached, got %v", err)
	}
	for _, p := range []string{"c", "d"} {
		idx := record.ParseIndex(p)
		if !c.InCache(idx) {
			t.Errorf("%s: not in cache", p)
		}
		if r, err := c.GetSource(idx); err != nil || !r.Index.Equal(idx) {
			t.Errorf("%s: got %v %v", p, r, err)
		}
		if r, err := c.GetMirror(idx); err != nil || r != nil {
			t.Errorf("%s: expected no mirror, got %v %v", p, r, err)
		}
	}
}

func TestCacheParents(t *testing.T) {
	src := []*record.Record{dir(".", 0755), dir("a", 0755), reg("a/1", 1), reg("a/2", 1),
		reg("a/3", 1), dir("a/b", 0755), reg("a/b/x", 1), reg("a/b/y", 1), reg("c", 1)}
	c := New(collate.New(record.FromSlice(src), record.FromSlice(nil)), Options{Size: 1})

	pull(t, c, 8)
	for _, p := range []string{".", "a", "a/b"} {
		if _, err := c.Get(record.ParseIndex(p)); err != nil {
			t.Errorf("%s: %s", p, err)
		}
	}
	e, err := c.GetParent(record.ParseIndex("a/b/y"))
	if err != nil || e.Index.String() != "a/b" {
		t.Errorf("parent of a/b/y: %v %v", e, err)
	}
	if _, err := c.Get(record.ParseIndex("a/2")); !errors.Is(err, ErrBelowWindow) {
		t.Errorf("a/2: expected ErrBelowWindow, got %v", err)
	}

	pull(t, c, 1)
	// Committing a/b/y doesn't drop a or a/b; only an index outside of
	// their subtrees does.
	if _, err := c.Get(record.ParseIndex("a/b")); err != nil {
		t.Errorf("a/b: %s", err)
	}
	if _, err := c.Next(); err != io.EOF {
		t.Errorf("expected EOF, got %v", err)
	}
}

func TestCacheParentsDroppedByFile(t *testing.T) {
	src := []*record.Record{dir(".", 0755), dir("a", 0755), reg("a/x", 1), reg("c", 1), reg("d", 1)}
	c := New(collate.New(record.FromSlice(src), record.FromSlice(nil)), Options{Size: 1})

	// Commits everything through c.
	pull(t, c, 5)
	if _, err := c.Get(record.ParseIndex("a")); !errors.Is(err, ErrBelowWindow) {
		t.Errorf("a: expected ErrBelowWindow, got %v", err)
	}
	if _, err := c.GetParent(record.ParseIndex("a/x")); err != nil {
		t.Errorf("parent of a/x: %s", err)
	}
	if e, err := c.Get(record.ParseIndex(".")); err != nil || !e.Index.IsRoot() {
		t.Errorf("root: %v %v", e, err)
	}
}

func TestCachePermsRelaxed(t *testing.T) {
	root := t.TempDir()
	d := filepath.Join(root, "d")
	if err := os.Mkdir(d, 0500); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(d, 0700)

	dst := []*record.Record{dir(".", 0755), dir("d", 0500), reg("d/x", 1), reg("e", 1)}
	c := New(collate.New(record.FromSlice(nil), record.FromSlice(dst)),
		Options{Size: 1, RelaxPerms: true, MirrorRoot: root})

	mode := func() os.FileMode {
		fi, err := os.Stat(d)
		if err != nil {
			t.Fatal(err)
		}
		return fi.Mode().Perm()
	}

	pull(t, c, 2)
	if m := mode(); m != 0700 {
		t.Errorf("after pulling d: mode %o", m)
	}
	pull(t, c, 2)
	if m := mode(); m != 0700 {
		t.Errorf("inside d: mode %o", m)
	}
	if err := c.Close(true); err != nil {
		t.Fatal(err)
	}
	if m := mode(); m != 0500 {
		t.Errorf("after close: mode %o", m)
	}
}

func TestCacheHardlinks(t *testing.T) {
	mk := func(path string) *record.Record {
		r := reg(path, 5)
		r.NLink, r.Device, r.Inode = 2, 1, 42
		return r
	}
	src := []*record.Record{mk("a"), mk("b")}
	c := New(collate.New(record.FromSlice(src), record.FromSlice(nil)),
		Options{Size: 10, Hardlinks: true})
	pull(t, c, 2)

	a, b := src[0], src[1]
	if c.Links.IsLinked(a) || !c.Links.IsLinked(b) {
		t.Errorf("expected b linked to a")
	}
	if idx, ok := c.Links.LinkIndex(b); !ok || idx.String() != "a" {
		t.Errorf("link index %v %v", idx, ok)
	}
	if err := c.UpdateHash(a.Index, "abcd"); err != nil {
		t.Fatal(err)
	}
	if err := c.UpdateHardlinkHash(b.Index); err != nil {
		t.Fatal(err)
	}
	if b.Hash != "abcd" {
		t.Errorf("hash not propagated: %q", b.Hash)
	}
	if err := c.Close(true); err != nil {
		t.Fatal(err)
	}
	if c.Links.Len() != 0 {
		t.Errorf("%d link groups left after close", c.Links.Len())
	}
}
