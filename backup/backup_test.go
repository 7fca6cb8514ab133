// backup/backup_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmp/rbk/increment"
	tt "github.com/mmp/rbk/internal/testtree"
	"github.com/mmp/rbk/metadata"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/restore"
	"github.com/mmp/rbk/transport"
)

var (
	t1 = time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func runAt(t *testing.T, src, mirror string, tm time.Time, opts RunOptions) {
	t.Helper()
	if opts.CacheSize == 0 {
		opts.Options = DefaultOptions()
	}
	opts.Now = func() time.Time { return tm }
	_, err := Run(src, mirror, opts)
	require.NoError(t, err)
}

// incNames returns the increment files under the repository, relative
// to the data directory.
func incNames(t *testing.T, mirror string) []string {
	t.Helper()
	data := filepath.Join(mirror, repo.DataDirName)
	var names []string
	err := filepath.Walk(data, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if _, ok := increment.ParseName(fi.Name()); ok && !fi.IsDir() &&
			!strings.HasPrefix(fi.Name(), metadata.BaseName) {
			rel, _ := filepath.Rel(data, path)
			names = append(names, filepath.ToSlash(rel))
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(names)
	return names
}

func TestRunInitialMirror(t *testing.T) {
	dir := t.TempDir()
	src, mirror := filepath.Join(dir, "src"), filepath.Join(dir, "mirror")
	tt.Build(t, src,
		tt.File{Path: "a", Contents: "hello"},
		tt.File{Path: "d/", Perm: 0750},
		tt.File{Path: "d/b", Contents: "world", Perm: 0600},
		tt.File{Path: "d/c", Link: "b"},
		tt.File{Path: "empty", Contents: ""})

	runAt(t, src, mirror, t1, RunOptions{})
	tt.RequireEqual(t, src, mirror, repo.DataDirName)

	r := repo.Open(mirror, nil)
	st, err := r.CheckState()
	require.NoError(t, err)
	require.NotNil(t, st.Current)
	assert.True(t, st.Current.Time.Equal(t1))
	assert.Nil(t, st.Failed)

	md, err := r.Metadata().ReadAt(t1)
	require.NoError(t, err)
	recs, err := record.Collect(md)
	require.NoError(t, err)
	require.NoError(t, md.Close())
	var paths []string
	for _, rec := range recs {
		paths = append(paths, rec.Index.String())
		if rec.IsReg() {
			assert.NotEmpty(t, rec.Hash, "%s", rec.Index)
		}
	}
	assert.Equal(t, []string{".", "a", "d", "d/b", "d/c", "empty"}, paths)

	_, err = os.Stat(r.DataPath(repo.StatsBase, t1))
	assert.NoError(t, err)
	// Nothing was overwritten, so there are no increments.
	assert.Empty(t, incNames(t, mirror))
}

func TestRunIncrements(t *testing.T) {
	dir := t.TempDir()
	src1, src2 := filepath.Join(dir, "src1"), filepath.Join(dir, "src2")
	mirror := filepath.Join(dir, "mirror")
	tt.Build(t, src1,
		tt.File{Path: "a", Contents: "the quick brown fox"},
		tt.File{Path: "d/", Perm: 0755},
		tt.File{Path: "d/b", Contents: "world"},
		tt.File{Path: "d/x/", Perm: 0755},
		tt.File{Path: "d/x/y", Contents: "nested"},
		tt.File{Path: "same", Contents: "unchanged"},
		tt.File{Path: "s", Link: "a"})
	tt.Build(t, src2,
		tt.File{Path: "a", Contents: "the quick brown fox jumps", Age: -time.Minute},
		tt.File{Path: "d/", Perm: 0755},
		tt.File{Path: "d/x", Contents: "no longer a directory"},
		tt.File{Path: "e", Contents: "new"},
		tt.File{Path: "same", Contents: "unchanged"},
		tt.File{Path: "s/", Perm: 0700},
		tt.File{Path: "s/z", Contents: "was a symlink"})

	runAt(t, src1, mirror, t1, RunOptions{})
	runAt(t, src2, mirror, t2, RunOptions{History: true})
	tt.RequireEqual(t, src2, mirror, repo.DataDirName)

	ts := increment.FormatTime(t1)
	assert.Equal(t, []string{
		"increments." + ts + ".dir",
		"increments/a." + ts + ".diff.gz",
		"increments/d." + ts + ".dir",
		"increments/d/b." + ts + ".snapshot.gz",
		"increments/d/x." + ts + ".dir",
		"increments/d/x/y." + ts + ".snapshot.gz",
		"increments/e." + ts + ".missing",
		"increments/s." + ts + ".snapshot",
		"increments/s/z." + ts + ".missing",
	}, incNames(t, mirror))

	r := repo.Open(mirror, nil)
	markers, err := r.Markers()
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.True(t, markers[0].Time.Equal(t2))

	// The older metadata became a diff against the newer snapshot.
	files, err := r.Metadata().List()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, increment.Diff, files[0].Kind)
	assert.Equal(t, increment.Snapshot, files[1].Kind)

	sessions, err := r.Sessions()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestRunUnchangedFlushes(t *testing.T) {
	dir := t.TempDir()
	src, mirror := filepath.Join(dir, "src"), filepath.Join(dir, "mirror")
	var files []tt.File
	for _, n := range []string{"f0", "f1", "f2", "f3", "f4", "f5", "f6"} {
		files = append(files, tt.File{Path: n, Contents: n})
	}
	tt.Build(t, src, files...)
	runAt(t, src, mirror, t1, RunOptions{})

	conn := &transport.Counting{}
	opts := RunOptions{Options: DefaultOptions(), Conn: conn}
	opts.CacheSize = 10
	opts.FlushThreshold = 2
	opts.Now = func() time.Time { return t2 }
	st, err := Run(src, mirror, opts)
	require.NoError(t, err)

	assert.Equal(t, 3, conn.Flushes())
	// Both ends of the session come from the injected clock.
	assert.True(t, st.StartTime.Equal(t2))
	assert.True(t, st.EndTime.Equal(t2))
	assert.Equal(t, time.Duration(0), st.Elapsed())
	// Only the root is ever sent for an unchanged tree.
	assert.Equal(t, int64(8), st.SourceFiles)
	assert.Equal(t, int64(1), st.ChangedFiles)
	assert.Equal(t, int64(0), st.NewFiles)
	assert.Equal(t, int64(1), st.IncrementFiles)
	assert.Equal(t, []string{"increments." + increment.FormatTime(t1) + ".dir"}, incNames(t, mirror))
}

func TestRunCacheTooSmall(t *testing.T) {
	dir := t.TempDir()
	opts := RunOptions{Options: DefaultOptions()}
	opts.CacheSize = 5
	opts.FlushThreshold = 5
	tt.Build(t, filepath.Join(dir, "src"), tt.File{Path: "a", Contents: "a"})
	_, err := Run(filepath.Join(dir, "src"), filepath.Join(dir, "mirror"), opts)
	assert.Error(t, err)
}

func TestRunHardlinks(t *testing.T) {
	dir := t.TempDir()
	src, mirror := filepath.Join(dir, "src"), filepath.Join(dir, "mirror")
	tt.Build(t, src, tt.File{Path: "a", Contents: "shared"})
	require.NoError(t, os.Link(filepath.Join(src, "a"), filepath.Join(src, "b")))

	runAt(t, src, mirror, t1, RunOptions{})
	sa, err := os.Stat(filepath.Join(mirror, "a"))
	require.NoError(t, err)
	sb, err := os.Stat(filepath.Join(mirror, "b"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(sa, sb))

	r := repo.Open(mirror, nil)
	hashes := func(tm time.Time) map[string]string {
		md, err := r.Metadata().ReadAt(tm)
		require.NoError(t, err)
		defer md.Close()
		recs, err := record.Collect(md)
		require.NoError(t, err)
		h := make(map[string]string)
		for _, rec := range recs {
			if rec.IsReg() {
				h[rec.Index.String()] = rec.Hash
			}
		}
		return h
	}
	before := hashes(t1)
	require.NotEmpty(t, before["b"])
	assert.Equal(t, before["a"], before["b"])

	// Dropping one of the links leaves the older session intact.
	require.NoError(t, os.Remove(filepath.Join(src, "b")))
	runAt(t, src, mirror, t2, RunOptions{})
	tt.RequireEqual(t, src, mirror, repo.DataDirName)
	assert.Equal(t, before, hashes(t1))

	out := filepath.Join(dir, "out")
	require.NoError(t, restore.Tree(r, t1, out, restore.TreeOptions{}))
	for _, n := range []string{"a", "b"} {
		b, err := os.ReadFile(filepath.Join(out, n))
		require.NoError(t, err)
		assert.Equal(t, "shared", string(b), n)
	}
}

func TestRunExcludedChildrenMarksDirChanged(t *testing.T) {
	dir := t.TempDir()
	src, mirror := filepath.Join(dir, "src"), filepath.Join(dir, "mirror")
	tt.Build(t, src,
		tt.File{Path: "a", Contents: "a"},
		tt.File{Path: "d/", Perm: 0755},
		tt.File{Path: "d/x.tmp", Contents: "x"})
	runAt(t, src, mirror, t1, RunOptions{})

	// Nothing in the source changes, but d's only child is now
	// excluded.
	opts := RunOptions{Options: DefaultOptions()}
	opts.Selection.Exclude = []*regexp.Regexp{regexp.MustCompile(`\.tmp$`)}
	opts.Now = func() time.Time { return t2 }
	st, err := Run(src, mirror, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.ChangedFiles)

	ts := increment.FormatTime(t1)
	incs := incNames(t, mirror)
	assert.Contains(t, incs, "increments/d."+ts+".dir")
	assert.Contains(t, incs, "increments/d/x.tmp."+ts+".snapshot.gz")

	fi, err := os.Lstat(filepath.Join(mirror, "d"))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
	_, err = os.Lstat(filepath.Join(mirror, "d", "x.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions aren't enforced for root")
	}
	dir := t.TempDir()
	src, mirror := filepath.Join(dir, "src"), filepath.Join(dir, "mirror")
	tt.Build(t, src,
		tt.File{Path: "ok", Contents: "fine"},
		tt.File{Path: "secret", Contents: "hidden", Perm: 0200})

	opts := RunOptions{Options: DefaultOptions()}
	opts.Now = func() time.Time { return t1 }
	st, err := Run(src, mirror, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Errors)

	_, err = os.Stat(filepath.Join(mirror, "ok"))
	assert.NoError(t, err)
	_, err = os.Lstat(filepath.Join(mirror, "secret"))
	assert.True(t, os.IsNotExist(err))

	// The file is left out of the metadata so the next session tries
	// again.
	r := repo.Open(mirror, nil)
	md, err := r.Metadata().ReadAt(t1)
	require.NoError(t, err)
	defer md.Close()
	recs, err := record.Collect(md)
	require.NoError(t, err)
	for _, rec := range recs {
		assert.NotEqual(t, "secret", rec.Index.String())
	}
	b, err := os.ReadFile(r.DataPath(repo.ErrorLogBase, t1))
	require.NoError(t, err)
	assert.Contains(t, string(b), "secret")
}

func TestRunRelaxedDirectory(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions aren't enforced for root")
	}
	dir := t.TempDir()
	tt.Writable(t, dir)
	src1, src2 := filepath.Join(dir, "src1"), filepath.Join(dir, "src2")
	mirror := filepath.Join(dir, "mirror")
	tt.Build(t, src1,
		tt.File{Path: "ro/", Perm: 0500},
		tt.File{Path: "ro/f", Contents: "one"})
	tt.Build(t, src2,
		tt.File{Path: "ro/", Perm: 0500},
		tt.File{Path: "ro/f", Contents: "two!", Age: -time.Minute})

	runAt(t, src1, mirror, t1, RunOptions{})
	tt.RequireEqual(t, src1, mirror, repo.DataDirName)
	runAt(t, src2, mirror, t2, RunOptions{})
	tt.RequireEqual(t, src2, mirror, repo.DataDirName)
}
