// regress/regress_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package regress_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmp/rbk/backup"
	"github.com/mmp/rbk/increment"
	tt "github.com/mmp/rbk/internal/testtree"
	"github.com/mmp/rbk/metadata"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/regress"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/stats"
)

var (
	t1 = time.Date(2023, 9, 1, 0, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
	t3 = t2.Add(time.Hour)
)

func run(t *testing.T, src, mirror string, tm time.Time) {
	t.Helper()
	opts := backup.RunOptions{Options: backup.DefaultOptions(), History: true}
	opts.Now = func() time.Time { return tm }
	_, err := backup.Run(src, mirror, opts)
	require.NoError(t, err)
}

// increments returns the names of all increment files in the
// repository.
func increments(t *testing.T, r *repo.Repo) []string {
	t.Helper()
	var names []string
	err := filepath.Walk(r.Data, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if _, ok := increment.ParseName(fi.Name()); ok && !strings.HasPrefix(fi.Name(), metadata.BaseName) {
			names = append(names, fi.Name())
		}
		return nil
	})
	require.NoError(t, err)
	return names
}

func buildTrees(t *testing.T) (src1, src2, mirror string) {
	dir := t.TempDir()
	src1, src2 = filepath.Join(dir, "src1"), filepath.Join(dir, "src2")
	mirror = filepath.Join(dir, "mirror")
	tt.Build(t, src1,
		tt.File{Path: "a", Contents: "first version of a"},
		tt.File{Path: "d/", Perm: 0755},
		tt.File{Path: "d/x", Contents: "inside d"},
		tt.File{Path: "gone", Contents: "deleted later"},
		tt.File{Path: "l", Link: "a"})
	tt.Build(t, src2,
		tt.File{Path: "a", Contents: "second version of a", Age: -time.Minute},
		tt.File{Path: "d", Contents: "d is a file now"},
		tt.File{Path: "l", Link: "gone"},
		tt.File{Path: "new/", Perm: 0755},
		tt.File{Path: "new/f", Contents: "added"})
	return
}

func TestRegressCompletedSession(t *testing.T) {
	src1, src2, mirror := buildTrees(t)
	run(t, src1, mirror, t1)
	run(t, src2, mirror, t2)

	// Bring back the previous marker, as if the second session had
	// stopped just before deleting it.
	r := repo.Open(mirror, nil)
	_, err := r.WriteMarker(t1)
	require.NoError(t, err)
	st, err := r.CheckState()
	require.NoError(t, err)
	require.True(t, st.NeedsRegress())

	require.NoError(t, regress.Regress(r, regress.Options{}))
	tt.RequireEqual(t, src1, mirror, repo.DataDirName)

	markers, err := r.Markers()
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.True(t, markers[0].Time.Equal(t1))
	assert.Empty(t, increments(t, r))

	files, err := r.Metadata().List()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Time.Equal(t1))
	assert.Equal(t, increment.Snapshot, files[0].Kind)

	left, err := r.FilesAt(t2)
	require.NoError(t, err)
	assert.Empty(t, left)

	h, err := stats.OpenHistory(r.HistoryPath())
	require.NoError(t, err)
	rows, err := h.Sessions()
	require.NoError(t, err)
	require.NoError(t, h.Close())
	require.Len(t, rows, 1)
	assert.True(t, rows[0].SessionTime.Equal(t1))

	// Nothing left to do the second time around.
	require.NoError(t, regress.Regress(r, regress.Options{}))
	tt.RequireEqual(t, src1, mirror, repo.DataDirName)

	// And the repository is usable again.
	run(t, src2, mirror, t3)
	tt.RequireEqual(t, src2, mirror, repo.DataDirName)
}

func TestRegressInterruptedSession(t *testing.T) {
	src1, src2, mirror := buildTrees(t)
	run(t, src1, mirror, t1)
	r := repo.Open(mirror, nil)

	// The failed session wrote an increment for a but never replaced
	// it, created a file, and left a temporary file behind.
	_, err := r.WriteMarker(t2)
	require.NoError(t, err)
	aIdx := record.ParseIndex("a")
	newRec, err := record.Lstat(src2, aIdx)
	require.NoError(t, err)
	mirrorRec, err := record.Lstat(mirror, aIdx)
	require.NoError(t, err)
	dir, base := increment.Location(r.Increments(), aIdx)
	require.NoError(t, os.MkdirAll(dir, 0755))
	_, err = increment.Write(filepath.Join(src2, "a"), newRec, filepath.Join(mirror, "a"), mirrorRec,
		dir, base, t1, increment.Options{Compress: true})
	require.NoError(t, err)

	extra := record.Index{"extra"}
	dir, base = increment.Location(r.Increments(), extra)
	_, err = increment.Write("", nil, "", record.NewAbsent(extra), dir, base, t1, increment.Options{})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(mirror, "extra"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(record.TempPath(filepath.Join(mirror, "d")), []byte("partial"), 0600))
	// Partial metadata and increment files.
	dataTmp := record.TempPath(r.Data)
	require.NoError(t, os.WriteFile(dataTmp, []byte("partial"), 0600))
	incDir, _ := increment.Location(r.Increments(), record.Index{"d", "x"})
	require.NoError(t, os.MkdirAll(incDir, 0755))
	incTmp := record.TempPath(incDir)
	require.NoError(t, os.WriteFile(incTmp, []byte("partial"), 0600))

	require.NoError(t, regress.Regress(r, regress.Options{}))
	tt.RequireEqual(t, src1, mirror, repo.DataDirName)
	assert.Empty(t, increments(t, r))
	for _, p := range []string{dataTmp, incTmp} {
		_, err := os.Lstat(p)
		assert.True(t, os.IsNotExist(err), "%s: still present", p)
	}

	markers, err := r.Markers()
	require.NoError(t, err)
	require.Len(t, markers, 1)
	assert.True(t, markers[0].Time.Equal(t1))
}

func TestRegressWriterRunning(t *testing.T) {
	src1, _, mirror := buildTrees(t)
	run(t, src1, mirror, t1)
	r := repo.Open(mirror, nil)

	// pid 1 always exists.
	require.NoError(t, os.WriteFile(r.DataPath(repo.MarkerBase, t2), []byte("PID 1\n"), 0600))
	err := regress.Regress(r, regress.Options{})
	assert.True(t, errors.Is(err, repo.ErrWriterRunning))

	require.NoError(t, regress.Regress(r, regress.Options{Force: true}))
	markers, err := r.Markers()
	require.NoError(t, err)
	assert.Len(t, markers, 1)
	tt.RequireEqual(t, src1, mirror, repo.DataDirName)
}

func TestRegressNothingToDo(t *testing.T) {
	src1, _, mirror := buildTrees(t)
	run(t, src1, mirror, t1)
	r := repo.Open(mirror, nil)
	require.NoError(t, regress.Regress(r, regress.Options{}))
	tt.RequireEqual(t, src1, mirror, repo.DataDirName)
}
