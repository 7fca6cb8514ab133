// cmd/rbk/rbk_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bazil.org/fuse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/context"

	"github.com/mmp/rbk/backup"
	tt "github.com/mmp/rbk/internal/testtree"
	"github.com/mmp/rbk/repo"
	u "github.com/mmp/rbk/util"
)

var (
	t1 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)
	t3 = time.Date(2024, 6, 3, 9, 15, 0, 0, time.UTC)
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	sessions := []time.Time{t1, t2, t3}

	for _, c := range []struct {
		s    string
		want time.Time
	}{
		{"now", now},
		{"2024-06-01T18:30:00Z", t2},
		{"2024-06-01T20:30:00+02:00", t2},
		{"0B", t3},
		{"2B", t1},
		{"3D", now.Add(-72 * time.Hour)},
		{"1W2D", now.Add(-9 * 24 * time.Hour)},
		{"1h30m", now.Add(-90 * time.Minute)},
		{"45s", now.Add(-45 * time.Second)},
	} {
		got, err := parseWhen(c.s, sessions, now)
		if assert.NoError(t, err, c.s) {
			assert.True(t, c.want.Equal(got), "%s: got %s, expected %s", c.s, got, c.want)
		}
	}

	got, err := parseWhen("2024-06-01", sessions, now)
	require.NoError(t, err)
	assert.Equal(t, 2024, got.Year())
	assert.Equal(t, time.June, got.Month())
	assert.Equal(t, 1, got.Day())

	for _, bad := range []string{"", "3B", "yesterday", "3d", "12h-", "1D2"} {
		_, err := parseWhen(bad, sessions, now)
		assert.Error(t, err, bad)
	}
}

func TestWithin(t *testing.T) {
	assert.True(t, within("/a/b", "/a/b"))
	assert.True(t, within("/a/b", "/a/b/c"))
	assert.False(t, within("/a/b", "/a/bc"))
	assert.False(t, within("/a/b", "/a"))
	assert.False(t, within("/a/b", "/x/y"))
}

func TestPseudoHierarchy(t *testing.T) {
	root := createPseudoHierarchy(nil, []time.Time{t1, t2, t3})
	assert.Equal(t, 3, root.count())

	ctx := context.Background()
	de, err := root.ReadDirAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []fuse.Dirent{
		{Name: "240601", Type: fuse.DT_Dir},
		{Name: "240603", Type: fuse.DT_Dir},
	}, de)

	n, err := root.Lookup(ctx, "240601")
	require.NoError(t, err)
	de, err = n.(*pseudoDir).ReadDirAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []fuse.Dirent{
		{Name: "120000", Type: fuse.DT_Dir},
		{Name: "183000", Type: fuse.DT_Dir},
	}, de)

	_, err = root.Lookup(ctx, "240602")
	assert.Equal(t, fuse.ENOENT, err)
}

// Exercises the FUSE nodes of a session directly, without mounting.
func TestSessionNodes(t *testing.T) {
	log = u.NewLogger(false, false)
	dir := t.TempDir()
	mirror := filepath.Join(dir, "mirror")
	src1, src2 := filepath.Join(dir, "src1"), filepath.Join(dir, "src2")
	tt.Build(t, src1,
		tt.File{Path: "a", Contents: "first a"},
		tt.File{Path: "d/", Perm: 0750},
		tt.File{Path: "d/f", Contents: "in d"},
		tt.File{Path: "l", Link: "d/f"})
	tt.Build(t, src2,
		tt.File{Path: "a", Contents: "second version of a", Age: -time.Minute})

	for i, src := range []string{src1, src2} {
		opts := backup.RunOptions{Options: backup.DefaultOptions()}
		tm := []time.Time{t1, t2}[i]
		opts.Now = func() time.Time { return tm }
		_, err := backup.Run(src, mirror, opts)
		require.NoError(t, err)
	}

	r := repo.Open(mirror, log)
	sessions, err := r.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	root := createPseudoHierarchy(r, sessions)

	ctx := context.Background()
	day, err := root.Lookup(ctx, "240601")
	require.NoError(t, err)
	n, err := day.(*pseudoDir).Lookup(ctx, "120000")
	require.NoError(t, err)
	top := n.(*fileNode)

	var attr fuse.Attr
	require.NoError(t, top.Attr(ctx, &attr))
	assert.True(t, attr.Mode.IsDir())

	de, err := top.ReadDirAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []fuse.Dirent{
		{Name: "a", Type: fuse.DT_File},
		{Name: "d", Type: fuse.DT_Dir},
		{Name: "l", Type: fuse.DT_Link},
	}, de)

	a, err := top.Lookup(ctx, "a")
	require.NoError(t, err)
	b, err := a.(*fileNode).ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first a", string(b))
	require.NoError(t, a.(*fileNode).Attr(ctx, &attr))
	assert.Equal(t, uint64(len("first a")), attr.Size)

	d, err := top.Lookup(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, d.(*fileNode).Attr(ctx, &attr))
	assert.Equal(t, os.ModeDir|0750, attr.Mode)
	f, err := d.(*fileNode).Lookup(ctx, "f")
	require.NoError(t, err)
	b, err = f.(*fileNode).ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "in d", string(b))

	l, err := top.Lookup(ctx, "l")
	require.NoError(t, err)
	target, err := l.(*fileNode).Readlink(ctx, &fuse.ReadlinkRequest{})
	require.NoError(t, err)
	assert.Equal(t, "d/f", target)

	_, err = top.Lookup(ctx, "nope")
	assert.Equal(t, fuse.ENOENT, err)

	// The newer session has only a.
	n, err = day.(*pseudoDir).Lookup(ctx, "183000")
	require.NoError(t, err)
	de, err = n.(*fileNode).ReadDirAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []fuse.Dirent{{Name: "a", Type: fuse.DT_File}}, de)
	a, err = n.(*fileNode).Lookup(ctx, "a")
	require.NoError(t, err)
	b, err = a.(*fileNode).ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second version of a", string(b))
}
