// stats/stats_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package stats

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mmp/rbk/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reg(size int64) *record.Record {
	return &record.Record{Kind: record.Regular, Size: size}
}

func TestAddChanged(t *testing.T) {
	s := New(time.Now())
	s.AddChanged(reg(10), nil)
	s.AddChanged(nil, reg(20))
	s.AddChanged(reg(5), reg(7))
	s.AddChanged(nil, nil)

	assert.Equal(t, int64(1), s.NewFiles)
	assert.Equal(t, int64(10), s.NewFileSize)
	assert.Equal(t, int64(1), s.DeletedFiles)
	assert.Equal(t, int64(20), s.DeletedFileSize)
	assert.Equal(t, int64(1), s.ChangedFiles)
	assert.Equal(t, int64(5), s.ChangedSourceSize)
	assert.Equal(t, int64(7), s.ChangedMirrorSize)
}

func TestWriteAndParse(t *testing.T) {
	s := New(time.Unix(1000, 0))
	s.EndTime = time.Unix(1010, 0)
	s.AddSource(reg(100))
	s.AddDest(reg(40))
	s.AddIncrement(3)
	s.Errors = 2

	var buf bytes.Buffer
	_, err := s.WriteTo(&buf)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "TotalDestinationSizeChange 63 ")

	p, err := Parse(&buf)
	require.NoError(t, err)
	assert.Equal(t, s.SourceFileSize, p.SourceFileSize)
	assert.Equal(t, s.MirrorFiles, p.MirrorFiles)
	assert.Equal(t, s.IncrementFileSize, p.IncrementFileSize)
	assert.Equal(t, s.Errors, p.Errors)
	assert.Equal(t, s.EndTime.Unix(), p.EndTime.Unix())
}

func TestErrorLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "error_log")
	s := New(time.Now())
	el, err := NewErrorLog(path, nil, s)
	require.NoError(t, err)

	el.Record(UpdateError, record.ParseIndex("a/b"), errors.New("permission denied"))
	el.Record(ListError, record.ParseIndex("c"), errors.New("vanished"))
	require.NoError(t, el.Close())

	assert.Equal(t, int64(2), s.Errors)
	assert.Equal(t, 2, el.Len())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "UpdateError a/b permission denied", lines[0])
	assert.True(t, errors.Is(el.Errors[0], el.Errors[0].Err))
}

func TestHistory(t *testing.T) {
	h, err := OpenHistory(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer h.Close()

	t1, t2 := time.Unix(1000, 0), time.Unix(2000, 0)
	s := New(t1)
	s.EndTime = t1.Add(time.Second)
	s.NewFiles = 3
	errs := []*FileError{{UpdateError, record.ParseIndex("x"), errors.New("boom")}}
	id, err := h.RecordSession(t1, "initial", s, errs)
	require.NoError(t, err)
	_, err = h.RecordSession(t2, "incremental", New(t2), nil)
	require.NoError(t, err)

	rows, err := h.Sessions()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "initial", rows[0].Mode)
	assert.Equal(t, int64(3), rows[0].Stats.NewFiles)
	n, err := h.ErrorCount(id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, h.DeleteSession(t2))
	rows, err = h.Sessions()
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestWritePrometheus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rbk.prom")
	s := New(time.Now())
	s.ChangedFiles = 4
	require.NoError(t, WritePrometheus(path, "incremental", s))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `rbk_session_files{category="changed",mode="incremental"} 4`)
	assert.Contains(t, string(b), "rbk_session_errors")
}
