// repo/repo.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package repo manages the layout of a backup destination: the mirror
// itself, and the rdiff-backup-data directory next to it that holds
// increments, metadata, session markers and statistics.
package repo

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/metadata"
	"github.com/mmp/rbk/record"
	u "github.com/mmp/rbk/util"
	"golang.org/x/sys/unix"
)

const (
	DataDirName    = "rdiff-backup-data"
	IncrementsName = "increments"
	MarkerBase     = "current_mirror"
	StatsBase      = "session_statistics"
	ErrorLogBase   = "error_log"
	HistoryName    = "history.db"
	lockName       = "lock"
)

var (
	ErrLocked         = errors.New("repository is locked by another process")
	ErrMissingMarker  = errors.New("no session marker but repository has history")
	ErrTooManyMarkers = errors.New("more than two session markers")
	ErrWriterRunning  = errors.New("a backup process is still running")
)

type Repo struct {
	// Root is the mirror's root directory.
	Root string
	// Data is the rdiff-backup-data directory.
	Data string
	Log  *u.Logger

	lockFile *os.File
}

func Open(root string, log *u.Logger) *Repo {
	return &Repo{Root: root, Data: filepath.Join(root, DataDirName), Log: log}
}

// Init creates the mirror root and data directories if needed.
func (r *Repo) Init() error {
	if err := os.MkdirAll(r.Root, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(r.Increments(), 0700); err != nil {
		return err
	}
	return os.Chmod(r.Data, 0700)
}

// Exists reports whether the data directory exists.
func (r *Repo) Exists() bool {
	fi, err := os.Stat(r.Data)
	return err == nil && fi.IsDir()
}

func (r *Repo) Increments() string {
	return filepath.Join(r.Data, IncrementsName)
}

func (r *Repo) Metadata() *metadata.Store {
	return &metadata.Store{Dir: r.Data, Log: r.Log}
}

func (r *Repo) HistoryPath() string {
	return filepath.Join(r.Data, HistoryName)
}

// DataPath returns the path of a "<base>.<time>.data" file.
func (r *Repo) DataPath(base string, t time.Time) string {
	return filepath.Join(r.Data, base+"."+increment.FormatTime(t)+".data")
}

// ParseDataName parses a "<base>.<time>.data" file name.
func ParseDataName(name string) (base string, t time.Time, ok bool) {
	s, ok := strings.CutSuffix(name, ".data")
	if !ok {
		return "", time.Time{}, false
	}
	i := strings.IndexByte(s, '.')
	if i <= 0 {
		return "", time.Time{}, false
	}
	t, err := increment.ParseTime(s[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return s[:i], t, true
}

// FilesAt returns the files directly in the data directory that belong
// to the session at time t.
func (r *Repo) FilesAt(t time.Time) ([]string, error) {
	entries, err := os.ReadDir(r.Data)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".rs")
		if _, tm, ok := ParseDataName(name); ok && tm.Equal(t) {
			files = append(files, filepath.Join(r.Data, e.Name()))
		} else if n, ok := increment.ParseName(name); ok && n.Time.Equal(t) {
			files = append(files, filepath.Join(r.Data, e.Name()))
		}
	}
	return files, nil
}

///////////////////////////////////////////////////////////////////////////
// Locking

// Lock takes an exclusive lock on the repository, for a process that
// modifies it. It fails with ErrLocked if another process holds a lock.
func (r *Repo) Lock() error {
	return r.lock(unix.LOCK_EX)
}

// LockShared takes a shared lock, for a process that only reads the
// repository; any number of readers may hold one, but not while a
// writer holds the exclusive lock.
func (r *Repo) LockShared() error {
	return r.lock(unix.LOCK_SH)
}

// LockWait is like Lock but retries until timeout has passed.
func (r *Repo) LockWait(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := r.Lock()
		if err != ErrLocked || !time.Now().Before(deadline) {
			return err
		}
		r.Log.Verbose("%s: waiting for lock", r.Data)
		time.Sleep(lockPollInterval)
	}
}

const lockPollInterval = 250 * time.Millisecond

func (r *Repo) lock(how int) error {
	f, err := os.OpenFile(filepath.Join(r.Data, lockName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return ErrLocked
		}
		return fmt.Errorf("flock: %w", err)
	}
	r.lockFile = f
	return nil
}

func (r *Repo) Unlock() {
	if r.lockFile != nil {
		unix.Flock(int(r.lockFile.Fd()), unix.LOCK_UN)
		r.lockFile.Close()
		r.lockFile = nil
	}
}

///////////////////////////////////////////////////////////////////////////
// Session markers

// Marker is a current_mirror file. There's normally one, naming the time
// of the session the mirror reflects; a second one means the session
// that wrote it didn't finish.
type Marker struct {
	Time time.Time
	Path string
	// PID of the process that wrote the marker, or zero if unknown.
	PID int
}

var pidRegexp = regexp.MustCompile(`^(?:PID\s*)?([0-9]+)`)

// Markers returns the session markers, oldest first.
func (r *Repo) Markers() ([]Marker, error) {
	entries, err := os.ReadDir(r.Data)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var markers []Marker
	for _, e := range entries {
		base, t, ok := ParseDataName(e.Name())
		if !ok || base != MarkerBase {
			continue
		}
		m := Marker{Time: t, Path: filepath.Join(r.Data, e.Name())}
		if b, err := os.ReadFile(m.Path); err == nil {
			if match := pidRegexp.FindSubmatch(b); match != nil {
				m.PID, _ = strconv.Atoi(string(match[1]))
			}
		}
		markers = append(markers, m)
	}
	sort.Slice(markers, func(i, j int) bool { return markers[i].Time.Before(markers[j].Time) })
	return markers, nil
}

// WriteMarker durably creates the marker for a session at time t.
func (r *Repo) WriteMarker(t time.Time) (Marker, error) {
	m := Marker{Time: t, Path: r.DataPath(MarkerBase, t), PID: os.Getpid()}
	err := record.WriteFileAtomic(m.Path, 0600, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "PID %d\n", m.PID)
		return err
	})
	if err == nil {
		err = record.SyncDir(r.Data)
	}
	return m, err
}

func (r *Repo) DeleteMarker(m Marker) error {
	if err := os.Remove(m.Path); err != nil {
		return err
	}
	return record.SyncDir(r.Data)
}

// Alive reports whether the process that wrote the marker may still be
// running.
func (m Marker) Alive() bool {
	if m.PID <= 0 || m.PID == os.Getpid() {
		return false
	}
	err := unix.Kill(m.PID, 0)
	return err == nil || err == unix.EPERM
}

// State describes the repository's session markers.
type State struct {
	// Current is the marker of the last session that completed, if any.
	Current *Marker
	// Failed is the marker of a session that started after Current and
	// didn't complete.
	Failed *Marker
}

// NeedsRegress reports whether an unfinished session has to be undone.
func (s State) NeedsRegress() bool {
	return s.Current != nil && s.Failed != nil
}

// CheckState reads the session markers and checks that they're
// consistent with the rest of the repository.
func (r *Repo) CheckState() (State, error) {
	markers, err := r.Markers()
	if err != nil {
		return State{}, err
	}
	switch len(markers) {
	case 0:
		hist, err := r.hasHistory()
		if err != nil {
			return State{}, err
		}
		if hist {
			return State{}, ErrMissingMarker
		}
		return State{}, nil
	case 1:
		return State{Current: &markers[0]}, nil
	case 2:
		return State{Current: &markers[0], Failed: &markers[1]}, nil
	default:
		return State{}, fmt.Errorf("%d markers: %w", len(markers), ErrTooManyMarkers)
	}
}

func (r *Repo) hasHistory() (bool, error) {
	files, err := r.Metadata().List()
	if err != nil || len(files) > 0 {
		return len(files) > 0, err
	}
	entries, err := os.ReadDir(r.Increments())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

// Sessions returns the times of all sessions, oldest first: those with
// increments for the root directory and the current one.
func (r *Repo) Sessions() ([]time.Time, error) {
	incs, err := increment.List(r.Increments(), record.Index{})
	if err != nil {
		return nil, err
	}
	var times []time.Time
	for _, inc := range incs {
		times = append(times, inc.Time)
	}
	st, err := r.CheckState()
	if err != nil {
		return nil, err
	}
	if st.Current != nil {
		times = append(times, st.Current.Time)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return slices.CompactFunc(times, time.Time.Equal), nil
}
