// backup/run.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mmp/rbk/metadata"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/regress"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/selection"
	"github.com/mmp/rbk/stats"
	"github.com/mmp/rbk/transport"
)

// RunOptions holds everything Run needs besides the two roots.
type RunOptions struct {
	Options
	Selection selection.Options

	// MaxDiffChain limits the number of consecutive metadata diffs.
	MaxDiffChain int
	// Parity writes Reed-Solomon parity files for metadata snapshots.
	Parity bool
	// LockTimeout is how long to wait for another process to release
	// the repository.
	LockTimeout time.Duration
	// Force regresses a failed session even if the process that started
	// it seems to be running.
	Force bool
	// History records the session in the repository's SQLite history.
	History bool
	// PrometheusPath, if set, is where session gauges are written.
	PrometheusPath string

	Conn transport.Conn
	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// Run performs a complete backup session of source into the repository
// whose mirror is at mirrorRoot, creating the repository if needed.
// A session that didn't finish is regressed first.
func Run(source, mirrorRoot string, opts RunOptions) (*stats.SessionStats, error) {
	log := opts.Log
	r := repo.Open(mirrorRoot, log)
	if err := r.Init(); err != nil {
		return nil, err
	}
	if err := r.LockWait(opts.LockTimeout); err != nil {
		return nil, err
	}
	defer r.Unlock()

	st, err := r.CheckState()
	if err != nil {
		return nil, err
	}
	if st.NeedsRegress() {
		log.Print("previous session at %s didn't finish; regressing", st.Failed.Time.Format(time.RFC3339))
		err := regress.Regress(r, regress.Options{
			Owner:  opts.Owner,
			Force:  opts.Force,
			Parity: opts.Parity,
			Log:    log,
		})
		if err != nil {
			return nil, fmt.Errorf("regress: %w", err)
		}
		if st, err = r.CheckState(); err != nil {
			return nil, err
		}
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	t := now().UTC().Truncate(time.Second)
	if st.Current != nil && !t.After(st.Current.Time) {
		t = st.Current.Time.Add(time.Second)
	}

	store := r.Metadata()
	store.MaxChain = opts.MaxDiffChain
	store.Parity = opts.Parity

	incremental := false
	if st.Current != nil {
		incremental, err = hasPreviousSession(r, st.Current.Time)
		if err != nil {
			return nil, err
		}
		if !incremental {
			log.Print("initial session at %s didn't finish; restarting it",
				st.Current.Time.Format(time.RFC3339))
		}
	}

	var dest record.Iterator
	if incremental {
		md, err := store.ReadAt(st.Current.Time)
		if err == nil {
			defer md.Close()
			dest = md
		} else if errors.Is(err, metadata.ErrNotFound) {
			log.Warning("no metadata for %s; scanning the mirror", st.Current.Time.Format(time.RFC3339))
		} else {
			return nil, err
		}
	}
	if dest == nil {
		sel := opts.Selection
		sel.Mirror = true
		sel.Exclude = nil
		sel.Log = log
		dest = selection.Walk(mirrorRoot, sel)
	}

	marker, err := r.WriteMarker(t)
	if err != nil {
		return nil, err
	}

	s := &Session{
		SourceRoot: source,
		MirrorRoot: mirrorRoot,
		Time:       t,
		Conn:       opts.Conn,
		Stats:      stats.New(now()),
		Opts:       opts.Options,
		Now:        now,
	}
	errLog, err := stats.NewErrorLog(r.DataPath(repo.ErrorLogBase, t), log, s.Stats)
	if err != nil {
		return nil, err
	}
	defer errLog.Close()
	s.Errors = errLog

	mw, err := store.Create(t)
	if err != nil {
		return nil, err
	}
	s.Metadata = mw

	sel := opts.Selection
	sel.Errors = errLog
	sel.Log = log
	src := selection.Walk(source, sel)

	mode := "mirror"
	if incremental {
		mode = "increment"
		_, err = MirrorAndIncrement(s, src, dest, r.Increments(), st.Current.Time)
	} else {
		_, err = Mirror(s, src, dest)
	}
	if err != nil {
		mw.Abort()
		return s.Stats, err
	}
	if err := store.Finish(mw); err != nil {
		return s.Stats, err
	}
	log.Verbose("%s: %d records", mw.Path(), mw.Count())
	if err := finishSession(r, t, mode, s.Stats, errLog, opts); err != nil {
		return s.Stats, err
	}

	if incremental {
		if _, err := store.ConvertToDiff(st.Current.Time, t); err != nil {
			log.Warning("converting metadata to diff: %s", err)
		}
	}
	if st.Current != nil {
		if err := r.DeleteMarker(*st.Current); err != nil {
			return s.Stats, err
		}
	}
	log.Debug("session %s complete (marker %s)", t.Format(time.RFC3339), marker.Path)
	return s.Stats, nil
}

// hasPreviousSession reports whether the session at t left something
// behind to increment against; an initial session that was interrupted
// leaves neither metadata nor increments.
func hasPreviousSession(r *repo.Repo, t time.Time) (bool, error) {
	if _, err := r.Metadata().Lookup(t); err == nil {
		return true, nil
	} else if !errors.Is(err, metadata.ErrNotFound) {
		return false, err
	}
	entries, err := os.ReadDir(r.Increments())
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if len(entries) > 0 {
		return true, nil
	}
	sessions, err := r.Sessions()
	return len(sessions) > 1, err
}

// finishSession writes the session's statistics, history row and
// metrics.
func finishSession(r *repo.Repo, t time.Time, mode string, st *stats.SessionStats,
	errLog *stats.ErrorLog, opts RunOptions) error {
	err := record.WriteFileAtomic(r.DataPath(repo.StatsBase, t), 0644, func(w io.Writer) error {
		_, err := st.WriteTo(w)
		return err
	})
	if err != nil {
		return err
	}
	st.Log(opts.Log)

	if opts.History {
		h, err := stats.OpenHistory(r.HistoryPath())
		if err != nil {
			return err
		}
		_, err = h.RecordSession(t, mode, st, errLog.Errors)
		if cerr := h.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%s: %w", r.HistoryPath(), err)
		}
	}
	if opts.PrometheusPath != "" {
		if err := stats.WritePrometheus(opts.PrometheusPath, mode, st); err != nil {
			opts.Log.Warning("%s: %s", opts.PrometheusPath, err)
		}
	}
	return nil
}
