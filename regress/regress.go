// regress/regress.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package regress returns a repository to the state of its last complete
// session after a session that didn't finish: the mirror is restored
// from the increments, and everything the failed session wrote to the
// data directory is removed.
package regress

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/restore"
	"github.com/mmp/rbk/selection"
	"github.com/mmp/rbk/stats"
	"github.com/mmp/rbk/tree"
	u "github.com/mmp/rbk/util"
)

// ErrDirectory wraps failures to restore a directory; they abort the
// regress.
var ErrDirectory = errors.New("directory regress failed")

type Options struct {
	// Owner restores file ownership.
	Owner bool
	// Force regresses even if the failed session's process seems to be
	// running.
	Force bool
	// Parity writes parity for the metadata snapshot it materializes.
	Parity bool
	// Errors receives files that couldn't be restored; if nil, the first
	// such failure ends the regress.
	Errors stats.ErrorSink
	Log    *u.Logger
}

// Regress undoes the failed session of the repository, if there is one.
// It may be run again if it's interrupted.
func Regress(r *repo.Repo, opts Options) error {
	st, err := r.CheckState()
	if err != nil {
		return err
	}
	if !st.NeedsRegress() {
		opts.Log.Verbose("%s: no failed session to regress", r.Root)
		return nil
	}
	if st.Failed.Alive() && !opts.Force {
		return fmt.Errorf("pid %d: %w", st.Failed.PID, repo.ErrWriterRunning)
	}
	regressTime, failedTime := st.Current.Time, st.Failed.Time
	opts.Log.Print("regressing to %s", regressTime.Format(time.RFC3339))

	if err := cleanDataDir(r, regressTime, failedTime, *st.Failed, opts); err != nil {
		return err
	}

	md, err := r.Metadata().ReadAt(regressTime)
	if err != nil {
		return err
	}
	defer md.Close()

	mirror := selection.Walk(r.Root, selection.Options{Mirror: true, Errors: opts.Errors, Log: opts.Log})
	items := NewItems(mirror, increment.Walk(r.Increments()), md)
	red := tree.New(itemIndex, func() tree.Branch[*Item] {
		return &Branch{root: r.Root, t: regressTime, opts: &opts}
	}, opts.Log)
	for {
		it, err := items.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if err := red.Process(it); err != nil {
			return err
		}
	}
	if err := red.Finish(); err != nil {
		return err
	}

	return r.DeleteMarker(*st.Failed)
}

// cleanDataDir removes the failed session's files from the data
// directory, keeping its marker until the mirror has been restored.
func cleanDataDir(r *repo.Repo, regressTime, failedTime time.Time, failed repo.Marker, opts Options) error {
	store := r.Metadata()
	store.Parity = opts.Parity
	if err := store.RemoveStaleDiffs(); err != nil {
		return err
	}
	// The failed session may already have turned the regress time's
	// snapshot into a diff against its own.
	if f, err := store.Lookup(regressTime); err == nil && f.Kind == increment.Diff {
		if err := store.Materialize(regressTime); err != nil {
			return fmt.Errorf("materializing metadata: %w", err)
		}
	}

	files, err := r.FilesAt(failedTime)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f == failed.Path {
			continue
		}
		opts.Log.Verbose("removing %s", f)
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	if err := store.Delete(failedTime); err != nil {
		return err
	}
	if err := removeDataTempFiles(r, opts.Log); err != nil {
		return err
	}

	if _, err := os.Stat(r.HistoryPath()); err == nil {
		h, err := stats.OpenHistory(r.HistoryPath())
		if err != nil {
			return err
		}
		err = h.DeleteSession(failedTime)
		if cerr := h.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("%s: %w", r.HistoryPath(), err)
		}
	}
	return nil
}

// Branch restores one directory of the mirror and its contents.
type Branch struct {
	root string
	t    time.Time
	opts *Options

	dir *Item
}

func (b *Branch) path(idx record.Index) string {
	return idx.Path(b.root)
}

func (b *Branch) fail(idx record.Index, err error) error {
	if b.opts.Errors == nil {
		return fmt.Errorf("%s: %w", idx, err)
	}
	b.opts.Errors.Record(stats.UpdateError, idx, err)
	return nil
}

func (b *Branch) CanFastProcess(it *Item) bool {
	return !it.Target.IsDir() && !it.Mirror.IsDir()
}

func (b *Branch) FastProcess(it *Item) error {
	if err := b.restoreLeaf(it); err != nil {
		return b.fail(it.Index, err)
	}
	if err := b.deleteNewIncs(it); err != nil {
		return b.fail(it.Index, err)
	}
	return nil
}

// restoreLeaf puts the non-directory target state of it in place, unless
// the mirror already has it.
func (b *Branch) restoreLeaf(it *Item) error {
	path := b.path(it.Index)
	if record.EqualLoose(it.Target, it.Mirror) {
		return nil
	}
	b.opts.Log.Debug("%s: restoring", it.Index)
	if !it.Target.Exists() {
		if err := os.RemoveAll(path); err != nil {
			return err
		}
		return nil
	}

	tmp := record.TempPath(filepath.Dir(path))
	err := restore.File(it.Target, path, it.Incs, b.t, tmp, b.opts.Owner)
	if err == nil {
		err = os.Rename(tmp, path)
	}
	if err != nil {
		os.Remove(tmp)
	}
	return err
}

// deleteNewIncs removes the increments the failed session wrote, which
// carry the time being regressed to.
func (b *Branch) deleteNewIncs(it *Item) error {
	for _, inc := range it.Incs {
		if inc.Time.Before(b.t) {
			continue
		}
		b.opts.Log.Debug("removing increment %s", inc.Path)
		if err := os.Remove(inc.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (b *Branch) StartProcess(it *Item) error {
	b.dir = it
	if !it.Target.IsDir() {
		// A directory the failed session created in place of something
		// else; its contents are removed first.
		return nil
	}

	path := b.path(it.Index)
	if it.Mirror.Exists() && !it.Mirror.IsDir() {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("%s: %w: %w", it.Index, ErrDirectory, err)
		}
	}
	if !it.Mirror.IsDir() {
		if err := os.Mkdir(path, 0700); err != nil {
			return fmt.Errorf("%s: %w: %w", it.Index, ErrDirectory, err)
		}
	} else if it.Mirror.Perms&0700 != 0700 {
		if err := os.Chmod(path, os.FileMode(it.Mirror.Perms&0777|0700)); err != nil {
			return fmt.Errorf("%s: %w: %w", it.Index, ErrDirectory, err)
		}
	}
	removeTempFiles(path, b.opts.Log)
	return nil
}

// removeTempFiles removes temporary files left in dir by an interrupted
// session.
func removeTempFiles(dir string, log *u.Logger) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	names, _ := f.Readdirnames(-1)
	f.Close()
	for _, n := range names {
		if record.IsTempName(n) {
			log.Verbose("removing temporary file %s", filepath.Join(dir, n))
			os.RemoveAll(filepath.Join(dir, n))
		}
	}
}

// removeDataTempFiles removes the partial metadata, statistics and
// increment files an interrupted session left in the data directory.
func removeDataTempFiles(r *repo.Repo, log *u.Logger) error {
	removeTempFiles(r.Data, log)
	err := filepath.WalkDir(r.Increments(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			removeTempFiles(path, log)
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (b *Branch) EndProcess() error {
	it := b.dir
	if it.Target.IsDir() {
		if err := record.CopyAttribs(it.Target, b.path(it.Index), b.opts.Owner); err != nil {
			return b.fail(it.Index, err)
		}
	} else {
		if err := os.RemoveAll(b.path(it.Index)); err != nil {
			return fmt.Errorf("%s: %w: %w", it.Index, ErrDirectory, err)
		}
		leaf := *it
		leaf.Mirror = nil
		if err := b.restoreLeaf(&leaf); err != nil {
			return b.fail(it.Index, err)
		}
	}
	if err := b.deleteNewIncs(it); err != nil {
		return b.fail(it.Index, err)
	}
	return nil
}

func (b *Branch) BranchProcess(child tree.Branch[*Item]) error {
	return nil
}
