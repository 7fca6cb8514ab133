// restore/tree.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package restore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mmp/rbk/collate"
	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/stats"
	"github.com/mmp/rbk/tree"
	u "github.com/mmp/rbk/util"
)

var ErrNoSession = errors.New("no session at or before time")

// SessionAt returns the time of the newest session at or before t.
func SessionAt(r *repo.Repo, t time.Time) (time.Time, error) {
	sessions, err := r.Sessions()
	if err != nil {
		return time.Time{}, err
	}
	for i := len(sessions) - 1; i >= 0; i-- {
		if !sessions[i].After(t) {
			return sessions[i], nil
		}
	}
	return time.Time{}, fmt.Errorf("%s: %w", t.Format(time.RFC3339), ErrNoSession)
}

// Contents writes the contents of the regular file idx as of the session
// at t to w and returns their hash.
func Contents(r *repo.Repo, idx record.Index, t time.Time, w io.Writer) (string, error) {
	incs, err := increment.List(r.Increments(), idx)
	if err != nil {
		return "", err
	}
	p, err := Resolve(incs, t)
	if err != nil {
		return "", err
	}
	if p.Absent {
		return "", fmt.Errorf("%s: %w", idx, os.ErrNotExist)
	}
	return WriteContents(p, idx.Path(r.Root), w)
}

type TreeOptions struct {
	// Sub restricts the restore to the subtree at this index.
	Sub   record.Index
	Owner bool
	// Errors receives files that couldn't be restored; if nil, the
	// first such error ends the restore.
	Errors stats.ErrorSink
	Log    *u.Logger
}

// item is one path to restore.
type item struct {
	index      record.Index // relative to the restore target
	rec        *record.Record
	incs       []*increment.Increment
	mirrorPath string
}

func itemIndex(it *item) record.Index {
	return it.index
}

func recordIndex(r *record.Record) record.Index {
	return r.Index
}

func entryIndex(e *increment.Entry) record.Index {
	return e.Index
}

// Tree restores the mirror as of the session at time t to target, which
// must not exist unless it is an empty directory.
func Tree(r *repo.Repo, t time.Time, target string, opts TreeOptions) error {
	md, err := r.Metadata().ReadAt(t)
	if err != nil {
		return err
	}
	defer md.Close()

	j := collate.Join[*record.Record, *increment.Entry](md, recordIndex,
		increment.Walk(r.Increments()), entryIndex)
	red := tree.New(itemIndex, func() tree.Branch[*item] {
		return &restoreBranch{target: target, t: t, opts: &opts}
	}, opts.Log)

	n := 0
	for {
		jn, err := j.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if !jn.HasLeft || !opts.Sub.IsPrefixOf(jn.Index) {
			continue
		}
		it := &item{
			index:      jn.Index[len(opts.Sub):],
			rec:        jn.Left,
			mirrorPath: jn.Index.Path(r.Root),
		}
		if jn.HasRight {
			it.incs = jn.Right.Incs
		}
		if err := red.Process(it); err != nil {
			return err
		}
		n++
	}
	if n == 0 {
		return fmt.Errorf("%s: not in session %s: %w", opts.Sub, t.Format(time.RFC3339), os.ErrNotExist)
	}
	return red.Finish()
}

type restoreBranch struct {
	target string
	t      time.Time
	opts   *TreeOptions
	dir    *item
}

func (b *restoreBranch) fail(idx record.Index, err error) error {
	if b.opts.Errors == nil {
		return fmt.Errorf("%s: %w", idx, err)
	}
	b.opts.Errors.Record(stats.UpdateError, idx, err)
	return nil
}

func (b *restoreBranch) CanFastProcess(it *item) bool {
	return !it.rec.IsDir()
}

func (b *restoreBranch) FastProcess(it *item) error {
	path := it.index.Path(b.target)
	if err := File(it.rec, it.mirrorPath, it.incs, b.t, path, b.opts.Owner); err != nil {
		return b.fail(it.index, err)
	}
	b.opts.Log.Debug("%s: restored", it.index)
	return nil
}

func (b *restoreBranch) StartProcess(it *item) error {
	b.dir = it
	path := it.index.Path(b.target)
	err := os.Mkdir(path, 0700)
	if os.IsExist(err) && it.index.IsRoot() {
		err = nil
	}
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (b *restoreBranch) EndProcess() error {
	path := b.dir.index.Path(b.target)
	if err := record.CopyAttribs(b.dir.rec, path, b.opts.Owner); err != nil {
		return b.fail(b.dir.index, err)
	}
	return nil
}

func (b *restoreBranch) BranchProcess(child tree.Branch[*item]) error {
	return nil
}
