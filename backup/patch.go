// backup/patch.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mmp/rbk/delta"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/stats"
	"github.com/mmp/rbk/tree"
)

// PatchBranch applies changes to the mirror. Each directory gets its own
// PatchBranch; leaves are written through a temporary sibling that is
// renamed into place once its contents and attributes check out.
type PatchBranch struct {
	s *Session

	index record.Index
	// dirUpdate holds the record to apply to the directory at the end.
	dirUpdate *record.Record
	// replacement is where the non-directory that replaces the directory
	// has been staged; set when a directory is turned into something else.
	replacement string
}

func (b *PatchBranch) mirrorPath(idx record.Index) string {
	return idx.Path(b.s.MirrorRoot)
}

func (b *PatchBranch) CanFastProcess(c *Change) bool {
	if c.Rec.IsDir() {
		return false
	}
	fi, err := os.Lstat(b.mirrorPath(c.Index))
	return err != nil || !fi.IsDir()
}

func (b *PatchBranch) FastProcess(c *Change) error {
	path := b.mirrorPath(c.Index)
	tmp, err := b.stage(c)
	if err != nil {
		b.s.recordError(errorKind(c.Rec), c.Index, err)
		return nil
	}
	return b.commit(c, tmp, path, nil)
}

// stage writes the new state of c to a temporary sibling of its mirror
// path and verifies it. The returned path doesn't exist if c is a
// deletion.
func (b *PatchBranch) stage(c *Change) (string, error) {
	path := b.mirrorPath(c.Index)
	tmp := record.TempPath(filepath.Dir(path))
	if err := b.patchToTemp(c, path, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	if !c.Rec.Exists() {
		return tmp, nil
	}

	if c.LinkTo == nil {
		if err := record.CopyAttribs(c.Rec, tmp, b.s.Opts.Owner); err != nil {
			os.Remove(tmp)
			return "", err
		}
	}
	if err := b.verify(c, tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

// commit moves a staged file into place, or removes the mirror's copy
// for a deletion. If before is non-nil it is called first, once the
// outcome is known.
func (b *PatchBranch) commit(c *Change, tmp, path string, before func(tmp string) error) error {
	if before != nil {
		if err := before(tmp); err != nil {
			os.Remove(tmp)
			b.s.recordError(stats.UpdateError, c.Index, err)
			return nil
		}
	}
	if _, err := os.Lstat(tmp); err == nil {
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			b.s.recordError(stats.UpdateError, c.Index, err)
			return nil
		}
		return b.flag(c.Index, b.s.cache.FlagSuccess)
	}
	if _, err := os.Lstat(path); err == nil {
		if err := os.Remove(path); err != nil {
			b.s.recordError(stats.UpdateError, c.Index, err)
			return nil
		}
	}
	return b.flag(c.Index, b.s.cache.FlagDeleted)
}

// flag applies f to idx if it is still in the cache window; fill-in
// directories may have been committed already.
func (b *PatchBranch) flag(idx record.Index, f func(record.Index) error) error {
	if !b.s.cache.InCache(idx) {
		return nil
	}
	return f(idx)
}

func (b *PatchBranch) patchToTemp(c *Change, path, tmp string) error {
	switch {
	case !c.Rec.Exists():
		return nil
	case c.LinkTo != nil:
		return os.Link(b.mirrorPath(c.LinkTo), tmp)
	case c.Rec.IsReg():
		return b.writeRegular(c, path, tmp)
	default:
		return record.Make(c.Rec, tmp)
	}
}

func (b *PatchBranch) writeRegular(c *Change, path, tmp string) error {
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	err = b.writeContents(c, path, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func (b *PatchBranch) writeContents(c *Change, path string, w io.Writer) error {
	a := c.Rec.Attached()
	if a == nil {
		return fmt.Errorf("no contents attached")
	}
	r, err := a.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	switch a.Kind {
	case record.Snapshot:
		_, err = io.Copy(w, r)
		return err
	case record.Diff:
		basis, err := os.Open(path)
		if err != nil {
			return err
		}
		defer basis.Close()
		return delta.Patch(basis, r, w)
	default:
		return fmt.Errorf("unexpected attachment kind %s", a.Kind)
	}
}

// verify checks that the staged file matches the source record, as it
// may have changed while it was being read.
func (b *PatchBranch) verify(c *Change, tmp string) error {
	want, err := b.s.cache.GetSource(c.Index)
	if err != nil {
		want = c.Rec
	}
	got, err := record.LstatPath(tmp, c.Index)
	if err != nil {
		return err
	}
	if !record.EqualLoose(want, got) {
		return fmt.Errorf("staged file doesn't match source (changed during backup?)")
	}
	return nil
}

func errorKind(r *record.Record) stats.ErrorKind {
	if r.Exists() && !r.IsReg() && !r.IsDir() {
		return stats.SpecialFileError
	}
	return stats.UpdateError
}

func (b *PatchBranch) StartProcess(c *Change) error {
	b.index = c.Index
	if c.Rec.IsDir() {
		return b.prepareDir(c)
	}
	return b.setDirReplacement(c)
}

// prepareDir makes sure an owner-writable directory is at c's mirror
// path, so its contents can be updated.
func (b *PatchBranch) prepareDir(c *Change) error {
	path := b.mirrorPath(c.Index)
	fi, err := os.Lstat(path)
	if err != nil || !fi.IsDir() {
		if err == nil {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("%s: %w: %w", c.Index, ErrDirectory, err)
			}
		}
		if err := os.Mkdir(path, 0700); err != nil {
			return fmt.Errorf("%s: %w: %w", c.Index, ErrDirectory, err)
		}
		if err := b.flag(c.Index, b.s.cache.FlagSuccess); err != nil {
			return err
		}
	} else {
		if err := b.flag(c.Index, b.s.cache.FlagSuccess); err != nil {
			return err
		}
		if fi.Mode().Perm()&0700 != 0700 {
			if err := os.Chmod(path, fi.Mode().Perm()|0700); err != nil {
				return fmt.Errorf("%s: %w: %w", c.Index, ErrDirectory, err)
			}
		}
	}
	b.dirUpdate = c.Rec
	return nil
}

// setDirReplacement stages the non-directory that replaces the mirror's
// directory at c.Index; the directory itself is removed once its
// contents have been processed.
func (b *PatchBranch) setDirReplacement(c *Change) error {
	tmp, err := b.stage(c)
	if err != nil {
		b.s.recordError(errorKind(c.Rec), c.Index, err)
		return b.keepEmptyDir(c)
	}
	b.replacement = tmp
	if _, err := os.Lstat(tmp); err == nil {
		return b.flag(c.Index, b.s.cache.FlagSuccess)
	}
	return b.flag(c.Index, b.s.cache.FlagDeleted)
}

// keepEmptyDir stages an empty copy of the mirror's directory in place
// of a replacement that couldn't be written.
func (b *PatchBranch) keepEmptyDir(c *Change) error {
	dir, err := b.s.cache.GetMirror(c.Index)
	if err != nil || !dir.IsDir() {
		return fmt.Errorf("%s: %w: no mirror directory record", c.Index, ErrDirectory)
	}
	tmp := record.TempPath(filepath.Dir(b.mirrorPath(c.Index)))
	if err := record.MakeWithAttribs(dir, tmp, b.s.Opts.Owner); err != nil {
		return fmt.Errorf("%s: %w: %w", c.Index, ErrDirectory, err)
	}
	b.replacement = tmp
	return nil
}

func (b *PatchBranch) EndProcess() error {
	path := b.mirrorPath(b.index)
	if b.replacement != "" {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("%s: %w: %w", b.index, ErrDirectory, err)
		}
		b.s.cache.DropDirPerms(b.index)
		if _, err := os.Lstat(b.replacement); err == nil {
			if err := os.Rename(b.replacement, path); err != nil {
				return fmt.Errorf("%s: %w: %w", b.index, ErrDirectory, err)
			}
		}
		return nil
	}

	if err := record.CopyAttribs(b.dirUpdate, path, b.s.Opts.Owner); err != nil {
		b.s.recordError(stats.UpdateError, b.index, err)
		return nil
	}
	if !b.index.IsRoot() && b.dirUpdate.Perms&0700 != 0700 {
		// Restored once the directory's subtree has been committed, as
		// later files in it may still need to be written.
		if err := b.s.cache.DeferDirPerms(b.index, path, b.dirUpdate.Perms); err != nil {
			b.s.recordError(stats.UpdateError, b.index, err)
		}
	}
	return nil
}

func (b *PatchBranch) BranchProcess(child tree.Branch[*Change]) error {
	return nil
}

var _ tree.Branch[*Change] = (*PatchBranch)(nil)
