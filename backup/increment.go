// backup/increment.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"fmt"
	"os"
	"time"

	"github.com/mmp/rbk/cache"
	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/tree"
)

// IncrementBranch is a PatchBranch that saves an increment with the
// mirror's previous state of each path before changing it.
type IncrementBranch struct {
	PatchBranch
	incRoot  string
	prevTime time.Time
}

func (b *IncrementBranch) FastProcess(c *Change) error {
	tmp, err := b.stage(c)
	if err != nil {
		b.s.recordError(errorKind(c.Rec), c.Index, err)
		return nil
	}
	return b.commit(c, tmp, b.mirrorPath(c.Index), func(tmp string) error {
		return b.writeIncrement(c, tmp)
	})
}

func (b *IncrementBranch) StartProcess(c *Change) error {
	b.index = c.Index
	if c.Rec.IsDir() {
		if err := b.writeIncrement(c, b.mirrorPath(c.Index)); err != nil {
			return fmt.Errorf("%w: %w", ErrDirectory, err)
		}
		return b.prepareDir(c)
	}

	if err := b.setDirReplacement(c); err != nil {
		return err
	}
	if err := b.writeIncrement(c, b.replacement); err != nil {
		os.RemoveAll(b.replacement)
		return fmt.Errorf("%w: %w", ErrDirectory, err)
	}
	return nil
}

// writeIncrement saves the mirror's current state of c.Index, given
// the path of its new version.
func (b *IncrementBranch) writeIncrement(c *Change, newPath string) error {
	path := b.mirrorPath(c.Index)
	mirror, err := record.LstatPath(path, c.Index)
	if err != nil {
		return err
	}

	dir, base := increment.Location(b.incRoot, c.Index)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	inc, err := increment.Write(newPath, c.Rec, path, mirror, dir, base, b.prevTime,
		b.s.Opts.Increments)
	if err != nil {
		return err
	}
	b.s.log().Debug("%s: wrote %s increment %s", c.Index, inc.Kind, inc.Path)
	if b.s.cache.InCache(c.Index) {
		return b.s.cache.SetIncrement(c.Index, &cache.IncrementRef{Path: inc.Path, Size: inc.Size()})
	}
	return nil
}

var _ tree.Branch[*Change] = (*IncrementBranch)(nil)
