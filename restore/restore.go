// restore/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package restore reconstructs files as they were at the end of an
// earlier session, from the mirror and the chain of reverse increments
// that leads back to that session.
package restore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/record"
)

var (
	// ErrBrokenChain is returned when the increments of a file don't
	// form a chain that can be applied.
	ErrBrokenChain = errors.New("broken increment chain")
	// ErrHashMismatch is returned when restored contents don't match the
	// hash recorded in the metadata.
	ErrHashMismatch = errors.New("restored contents don't match recorded hash")
)

// Plan describes how to produce the state of one path at some time.
type Plan struct {
	// Absent and Dir are set if nothing or a directory existed at that
	// time.
	Absent bool
	Dir    bool
	// Base is the snapshot increment the contents start from; if nil,
	// they start from the mirror.
	Base *increment.Increment
	// Diffs are applied to the base in order, newest first.
	Diffs []*increment.Increment
}

// FromMirror reports whether the path's state at the time is the
// mirror's current state, unchanged.
func (p Plan) FromMirror() bool {
	return !p.Absent && !p.Dir && p.Base == nil && len(p.Diffs) == 0
}

// Resolve works out how to restore a path at time t from its increments,
// sorted oldest first. Increments are stamped with the time of the
// session they preserve, so the oldest increment at or after t holds
// (or starts the chain to) the state at t.
func Resolve(incs []*increment.Increment, t time.Time) (Plan, error) {
	var chain []*increment.Increment
	for _, inc := range incs {
		if inc.Time.Before(t) {
			continue
		}
		if len(chain) == 0 {
			switch inc.Kind {
			case increment.Missing:
				return Plan{Absent: true}, nil
			case increment.Dir:
				return Plan{Dir: true}, nil
			case increment.Snapshot:
				return Plan{Base: inc}, nil
			}
		} else if inc.Kind != increment.Diff && inc.Kind != increment.Snapshot {
			return Plan{}, fmt.Errorf("%s: %s increment after diff: %w", inc.Path, inc.Kind, ErrBrokenChain)
		}
		if inc.Kind == increment.Snapshot {
			return Plan{Base: inc, Diffs: reversed(chain)}, nil
		}
		chain = append(chain, inc)
	}
	return Plan{Diffs: reversed(chain)}, nil
}

func reversed(incs []*increment.Increment) []*increment.Increment {
	r := make([]*increment.Increment, len(incs))
	for i, inc := range incs {
		r[len(incs)-1-i] = inc
	}
	return r
}

// WriteContents writes the contents of a regular file according to p,
// starting from mirrorPath if p has no snapshot base. The hash of what
// was written is returned.
func WriteContents(p Plan, mirrorPath string, w io.Writer) (string, error) {
	if p.Absent || p.Dir {
		return "", fmt.Errorf("%s: no contents to restore", mirrorPath)
	}

	var basis *os.File
	var err error
	if len(p.Diffs) > 0 {
		if basis, err = openBase(p, mirrorPath); err != nil {
			return "", err
		}
		defer basis.Close()
		for _, d := range p.Diffs[:len(p.Diffs)-1] {
			next, err := os.CreateTemp("", "rbk-restore-")
			if err != nil {
				return "", err
			}
			os.Remove(next.Name())
			if err := d.Restore(basis, next); err != nil {
				next.Close()
				return "", err
			}
			basis.Close()
			basis = next
		}
	}

	h := record.NewHasher()
	mw := io.MultiWriter(w, h)
	switch {
	case len(p.Diffs) > 0:
		err = p.Diffs[len(p.Diffs)-1].Restore(basis, mw)
	case p.Base != nil:
		err = p.Base.Restore(nil, mw)
	default:
		var f *os.File
		if f, err = os.Open(mirrorPath); err == nil {
			_, err = io.Copy(mw, f)
			f.Close()
		}
	}
	if err != nil {
		return "", err
	}
	return h.Sum(), nil
}

// openBase returns a file holding the contents the diffs of p start
// from.
func openBase(p Plan, mirrorPath string) (*os.File, error) {
	if p.Base == nil {
		return os.Open(mirrorPath)
	}
	f, err := os.CreateTemp("", "rbk-restore-")
	if err != nil {
		return nil, err
	}
	os.Remove(f.Name())
	if err := p.Base.Restore(nil, f); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// File writes the file at mirrorPath, as it was at time t, to target,
// and sets its attributes from rec, the file's metadata record at t.
// If rec has a content hash, the restored contents are checked
// against it.
func File(rec *record.Record, mirrorPath string, incs []*increment.Increment, t time.Time,
	target string, owner bool) error {
	p, err := Resolve(incs, t)
	if err != nil {
		return err
	}
	if !rec.IsReg() {
		if !rec.Exists() {
			return nil
		}
		return record.MakeWithAttribs(rec, target, owner)
	}
	if p.Absent || p.Dir {
		return fmt.Errorf("%s: metadata has a regular file but increments don't: %w", target, ErrBrokenChain)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	hash, err := WriteContents(p, mirrorPath, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && rec.Hash != "" && hash != rec.Hash {
		err = fmt.Errorf("%s: %w", target, ErrHashMismatch)
	}
	if err != nil {
		os.Remove(target)
		return err
	}
	return record.CopyAttribs(rec, target, owner)
}
