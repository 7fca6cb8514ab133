// cache/cache.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package cache implements a bounded window over a stream of collated
// pairs. Later stages use it to look back at pairs already pulled (and at
// their enclosing directories) and to flag what happened to them; the
// statistics and metadata for an entry are only committed once it falls
// out of the window.
package cache

import (
	"errors"
	"fmt"

	"github.com/mmp/rbk/collate"
	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/stats"
	u "github.com/mmp/rbk/util"
)

var (
	// ErrBelowWindow is returned for a lookup of an index that has
	// already been committed.
	ErrBelowWindow = errors.New("index below cache window")
	// ErrNotCached is returned for an index that hasn't been pulled yet.
	ErrNotCached = errors.New("index not in cache")
)

// DefaultSize is the default number of entries in the window.
const DefaultSize = 1000

type Outcome int

const (
	Pending Outcome = iota
	Success
	Deleted
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case Deleted:
		return "deleted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// IncrementRef describes the increment written for an entry.
type IncrementRef struct {
	Path string
	Size int64
}

// Entry is one row of the cache.
type Entry struct {
	Index     record.Index
	Source    *record.Record
	Dest      *record.Record
	Changed   bool
	Outcome   Outcome
	Increment *IncrementRef
}

func (e *Entry) isDir() bool {
	return e.Source.IsDir() || e.Dest.IsDir()
}

// MetadataWriter receives the metadata record of each committed entry,
// in index order.
type MetadataWriter interface {
	Write(r *record.Record) error
}

type Options struct {
	// Size is the number of entries kept in the window.
	Size int
	// Stats, if non-nil, accumulates totals as entries are committed.
	Stats *stats.SessionStats
	// Metadata, if non-nil, receives committed records.
	Metadata MetadataWriter
	// Hardlinks enables hard-link bookkeeping for source files.
	Hardlinks bool
	// MirrorRoot, if set along with RelaxPerms, is where destination
	// directories that block traversal are made accessible.
	MirrorRoot string
	RelaxPerms bool
	Log        *u.Logger
}

// Cache wraps a collated pair stream.
type Cache struct {
	in      collate.PairIterator
	opts    Options
	entries map[string]*Entry
	order   []*Entry
	parents []*Entry
	perms   permList

	Links *LinkTable

	lastCommitted record.Index
	committed     bool
	closed        bool
}

func New(in collate.PairIterator, opts Options) *Cache {
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	return &Cache{
		in:      in,
		opts:    opts,
		entries: make(map[string]*Entry),
		Links:   NewLinkTable(),
	}
}

// Next pulls the next pair from the underlying stream and adds it to the
// window, committing the oldest entry if the window is full.
func (c *Cache) Next() (*collate.Pair, error) {
	p, err := c.in.Next()
	if err != nil {
		return nil, err
	}
	if err := c.preProcess(p); err != nil {
		return nil, err
	}

	e := &Entry{Index: p.Index, Source: p.Source, Dest: p.Dest}
	c.entries[p.Index.Key()] = e
	c.order = append(c.order, e)
	for len(c.order) > c.opts.Size {
		if err := c.shorten(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (c *Cache) preProcess(p *collate.Pair) error {
	if c.opts.Hardlinks && p.Source != nil {
		c.Links.Add(p.Source, p.Dest)
	}
	if c.opts.RelaxPerms && c.opts.MirrorRoot != "" && p.Dest.IsDir() && p.Dest.Perms&0700 != 0700 {
		path := p.Index.Path(c.opts.MirrorRoot)
		if err := c.perms.relax(p.Index, path, p.Dest.Perms); err != nil {
			return fmt.Errorf("%s: %w", p.Index, err)
		}
	}
	return nil
}

func (c *Cache) shorten() error {
	e := c.order[0]
	c.order[0] = nil
	c.order = c.order[1:]
	delete(c.entries, e.Index.Key())
	return c.commit(e)
}

func (c *Cache) commit(e *Entry) error {
	c.lastCommitted, c.committed = e.Index, true

	if c.opts.Hardlinks && e.Source != nil {
		c.Links.Del(e.Source)
	}
	if err := c.perms.release(e.Index); err != nil {
		c.opts.Log.Warning("%s", err)
	}
	c.updateParents(e)

	if s := c.opts.Stats; s != nil {
		if !e.Changed || e.Outcome != Pending {
			if e.Source != nil {
				s.AddSource(e.Source)
			}
			if e.Dest != nil {
				s.AddDest(e.Dest)
			}
		}
		if e.Changed {
			s.AddChanged(e.Source, e.Dest)
		}
		if e.Increment != nil {
			s.AddIncrement(e.Increment.Size)
		}
	}

	var meta *record.Record
	switch e.Outcome {
	case Pending:
		meta = e.Dest
	case Success:
		meta = e.Source
	}
	if c.opts.Metadata != nil && meta.Exists() {
		if err := c.opts.Metadata.Write(meta); err != nil {
			return fmt.Errorf("%s: writing metadata: %w", e.Index, err)
		}
	}
	return nil
}

// updateParents keeps a committed directory entry available to lookups
// until an index outside of its subtree is committed.
func (c *Cache) updateParents(e *Entry) {
	for len(c.parents) > 0 && !c.parents[len(c.parents)-1].Index.IsAncestorOf(e.Index) {
		c.parents = c.parents[:len(c.parents)-1]
	}
	if e.isDir() {
		c.parents = append(c.parents, e)
	}
}

// Get returns the entry for idx, either from the window or, for a
// directory whose subtree is still being processed, from the parent
// list.
func (c *Cache) Get(idx record.Index) (*Entry, error) {
	if e, ok := c.entries[idx.Key()]; ok {
		return e, nil
	}
	for i := len(c.parents) - 1; i >= 0; i-- {
		if c.parents[i].Index.Equal(idx) {
			return c.parents[i], nil
		}
	}
	if c.committed && idx.Compare(c.lastCommitted) <= 0 {
		return nil, fmt.Errorf("%s: %w (oldest retained after %s)", idx, ErrBelowWindow, c.lastCommitted)
	}
	return nil, fmt.Errorf("%s: %w", idx, ErrNotCached)
}

// getWindow is like Get but only succeeds for entries that haven't been
// committed yet, as those are the only ones that may still be changed.
func (c *Cache) getWindow(idx record.Index) (*Entry, error) {
	if e, ok := c.entries[idx.Key()]; ok {
		return e, nil
	}
	if c.committed && idx.Compare(c.lastCommitted) <= 0 {
		return nil, fmt.Errorf("%s: %w", idx, ErrBelowWindow)
	}
	return nil, fmt.Errorf("%s: %w", idx, ErrNotCached)
}

// GetParent returns the entry of the nearest enclosing directory of idx
// that the cache still holds.
func (c *Cache) GetParent(idx record.Index) (*Entry, error) {
	for p := idx; !p.IsRoot(); {
		p = p.Parent()
		if e, err := c.Get(p); err == nil {
			return e, nil
		}
	}
	return nil, fmt.Errorf("%s: no enclosing directory: %w", idx, ErrBelowWindow)
}

// InCache reports whether idx is in the window.
func (c *Cache) InCache(idx record.Index) bool {
	_, ok := c.entries[idx.Key()]
	return ok
}

func (c *Cache) GetSource(idx record.Index) (*record.Record, error) {
	e, err := c.Get(idx)
	if err != nil {
		return nil, err
	}
	return e.Source, nil
}

func (c *Cache) GetMirror(idx record.Index) (*record.Record, error) {
	e, err := c.Get(idx)
	if err != nil {
		return nil, err
	}
	return e.Dest, nil
}

func (c *Cache) FlagChanged(idx record.Index) error {
	e, err := c.getWindow(idx)
	if err == nil {
		e.Changed = true
	}
	return err
}

func (c *Cache) FlagSuccess(idx record.Index) error {
	e, err := c.getWindow(idx)
	if err == nil {
		e.Outcome = Success
	}
	return err
}

func (c *Cache) FlagDeleted(idx record.Index) error {
	e, err := c.getWindow(idx)
	if err == nil {
		e.Outcome = Deleted
	}
	return err
}

func (c *Cache) SetIncrement(idx record.Index, inc *IncrementRef) error {
	e, err := c.getWindow(idx)
	if err == nil {
		e.Increment = inc
	}
	return err
}

// UpdateHash records the content hash computed for idx's source file.
func (c *Cache) UpdateHash(idx record.Index, hash string) error {
	e, err := c.getWindow(idx)
	if err != nil {
		return err
	}
	if e.Source != nil {
		e.Source.Hash = hash
		if c.opts.Hardlinks {
			c.Links.setHash(e.Source, hash)
		}
	}
	return nil
}

// UpdateHardlinkHash copies the hash of idx's link group representative
// to idx's source record.
func (c *Cache) UpdateHardlinkHash(idx record.Index) error {
	e, err := c.getWindow(idx)
	if err != nil {
		return err
	}
	if e.Source != nil {
		if h := c.Links.Hash(e.Source); h != "" {
			e.Source.Hash = h
		}
	}
	return nil
}

// DeferDirPerms sets the directory at path to be owner-accessible for
// the rest of the session and restores perms once idx's subtree has
// been committed.
func (c *Cache) DeferDirPerms(idx record.Index, path string, perms uint32) error {
	return c.perms.relax(idx, path, perms)
}

// DropDirPerms forgets the permissions to restore for idx, for a
// directory that has been replaced.
func (c *Cache) DropDirPerms(idx record.Index) {
	c.perms.forget(idx)
}

// Close commits every remaining entry if commit is set, and restores the
// permissions of any relaxed directories in either case.
func (c *Cache) Close(commit bool) error {
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if commit {
		for len(c.order) > 0 && err == nil {
			err = c.shorten()
		}
	}
	if perr := c.perms.releaseAll(); err == nil {
		err = perr
	}
	return err
}
