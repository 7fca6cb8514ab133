// cache/hardlink.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package cache

import "github.com/mmp/rbk/record"

// linkGroup tracks one set of hard-linked source files: the index of the
// first one seen, which stands for the whole group, and how many links
// haven't been committed yet.
type linkGroup struct {
	index     record.Index
	remaining uint64
	destKey   record.InodeKey
	hasDest   bool
	hash      string
}

// LinkTable maps the (device, inode) of multiply-linked source files to
// their group.
type LinkTable struct {
	groups map[record.InodeKey]*linkGroup
}

func NewLinkTable() *LinkTable {
	return &LinkTable{groups: make(map[record.InodeKey]*linkGroup)}
}

// Add registers a source file; the first file of a group becomes its
// representative.
func (t *LinkTable) Add(src, dest *record.Record) {
	if !src.Linkable() {
		return
	}
	key := src.InodeKey()
	if _, ok := t.groups[key]; ok {
		return
	}
	g := &linkGroup{index: src.Index, remaining: src.NLink, hash: src.Hash}
	if dest.Linkable() {
		g.destKey, g.hasDest = dest.InodeKey(), true
	}
	t.groups[key] = g
}

// Del notes that one link of src's group has been fully processed.
func (t *LinkTable) Del(src *record.Record) {
	if !src.Linkable() {
		return
	}
	key := src.InodeKey()
	g, ok := t.groups[key]
	if !ok {
		return
	}
	if g.remaining <= 1 {
		delete(t.groups, key)
	} else {
		g.remaining--
	}
}

// IsLinked reports whether src is a link to an earlier file in its
// group.
func (t *LinkTable) IsLinked(src *record.Record) bool {
	if !src.Linkable() {
		return false
	}
	g, ok := t.groups[src.InodeKey()]
	return ok && !g.index.Equal(src.Index)
}

// LinkIndex returns the index of the representative of src's group.
func (t *LinkTable) LinkIndex(src *record.Record) (record.Index, bool) {
	if !src.Linkable() {
		return nil, false
	}
	g, ok := t.groups[src.InodeKey()]
	if !ok {
		return nil, false
	}
	return g.index, true
}

func (t *LinkTable) Hash(src *record.Record) string {
	if g, ok := t.groups[src.InodeKey()]; ok && src.Linkable() {
		return g.hash
	}
	return ""
}

func (t *LinkTable) setHash(src *record.Record, hash string) {
	if g, ok := t.groups[src.InodeKey()]; ok && src.Linkable() {
		g.hash = hash
	}
}

// Eq reports whether src and dest are linked the same way. It's false
// if dest is linked more or less than src, or its group was a different
// one.
func (t *LinkTable) Eq(src, dest *record.Record) bool {
	if !src.IsReg() || !dest.IsReg() || (src.NLink <= 1 && dest.NLink <= 1) {
		return true
	}
	// The hash of a group is only kept with its representative; if that
	// was deleted, the new representative must be sent again so the hash
	// is recorded.
	if !t.IsLinked(src) && dest.Hash == "" {
		return false
	}
	if src.NLink != dest.NLink {
		return false
	}
	g, ok := t.groups[src.InodeKey()]
	if !ok {
		return true
	}
	return g.hasDest && g.destKey == dest.InodeKey()
}

// Len returns the number of groups still tracked.
func (t *LinkTable) Len() int {
	return len(t.groups)
}
