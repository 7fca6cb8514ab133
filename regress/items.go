// regress/items.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package regress

import (
	"github.com/mmp/rbk/collate"
	"github.com/mmp/rbk/increment"
	"github.com/mmp/rbk/record"
)

// Item brings together everything known about one path during a
// regress.
type Item struct {
	Index record.Index
	// Mirror is the path's current state in the mirror; nil if absent.
	Mirror *record.Record
	// Incs are the path's increments, oldest first.
	Incs []*increment.Increment
	// Target is the path's state at the time being regressed to, from
	// that session's metadata; nil if it didn't exist.
	Target *record.Record
}

func itemIndex(it *Item) record.Index {
	return it.Index
}

// Items merges the mirror's files, the increments tree and the target
// session's metadata into a single index-ordered stream.
type Items struct {
	j *collate.Joiner[*collate.Joined[*record.Record, *increment.Entry], *record.Record]
}

func recordIndex(r *record.Record) record.Index {
	return r.Index
}

func entryIndex(e *increment.Entry) record.Index {
	return e.Index
}

func joinedIndex(j *collate.Joined[*record.Record, *increment.Entry]) record.Index {
	return j.Index
}

// NewItems returns the merged stream of the three inputs.
func NewItems(mirror record.Iterator, incs *increment.Walker, target record.Iterator) *Items {
	mi := collate.Join[*record.Record, *increment.Entry](mirror, recordIndex, incs, entryIndex)
	return &Items{collate.Join[*collate.Joined[*record.Record, *increment.Entry], *record.Record](
		mi, joinedIndex, target, recordIndex)}
}

func (it *Items) Next() (*Item, error) {
	jn, err := it.j.Next()
	if err != nil {
		return nil, err
	}
	item := &Item{Index: jn.Index}
	if jn.HasLeft {
		mi := jn.Left
		if mi.HasLeft && mi.Left.Exists() {
			item.Mirror = mi.Left
		}
		if mi.HasRight {
			item.Incs = mi.Right.Incs
		}
	}
	if jn.HasRight && jn.Right.Exists() {
		item.Target = jn.Right
	}
	return item, nil
}
