// record/index.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package record

import (
	"path/filepath"
	"slices"
	"strings"
)

// Index identifies a file relative to the root of a tree by its path
// segments; the empty Index is the root itself. Indices are totally
// ordered lexicographically by segment, which is the order a depth-first
// walk with sorted directory listings visits them.
type Index []string

// ParseIndex splits a slash-separated relative path into an Index.
func ParseIndex(p string) Index {
	p = strings.Trim(filepath.ToSlash(filepath.Clean(p)), "/")
	if p == "" || p == "." {
		return Index{}
	}
	return Index(strings.Split(p, "/"))
}

func (i Index) Compare(o Index) int {
	return slices.Compare(i, o)
}

func (i Index) Less(o Index) bool {
	return i.Compare(o) < 0
}

func (i Index) Equal(o Index) bool {
	return slices.Equal(i, o)
}

// IsPrefixOf reports whether i is o or one of o's ancestors.
func (i Index) IsPrefixOf(o Index) bool {
	return len(i) <= len(o) && slices.Equal(i, o[:len(i)])
}

// IsAncestorOf reports whether i is a strict ancestor of o.
func (i Index) IsAncestorOf(o Index) bool {
	return len(i) < len(o) && i.IsPrefixOf(o)
}

func (i Index) IsRoot() bool {
	return len(i) == 0
}

// Parent returns the index of the enclosing directory; the root is its
// own parent.
func (i Index) Parent() Index {
	if len(i) == 0 {
		return i
	}
	return i[: len(i)-1 : len(i)-1]
}

// Base returns the final path segment, or "" for the root.
func (i Index) Base() string {
	if len(i) == 0 {
		return ""
	}
	return i[len(i)-1]
}

// Append returns a new Index with the given segment added; i itself is
// never modified.
func (i Index) Append(seg string) Index {
	n := make(Index, len(i)+1)
	copy(n, i)
	n[len(i)] = seg
	return n
}

// Path returns the location of the file under the given root directory.
func (i Index) Path(root string) string {
	if len(i) == 0 {
		return root
	}
	return filepath.Join(root, filepath.Join(i...))
}

func (i Index) String() string {
	if len(i) == 0 {
		return "."
	}
	return strings.Join(i, "/")
}

// Key returns a string usable as a map key for the index.
func (i Index) Key() string {
	return strings.Join(i, "\x00")
}
