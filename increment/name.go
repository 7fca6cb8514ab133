// increment/name.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package increment handles the files that record how the mirror looked
// before a session changed it. An increment for the path "a/b" taken at
// time t lives at increments/a/b.<t>.<kind>, with an additional ".gz"
// suffix if its contents are compressed.
package increment

import (
	"fmt"
	"strings"
	"time"
)

// TimeFormat is used for session times in file names. Times are always
// written in UTC.
const TimeFormat = "2006-01-02T15:04:05Z"

func FormatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimeFormat)
}

// ParseTime parses a session time. Any RFC 3339 time is accepted.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

type Kind uint8

const (
	// Missing records that the path didn't exist.
	Missing Kind = iota + 1
	// Dir records that the path was a directory; its attributes come
	// from the metadata.
	Dir
	// Snapshot holds the complete older object.
	Snapshot
	// Diff holds a delta from the newer contents to the older ones.
	Diff
)

var kindNames = map[Kind]string{
	Missing:  "missing",
	Dir:      "dir",
	Snapshot: "snapshot",
	Diff:     "diff",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func parseKind(s string) (Kind, bool) {
	for k, n := range kindNames {
		if n == s {
			return k, true
		}
	}
	return 0, false
}

// Name is a parsed increment file name.
type Name struct {
	Base string
	Time time.Time
	Kind Kind
	Gzip bool
}

func (n Name) String() string {
	s := n.Base + "." + FormatTime(n.Time) + "." + n.Kind.String()
	if n.Gzip {
		s += ".gz"
	}
	return s
}

// ParseName parses a file name of the form <base>.<time>.<kind>[.gz].
// The name is parsed from the right since the base may contain dots.
func ParseName(name string) (Name, bool) {
	var n Name
	if s, ok := strings.CutSuffix(name, ".gz"); ok {
		n.Gzip = true
		name = s
	}

	i := strings.LastIndexByte(name, '.')
	if i == -1 {
		return Name{}, false
	}
	kind, ok := parseKind(name[i+1:])
	if !ok || (n.Gzip && kind != Snapshot && kind != Diff) {
		return Name{}, false
	}
	n.Kind = kind
	name = name[:i]

	// The time itself contains no dots, unless it has fractional seconds.
	for j := len(name) - 1; j > 0; j-- {
		if name[j] != '.' {
			continue
		}
		if t, err := ParseTime(name[j+1:]); err == nil {
			n.Base, n.Time = name[:j], t
			return n, true
		}
	}
	return Name{}, false
}
