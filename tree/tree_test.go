// tree/tree_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package tree

import (
	"errors"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/mmp/rbk/record"
)

// item is a path; paths ending in "/" are directories.
type item string

func (i item) index() record.Index {
	return record.ParseIndex(strings.TrimSuffix(string(i), "/"))
}

func (i item) isDir() bool {
	return i == "." || strings.HasSuffix(string(i), "/")
}

type recorder struct {
	log   *[]string
	idx   record.Index
	count int
}

func (r *recorder) CanFastProcess(i item) bool { return !i.isDir() }

func (r *recorder) FastProcess(i item) error {
	*r.log = append(*r.log, "leaf "+i.index().String())
	r.count++
	return nil
}

func (r *recorder) StartProcess(i item) error {
	r.idx = i.index()
	*r.log = append(*r.log, "enter "+r.idx.String())
	return nil
}

func (r *recorder) EndProcess() error {
	*r.log = append(*r.log, "exit "+r.idx.String())
	return nil
}

func (r *recorder) BranchProcess(child Branch[item]) error {
	r.count += child.(*recorder).count + 1
	return nil
}

func run(t *testing.T, items []item) ([]string, *Reducer[item]) {
	var log []string
	r := New(func(i item) record.Index { return i.index() },
		func() Branch[item] { return &recorder{log: &log} }, nil)
	for _, i := range items {
		if err := r.Process(i); err != nil {
			t.Fatalf("%s: %s", i, err)
		}
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("%s", err)
	}
	return log, r
}

func TestReducerSequence(t *testing.T) {
	log, r := run(t, []item{".", "a/", "a/x", "a/y/", "a/y/z", "b", "c/"})
	want := []string{"enter .", "enter a", "leaf a/x", "enter a/y", "leaf a/y/z",
		"exit a/y", "exit a", "leaf b", "enter c", "exit c", "exit ."}
	if strings.Join(log, ",") != strings.Join(want, ",") {
		t.Errorf("got %v\nexpected %v", log, want)
	}
	// Child results flow up to the root: 3 leaves and 3 subdirectories.
	if n := r.Root.(*recorder).count; n != 6 {
		t.Errorf("root gathered %d, expected 6", n)
	}
	if err := r.Process("d"); !errors.Is(err, errFinished) {
		t.Errorf("Process after Finish: got %v", err)
	}
}

func TestReducerRepeatAndDecrease(t *testing.T) {
	var log []string
	r := New(func(i item) record.Index { return i.index() },
		func() Branch[item] { return &recorder{log: &log} }, nil)
	for _, i := range []item{".", "b", "b"} {
		if err := r.Process(i); err != nil {
			t.Fatalf("%s: %s", i, err)
		}
	}
	if len(log) != 2 {
		t.Errorf("repeated index wasn't ignored: %v", log)
	}
	if err := r.Process("a"); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("expected ErrOutOfOrder, got %v", err)
	}
}

// For random trees, enter/exit calls are well nested and every
// callback for a descendant of D happens between D's enter and exit.
func TestReducerNesting(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		var paths []string
		var gen func(prefix string, depth int)
		gen = func(prefix string, depth int) {
			for i := 0; i < rand.Intn(4); i++ {
				name := prefix + string(rune('a'+i))
				if depth < 3 && rand.Intn(2) == 0 {
					paths = append(paths, name+"/")
					gen(name+"/", depth+1)
				} else {
					paths = append(paths, name)
				}
			}
		}
		gen("", 0)
		sort.Slice(paths, func(i, j int) bool {
			return item(paths[i]).index().Less(item(paths[j]).index())
		})
		items := []item{"."}
		for _, p := range paths {
			items = append(items, item(p))
		}

		log, _ := run(t, items)
		var open []string
		for _, l := range log {
			op, p, _ := strings.Cut(l, " ")
			if len(open) > 0 && op != "exit" {
				parent := record.ParseIndex(open[len(open)-1])
				if !parent.IsAncestorOf(record.ParseIndex(p)) {
					t.Fatalf("%s while %s open", l, parent)
				}
			}
			switch op {
			case "enter":
				open = append(open, p)
			case "exit":
				if len(open) == 0 || open[len(open)-1] != p {
					t.Fatalf("exit %s doesn't match open branches %v", p, open)
				}
				open = open[:len(open)-1]
			}
		}
		if len(open) != 0 {
			t.Errorf("branches left open: %v", open)
		}
	}
}
