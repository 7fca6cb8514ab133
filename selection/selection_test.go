// selection/selection_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package selection

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mmp/rbk/record"
	"github.com/mmp/rbk/repo"
	"github.com/mmp/rbk/stats"
	u "github.com/mmp/rbk/util"
)

func makeTree(t *testing.T, root string, paths ...string) {
	for _, p := range paths {
		full := filepath.Join(root, p)
		if p[len(p)-1] == '/' {
			if err := os.MkdirAll(full, 0755); err != nil {
				t.Fatal(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(p), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func walkAll(t *testing.T, w *Walker) []string {
	recs, err := record.Collect(w)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, r := range recs {
		paths = append(paths, r.Index.String())
	}
	return paths
}

func checkPaths(t *testing.T, got, expected []string) {
	t.Helper()
	if len(got) != len(expected) {
		t.Fatalf("got %v, expected %v", got, expected)
	}
	for i := range got {
		if got[i] != expected[i] {
			t.Errorf("%d: got %s, expected %s", i, got[i], expected[i])
		}
	}
}

func TestWalkOrder(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "b", "a/z", "a/y/1", "a.b", "c/", "a/x")

	log := u.NewLogger(false, false)
	got := walkAll(t, Walk(root, Options{Log: log}))
	checkPaths(t, got, []string{".", "a", "a/x", "a/y", "a/y/1", "a/z", "a.b", "b", "c"})
}

func TestWalkExclude(t *testing.T) {
	root := t.TempDir()
	makeTree(t, root, "keep/a", "skip/a", "keep/cache/x", "f.tmp", "g",
		repo.DataDirName+"/increments/x", "rbk.tmp.1.2")

	log := u.NewLogger(false, false)
	opts := Options{Log: log, Mirror: true}
	for _, p := range []string{`^skip$`, `/cache$`, `\.tmp$`} {
		if err := opts.AddExclude(p); err != nil {
			t.Fatal(err)
		}
	}
	if err := opts.AddExclude(`(`); err == nil {
		t.Errorf("expected error for bad regexp")
	}
	got := walkAll(t, Walk(root, opts))
	checkPaths(t, got, []string{".", "g", "keep", "keep/a"})
}

func TestWalkUnreadable(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permissions aren't enforced for root")
	}
	root := t.TempDir()
	makeTree(t, root, "d/x", "e")
	if err := os.Chmod(filepath.Join(root, "d"), 0); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(filepath.Join(root, "d"), 0755)

	errs := &stats.ErrorList{}
	got := walkAll(t, Walk(root, Options{Errors: errs, Log: u.NewLogger(false, false)}))
	checkPaths(t, got, []string{".", "d", "e"})
	if errs.Len() != 1 || errs.Errors[0].Kind != stats.ListError {
		t.Errorf("expected one ListError, got %v", errs.Errors)
	}
}

func TestWalkMissingRoot(t *testing.T) {
	if _, err := Walk(filepath.Join(t.TempDir(), "nope"), Options{}).Next(); err == nil {
		t.Errorf("expected error for missing root")
	}
}
