package util

import (
	"encoding/json"
	"errors"
	"flag"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var updateSnapshots = flag.Bool("update-snapshots", false, "update testdata snapshots")

// Snapshot compares the indented JSON of v with testdata/<test name>.json.
// Subtests get a directory per parent test. Run with -update-snapshots to
// (re)write the files.
func Snapshot[V any](t *testing.T, v V) {
	t.Helper()
	bs, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("failed to marshal snapshot: %s (%v)", err, v)
	}
	p, actual := filepath.Join("testdata", filepath.FromSlash(t.Name())+".json"), string(bs)
	if *updateSnapshots {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatalf("failed to create %s: %s", filepath.Dir(p), err)
		} else if err := os.WriteFile(p, append(bs, '\n'), 0644); err != nil {
			t.Fatalf("failed to write snapshot: %s", err)
		}
		return
	}
	bs, err = os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("missing snapshot %s, run with -update-snapshots", p)
	} else if err != nil {
		t.Fatalf("failed to read snapshot: %s", err)
	}
	expected := strings.TrimRight(string(bs), "\n")
	if actual == expected {
		return
	}
	as, es := strings.Split(actual, "\n"), strings.Split(expected, "\n")
	for i := 0; i < max(len(as), len(es)); i++ {
		a, e := "", ""
		if i < len(as) {
			a = as[i]
		}
		if i < len(es) {
			e = es[i]
		}
		if a != e {
			t.Fatalf("%s: line %d differs:\n  actual:   %q\n  expected: %q", p, i+1, a, e)
		}
	}
}
