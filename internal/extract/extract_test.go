package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTemp(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestParse(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "mod.pyx", `# distutils: language = c++
from numpy cimport ndarray
cimport cython.view
cdef extern from "helper.h":
    int helper_fn()
include "shared.pxi"
`)
	t.Cleanup(Reset)

	rec, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if diff := cmp.Diff([]string{"numpy", "cython.view"}, rec.Cimports); diff != "" {
		t.Errorf("Cimports mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"helper.h"}, rec.Externs); diff != "" {
		t.Errorf("Externs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"shared.pxi"}, rec.Includes); diff != "" {
		t.Errorf("Includes mismatch (-want +got):\n%s", diff)
	}
	if rec.Settings.Scalars["language"] != "c++" {
		t.Errorf("Settings.Scalars[language] = %q, want c++", rec.Settings.Scalars["language"])
	}
}

func TestParseIgnoresDirectivesInsideComments(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "mod.pyx", "x = 1 # cimport bogus\n")
	t.Cleanup(Reset)

	rec, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rec.Cimports) != 0 {
		t.Errorf("Cimports = %v, want none (match was inside a comment)", rec.Cimports)
	}
}

func TestParseMemoizesPerPath(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "mod.pyx", "cimport first\n")
	t.Cleanup(Reset)

	first, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// Mutate the file on disk; memoized Parse must still return the old record.
	if err := os.WriteFile(path, []byte("cimport second\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	second, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse (memoized): %v", err)
	}
	if diff := cmp.Diff(first.Cimports, second.Cimports); diff != "" {
		t.Errorf("memoized Parse changed: (-first +second):\n%s", diff)
	}

	Reset()
	third, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse (after reset): %v", err)
	}
	if diff := cmp.Diff([]string{"second"}, third.Cimports); diff != "" {
		t.Errorf("Parse after Reset() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseMissingFile(t *testing.T) {
	t.Cleanup(Reset)
	if _, err := Parse(filepath.Join(t.TempDir(), "missing.pyx")); err == nil {
		t.Fatalf("Parse(missing file) succeeded, want error")
	}
}
