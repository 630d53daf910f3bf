package planner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ZackerySpytz/cython/internal/depgraph"
	"github.com/ZackerySpytz/cython/internal/directives"
	"github.com/ZackerySpytz/cython/internal/extract"
	"github.com/ZackerySpytz/cython/pkgdesc"
	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func touch(t *testing.T, path string, when time.Time) {
	t.Helper()
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func newTestTree(t *testing.T) *depgraph.Tree {
	t.Helper()
	t.Cleanup(extract.Reset)
	tr := depgraph.New()
	tr.Warnf = func(string, ...interface{}) {}
	return tr
}

// TestPlanFreshBuild: a source with no existing generated artifact emits
// exactly one priority-0 WorkItem.
func TestPlanFreshBuild(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.pyx")
	writeFile(t, src, "x = 1\n")

	tr := newTestTree(t)
	_, items, err := Plan(tr, []Pattern{{Glob: filepath.Join(dir, "*.pyx")}}, Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Plan() emitted %d items, want 1", len(items))
	}
	if items[0].Priority != PrioritySelfChanged {
		t.Errorf("items[0].Priority = %d, want %d", items[0].Priority, PrioritySelfChanged)
	}
	if items[0].Source != src {
		t.Errorf("items[0].Source = %q, want %q", items[0].Source, src)
	}
}

// TestPlanNoOp: a generated artifact newer than the source and all its
// dependencies yields zero WorkItems.
func TestPlanNoOp(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.pyx")
	cFile := filepath.Join(dir, "a.c")
	writeFile(t, src, "x = 1\n")
	writeFile(t, cFile, "/* generated */\n")

	now := time.Now()
	touch(t, src, now.Add(-time.Hour))
	touch(t, cFile, now)

	tr := newTestTree(t)
	_, items, err := Plan(tr, []Pattern{{Glob: filepath.Join(dir, "*.pyx")}}, Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("Plan() emitted %d items, want 0: %+v", len(items), items)
	}
}

// TestPlanDependencyChanged: a.pyx includes b.pxi; a.c is newer than
// a.pyx but older than b.pxi, so priority 1.
func TestPlanDependencyChanged(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.pyx")
	dep := filepath.Join(dir, "b.pxi")
	cFile := filepath.Join(dir, "a.c")
	writeFile(t, src, `include "b.pxi"`+"\n")
	writeFile(t, dep, "cdef int x\n")
	writeFile(t, cFile, "/* generated */\n")

	now := time.Now()
	touch(t, src, now.Add(-2*time.Hour))
	touch(t, cFile, now.Add(-time.Hour))
	touch(t, dep, now)

	tr := newTestTree(t)
	_, items, err := Plan(tr, []Pattern{{Glob: filepath.Join(dir, "*.pyx")}}, Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Plan() emitted %d items, want 1", len(items))
	}
	if items[0].Priority != PriorityImmediateDep {
		t.Errorf("items[0].Priority = %d, want %d", items[0].Priority, PriorityImmediateDep)
	}
}

// TestPlanPriorityOrdering: in a build where a.pyx itself changed and
// b.pyx's transitive dep changed, a.pyx is enqueued before b.pyx.
func TestPlanPriorityOrdering(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pyx")
	b := filepath.Join(dir, "b.pyx")
	bHeader := filepath.Join(dir, "b.pxd")
	bDep := filepath.Join(dir, "c.pxd")
	aC := filepath.Join(dir, "a.c")
	bC := filepath.Join(dir, "b.c")

	writeFile(t, a, "x = 1\n")
	writeFile(t, aC, "/* generated */\n")
	writeFile(t, b, "x = 1\n")
	writeFile(t, bHeader, "cimport c\n")
	writeFile(t, bDep, "cdef int y\n")
	writeFile(t, bC, "/* generated */\n")

	now := time.Now()
	// a.pyx changed after a.c: priority 0.
	touch(t, aC, now.Add(-time.Hour))
	touch(t, a, now)
	// b.c is newer than b.pyx and b.pxd, but c.pxd (a transitive, non-
	// immediate dependency via the sibling header) changed most recently.
	touch(t, b, now.Add(-3*time.Hour))
	touch(t, bHeader, now.Add(-3*time.Hour))
	touch(t, bC, now.Add(-2*time.Hour))
	touch(t, bDep, now.Add(-time.Hour))

	tr := newTestTree(t)
	tr.IncludePath = []string{dir}
	_, items, err := Plan(tr, []Pattern{{Glob: filepath.Join(dir, "*.pyx")}}, Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Plan() emitted %d items, want 2: %+v", len(items), items)
	}
	if items[0].Source != a {
		t.Errorf("items[0].Source = %q, want %q (priority-0 item sorts first)", items[0].Source, a)
	}
	if items[1].Source != b {
		t.Errorf("items[1].Source = %q, want %q", items[1].Source, b)
	}
	if items[0].Priority >= items[1].Priority {
		t.Errorf("items[0].Priority (%d) should be < items[1].Priority (%d)", items[0].Priority, items[1].Priority)
	}
}

// TestPlanCycleEmitsBothModules: a.pyx cimports b and b.pyx cimports a,
// with the headers cimporting each other; the planner still emits exactly
// one WorkItem per module and does not hang.
func TestPlanCycleEmitsBothModules(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.pyx")
	aHeader := filepath.Join(dir, "a.pxd")
	b := filepath.Join(dir, "b.pyx")
	bHeader := filepath.Join(dir, "b.pxd")

	writeFile(t, a, "cimport b\n")
	writeFile(t, aHeader, "cimport b\n")
	writeFile(t, b, "cimport a\n")
	writeFile(t, bHeader, "cimport a\n")

	tr := newTestTree(t)
	tr.IncludePath = []string{dir}

	depsA := tr.AllDependencies(a)
	depsB := tr.AllDependencies(b)
	if !contains(depsA, aHeader) || !contains(depsA, bHeader) {
		t.Errorf("AllDependencies(a) = %v, want it to contain both headers of the cycle", depsA)
	}
	if !contains(depsB, aHeader) || !contains(depsB, bHeader) {
		t.Errorf("AllDependencies(b) = %v, want it to contain both headers of the cycle", depsB)
	}

	_, items, err := Plan(tr, []Pattern{{Glob: filepath.Join(dir, "*.pyx")}}, Options{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Plan() emitted %d items, want 2: %+v", len(items), items)
	}
}

func contains(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// TestExtendedGlobMatchesZeroOrMoreDirectories exercises the "**/"
// extension, including the zero-directory case.
func TestExtendedGlobMatchesZeroOrMoreDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "top.pyx"), "")
	writeFile(t, filepath.Join(dir, "sub", "nested.pyx"), "")
	writeFile(t, filepath.Join(dir, "sub", "deeper", "nested2.pyx"), "")

	got, err := extendedGlob(filepath.Join(dir, "**", "*.pyx"))
	if err != nil {
		t.Fatalf("extendedGlob: %v", err)
	}
	want := map[string]bool{
		filepath.Join(dir, "top.pyx"):                 true,
		filepath.Join(dir, "sub", "nested.pyx"):        true,
		filepath.Join(dir, "sub", "deeper", "nested2.pyx"): true,
	}
	if len(got) != len(want) {
		t.Fatalf("extendedGlob() = %v, want %d matches", got, len(want))
	}
	for _, g := range got {
		if !want[g] {
			t.Errorf("extendedGlob() returned unexpected match %q", g)
		}
	}
}

// TestPlanOutputExtensionFollowsModuleLanguage: only a module's own
// language setting decides whether it generates .c or .cpp; the global
// Cplus option reaches the back-end compile options but never switches
// another module's output kind.
func TestPlanOutputExtensionFollowsModuleLanguage(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.pyx")
	fancy := filepath.Join(dir, "fancy.pyx")
	writeFile(t, plain, "x = 1\n")
	writeFile(t, fancy, "# distutils: language = c++\nx = 1\n")

	tr := newTestTree(t)
	_, items, err := Plan(tr, []Pattern{{Glob: filepath.Join(dir, "*.pyx")}}, Options{Cplus: true})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Plan() emitted %d items, want 2: %+v", len(items), items)
	}
	for _, it := range items {
		switch it.Source {
		case plain:
			if filepath.Ext(it.Output) != ".c" {
				t.Errorf("plain module output = %q, want a .c file despite the global Cplus option", it.Output)
			}
			if !it.Cplus {
				t.Errorf("plain module WorkItem.Cplus = false, want the global option passed through")
			}
		case fancy:
			if filepath.Ext(it.Output) != ".cpp" {
				t.Errorf("c++ module output = %q, want a .cpp file", it.Output)
			}
			if !it.Cplus {
				t.Errorf("c++ module WorkItem.Cplus = false, want true")
			}
		default:
			t.Errorf("unexpected work item source %q", it.Source)
		}
	}
}

// TestCreateExtensionListTemplateSettingsSurvive: a template pattern's own
// non-transitive settings (extra_objects, export_symbols, define_macros)
// end up on the emitted module even though the closure merge never
// promotes them.
func TestCreateExtensionListTemplateSettingsSurvive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.pyx"), "")

	tmpl := &pkgdesc.Extension{
		Name:    "*",
		Sources: []string{filepath.Join(dir, "*.pyx")},
		Lists: map[directives.Key][]string{
			directives.ExtraObjects:  {"helper.o"},
			directives.ExportSymbols: {"init_a"},
		},
		DefineMacros: []directives.DefineMacro{{"FOO", "1"}},
	}

	tr := newTestTree(t)
	modules, err := CreateExtensionList(tr, []Pattern{{Template: tmpl}}, Options{})
	if err != nil {
		t.Fatalf("CreateExtensionList: %v", err)
	}
	if len(modules) != 1 {
		t.Fatalf("CreateExtensionList() returned %d modules, want 1", len(modules))
	}
	mod := modules[0]
	if diff := cmp.Diff([]string{"helper.o"}, mod.Lists[directives.ExtraObjects]); diff != "" {
		t.Errorf("Lists[extra_objects] mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"init_a"}, mod.Lists[directives.ExportSymbols]); diff != "" {
		t.Errorf("Lists[export_symbols] mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]directives.DefineMacro{{"FOO", "1"}}, mod.DefineMacros); diff != "" {
		t.Errorf("DefineMacros mismatch (-want +got):\n%s", diff)
	}
}

// TestCreateExtensionListDedupesByResolvedModuleName: a wildcard
// pattern's de-dup key is the resolved module name, not the literal "*"
// pattern string, so multiple distinct files under a wildcard glob are
// not incorrectly collapsed.
func TestCreateExtensionListDedupesByResolvedModuleName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.pyx"), "")
	writeFile(t, filepath.Join(dir, "b.pyx"), "")

	tr := newTestTree(t)
	modules, err := CreateExtensionList(tr, []Pattern{{Glob: filepath.Join(dir, "*.pyx")}}, Options{})
	if err != nil {
		t.Fatalf("CreateExtensionList: %v", err)
	}
	if len(modules) != 2 {
		t.Fatalf("CreateExtensionList() returned %d modules, want 2 (one per distinct file)", len(modules))
	}
}
