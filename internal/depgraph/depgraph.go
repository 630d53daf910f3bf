// Package depgraph resolves module names to files, computes per-node
// direct/transitive dependencies, and folds metadata over the closure with
// cycle tolerance.
//
// Node storage is backed by gonum's simple.DirectedGraph. The transitive
// fold itself does not go through gonum's topo package, since it needs a
// per-(extract, merge)-pair memoisation cache that topo's primitives have
// no hook for; topo.TarjanSCC is only used by callers wanting an SCC
// diagnostic of the recorded edges.
package depgraph

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ZackerySpytz/cython/internal/directives"
	"github.com/ZackerySpytz/cython/internal/extract"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
)

// ErrRelativeImport is returned by FindHeader when asked to resolve a
// cimport module name beginning with a dot.
var ErrRelativeImport = xerrors.New("relative cimport not yet implemented")

// PackageMarker is the file name that makes a directory a package.
const PackageMarker = "__init__.pyx"

// HeaderSuffix is the companion declaration file suffix resolved
// automatically alongside a same-named source file (the ".pxd" convention).
const (
	SourceSuffix = ".pyx"
	HeaderSuffix = ".pxd"
	reservedCimportPrefix = "cython."
)

// Tree is one memoised dependency graph, covering an entire build. Callers
// may construct multiple independent Trees, e.g. one per test.
type Tree struct {
	// IncludePath is consulted when an include or cimport cannot be
	// resolved relative to the referencing file.
	IncludePath []string

	// Warnf receives unresolved include/cimport warnings. Defaults to
	// log.Printf.
	Warnf func(format string, args ...interface{})

	mu       sync.Mutex
	g        *simple.DirectedGraph
	nodeID   map[string]int64
	idNode   map[int64]string
	nextID   int64

	includedFilesCache     map[string][]string
	cimportsExternsCache   map[string]cimportsExterns
	packageCache           map[string][]string
	fqnCache               map[string]string
	findHeaderCache        map[[2]string]string
	cimportedFilesCache    map[string][]string
	timestampCache         map[string]time.Time

	// transitiveCache is keyed by an opaque fold identity: callers pass a
	// stable string naming their (extract, merge) pair, since Go
	// functions are not comparable.
	transitiveCache map[string]map[string]interface{}
}

type cimportsExterns struct {
	cimports []string
	externs  []string
}

// New returns an empty, independent dependency tree.
func New() *Tree {
	return &Tree{
		g:                    simple.NewDirectedGraph(),
		nodeID:               make(map[string]int64),
		idNode:               make(map[int64]string),
		includedFilesCache:   make(map[string][]string),
		cimportsExternsCache: make(map[string]cimportsExterns),
		packageCache:         make(map[string][]string),
		fqnCache:             make(map[string]string),
		findHeaderCache:      make(map[[2]string]string),
		cimportedFilesCache:  make(map[string][]string),
		timestampCache:       make(map[string]time.Time),
		transitiveCache:      make(map[string]map[string]interface{}),
		Warnf:                log.Printf,
	}
}

func normalize(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

func (t *Tree) nodeFor(path string) graph.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.nodeID[path]; ok {
		return simple.Node(id)
	}
	id := t.nextID
	t.nextID++
	t.nodeID[path] = id
	t.idNode[id] = path
	t.g.AddNode(simple.Node(id))
	return simple.Node(id)
}

// addEdge records a cimport-resolved-to-file or include-resolved-to-file
// edge from -> to. The graph is a directed multigraph conceptually; gonum's
// simple.DirectedGraph dedupes identical edges, which is harmless since the
// graph only backs SCC diagnostics (Graph, PathOf); TransitiveMerge walks
// CimportedFiles directly and never reads it.
func (t *Tree) addEdge(from, to string) {
	fn, tn := t.nodeFor(from), t.nodeFor(to)
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn.ID() == tn.ID() {
		return
	}
	t.g.SetEdge(t.g.NewEdge(fn, tn))
}

// Graph exposes the underlying gonum graph, read-only, for diagnostics
// (e.g. topo.TarjanSCC dumps in the "graph" CLI verb).
func (t *Tree) Graph() graph.Directed { return t.g }

// PathOf returns the file path a gonum node ID was registered under.
func (t *Tree) PathOf(id int64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.idNode[id]
	return p, ok
}

// IncludedFiles resolves every textual include of filename: first relative
// to filename's directory, else via IncludePath. Unresolved includes are
// warned about and skipped.
func (t *Tree) IncludedFiles(filename string) []string {
	filename = normalize(filename)
	t.mu.Lock()
	if cached, ok := t.includedFilesCache[filename]; ok {
		t.mu.Unlock()
		return cached
	}
	t.mu.Unlock()

	rec, err := extract.Parse(filename)
	seen := make(map[string]bool)
	var out []string
	if err == nil {
		for _, include := range rec.Includes {
			resolved := t.resolveRelativeOrSearch(filepath.Dir(filename), include)
			if resolved == "" {
				t.Warnf("Unable to locate '%s' referenced from '%s'", include, filename)
				continue
			}
			resolved = normalize(resolved)
			if !seen[resolved] {
				seen[resolved] = true
				out = append(out, resolved)
				t.addEdge(filename, resolved)
			}
		}
	}
	t.mu.Lock()
	t.includedFilesCache[filename] = out
	t.mu.Unlock()
	return out
}

func (t *Tree) resolveRelativeOrSearch(dir, ref string) string {
	candidate := filepath.Join(dir, ref)
	if fileExists(candidate) {
		return candidate
	}
	for _, root := range t.IncludePath {
		candidate := filepath.Join(root, ref)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

// CimportsAndExterns returns the union of filename's own cimports+externs
// with those reachable through its include set: textual inclusion is
// transitive across the include edge, and each included file contributes
// its own cimports, not the host's.
func (t *Tree) CimportsAndExterns(filename string) (cimports, externs []string) {
	filename = normalize(filename)
	c, e := t.cimportsAndExterns(filename, map[string]bool{})
	return c, e
}

func (t *Tree) cimportsAndExterns(filename string, visiting map[string]bool) (cimports, externs []string) {
	t.mu.Lock()
	if cached, ok := t.cimportsExternsCache[filename]; ok {
		t.mu.Unlock()
		return append([]string(nil), cached.cimports...), append([]string(nil), cached.externs...)
	}
	t.mu.Unlock()

	rec, err := extract.Parse(filename)
	cimportSet := make(map[string]bool)
	externSet := make(map[string]bool)
	if err == nil {
		for _, c := range rec.Cimports {
			cimportSet[c] = true
		}
		for _, e := range rec.Externs {
			externSet[e] = true
		}
	}
	visiting[filename] = true
	for _, include := range t.IncludedFiles(filename) {
		if visiting[include] {
			continue
		}
		incCimports, incExterns := t.cimportsAndExterns(include, visiting)
		for _, c := range incCimports {
			cimportSet[c] = true
		}
		for _, e := range incExterns {
			externSet[e] = true
		}
	}
	delete(visiting, filename)

	cimports = sortedKeys(cimportSet)
	externs = sortedKeys(externSet)
	// A node inside an include cycle computes a partial union; only cache
	// the result when it was computed from the top of the walk.
	if len(visiting) == 0 {
		t.mu.Lock()
		t.cimportsExternsCache[filename] = cimportsExterns{cimports: cimports, externs: externs}
		t.mu.Unlock()
	}
	return cimports, externs
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Cimports returns just the cimport half of CimportsAndExterns.
func (t *Tree) Cimports(filename string) []string {
	c, _ := t.CimportsAndExterns(filename)
	return c
}

// Package performs an ascending walk of directories above filename, emitting
// every directory that contains PackageMarker, outermost to innermost.
func (t *Tree) Package(filename string) []string {
	abs := normalize(filename)
	t.mu.Lock()
	if cached, ok := t.packageCache[abs]; ok {
		t.mu.Unlock()
		return append([]string(nil), cached...)
	}
	t.mu.Unlock()

	dir := filepath.Dir(abs)
	var pkg []string
	if dir != abs && fileExists(filepath.Join(dir, PackageMarker)) {
		pkg = append(t.Package(dir), filepath.Base(dir))
	}
	t.mu.Lock()
	t.packageCache[abs] = pkg
	t.mu.Unlock()
	return append([]string(nil), pkg...)
}

// FullyQualifiedName joins the package path and base filename stem with dots.
func (t *Tree) FullyQualifiedName(filename string) string {
	abs := normalize(filename)
	t.mu.Lock()
	if cached, ok := t.fqnCache[abs]; ok {
		t.mu.Unlock()
		return cached
	}
	t.mu.Unlock()

	base := filepath.Base(abs)
	module := strings.TrimSuffix(base, filepath.Ext(base))
	parts := append(t.Package(abs), module)
	fqn := strings.Join(parts, ".")
	t.mu.Lock()
	t.fqnCache[abs] = fqn
	t.mu.Unlock()
	return fqn
}

// FindHeader resolves a cimport module name to a header file. If fromFile
// is non-empty, it is tried first, prefixed by fromFile's package;
// otherwise FindHeader falls back to a global include-path search.
func (t *Tree) FindHeader(module, fromFile string) (string, error) {
	if strings.HasPrefix(module, ".") {
		return "", xerrors.Errorf("%q: %w", module, ErrRelativeImport)
	}
	key := [2]string{module, fromFile}
	t.mu.Lock()
	if cached, ok := t.findHeaderCache[key]; ok {
		t.mu.Unlock()
		return cached, nil
	}
	t.mu.Unlock()

	var found string
	if fromFile != "" {
		pkg := t.Package(fromFile)
		relative := strings.Join(append(append([]string(nil), pkg...), strings.Split(module, ".")...), ".")
		found = t.searchIncludePath(relative)
	}
	if found == "" {
		found = t.searchIncludePath(module)
	}
	t.mu.Lock()
	t.findHeaderCache[key] = found
	t.mu.Unlock()
	return found, nil
}

func (t *Tree) searchIncludePath(dotted string) string {
	rel := strings.ReplaceAll(dotted, ".", string(filepath.Separator)) + HeaderSuffix
	for _, root := range t.IncludePath {
		candidate := filepath.Join(root, rel)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

// CimportedFiles returns filename's sibling header (if the source-with-
// header convention applies) plus every resolved, non-builtin cimport.
// Unresolved cimports are reported via Warnf, non-fatal.
func (t *Tree) CimportedFiles(filename string) []string {
	filename = normalize(filename)
	t.mu.Lock()
	if cached, ok := t.cimportedFilesCache[filename]; ok {
		t.mu.Unlock()
		return append([]string(nil), cached...)
	}
	t.mu.Unlock()

	var out []string
	if strings.HasSuffix(filename, SourceSuffix) {
		sibling := strings.TrimSuffix(filename, SourceSuffix) + HeaderSuffix
		if fileExists(sibling) {
			out = append(out, sibling)
			t.addEdge(filename, sibling)
		}
	}
	for _, module := range t.Cimports(filename) {
		if strings.HasPrefix(module, reservedCimportPrefix) {
			continue
		}
		header, err := t.FindHeader(module, filename)
		if err != nil {
			t.Warnf("%v", err)
			continue
		}
		if header == "" {
			t.Warnf("missing cimport: %s", filename)
			t.Warnf("%s", module)
			continue
		}
		out = append(out, header)
		t.addEdge(filename, header)
	}
	t.mu.Lock()
	t.cimportedFilesCache[filename] = out
	t.mu.Unlock()
	return append([]string(nil), out...)
}

// ImmediateDependencies returns {filename} ∪ cimportedFiles(filename) ∪
// includedFiles(filename).
func (t *Tree) ImmediateDependencies(filename string) []string {
	filename = normalize(filename)
	set := map[string]bool{filename: true}
	for _, f := range t.CimportedFiles(filename) {
		set[f] = true
	}
	for _, f := range t.IncludedFiles(filename) {
		set[f] = true
	}
	return sortedKeys(set)
}

// AllDependencies returns the fixpoint of ImmediateDependencies along the
// cimport edge: the full transitive closure, tolerant of cycles.
func (t *Tree) AllDependencies(filename string) []string {
	result := t.TransitiveMerge("all-deps", filename,
		func(f string) interface{} {
			m := make(map[string]bool)
			for _, d := range t.ImmediateDependencies(f) {
				m[d] = true
			}
			return m
		},
		func(a, b interface{}) interface{} {
			am := a.(map[string]bool)
			bm := b.(map[string]bool)
			out := make(map[string]bool, len(am)+len(bm))
			for k := range am {
				out[k] = true
			}
			for k := range bm {
				out[k] = true
			}
			return out
		},
	)
	return sortedKeys(result.(map[string]bool))
}

// TransitiveMerge walks outgoing cimport edges from node, merging each
// node's extract(node) value with those of its descendants. It tolerates
// cycles: a node only caches its folded result once no back edge on the
// current call stack still refers to an ancestor.
//
// foldName must be a stable identifier for the (extract, merge) pair being
// used; it is the memoisation cache key, since Go functions are not
// comparable.
func (t *Tree) TransitiveMerge(foldName, node string, extractFn func(string) interface{}, merge func(a, b interface{}) interface{}) interface{} {
	t.mu.Lock()
	seen, ok := t.transitiveCache[foldName]
	if !ok {
		seen = make(map[string]interface{})
		t.transitiveCache[foldName] = seen
	}
	t.mu.Unlock()

	result, _ := t.transitiveMergeHelper(node, extractFn, merge, seen, map[string]int{})
	return result
}

// transitiveMergeHelper: stack maps a node currently on the call path to
// its depth, so a cycle back-edge can be detected and reported to the
// (lowest-depth) ancestor, which then merges the sub-result but defers
// memoisation until it is no longer part of any unresolved cycle.
func (t *Tree) transitiveMergeHelper(node string, extractFn func(string) interface{}, merge func(a, b interface{}) interface{}, seen map[string]interface{}, stack map[string]int) (interface{}, string) {
	t.mu.Lock()
	if v, ok := seen[node]; ok {
		t.mu.Unlock()
		return v, ""
	}
	t.mu.Unlock()

	deps := extractFn(node)
	if _, onStack := stack[node]; onStack {
		return deps, node
	}

	stack[node] = len(stack)
	defer delete(stack, node)

	var loop string
	for _, next := range t.CimportedFiles(node) {
		subDeps, subLoop := t.transitiveMergeHelper(next, extractFn, merge, seen, stack)
		if subLoop != "" {
			if loop != "" && stack[loop] < stack[subLoop] {
				// keep the ancestor closer to the root of the cycle
			} else {
				loop = subLoop
			}
		}
		deps = merge(deps, subDeps)
	}
	if loop == node {
		loop = ""
	}
	if loop == "" {
		t.mu.Lock()
		seen[node] = deps
		t.mu.Unlock()
	}
	return deps, loop
}

// Timestamp returns filename's mtime, memoised for the lifetime of the
// tree (a planner run reuses one tree, so every stat happens once).
func (t *Tree) Timestamp(filename string) (time.Time, error) {
	t.mu.Lock()
	if ts, ok := t.timestampCache[filename]; ok {
		t.mu.Unlock()
		return ts, nil
	}
	t.mu.Unlock()
	st, err := os.Stat(filename)
	if err != nil {
		return time.Time{}, err
	}
	ts := st.ModTime()
	t.mu.Lock()
	t.timestampCache[filename] = ts
	t.mu.Unlock()
	return ts, nil
}

// NewestDependency returns the (mtime, path) pair with the maximum mtime
// across AllDependencies(filename).
func (t *Tree) NewestDependency(filename string) (time.Time, string, error) {
	var (
		maxTime time.Time
		maxPath string
		first   = true
	)
	for _, dep := range t.AllDependencies(filename) {
		ts, err := t.Timestamp(dep)
		if err != nil {
			return time.Time{}, "", err
		}
		if first || ts.After(maxTime) || (ts.Equal(maxTime) && dep > maxPath) {
			maxTime = ts
			maxPath = dep
			first = false
		}
	}
	return maxTime, maxPath, nil
}

// DistutilsInfo0 returns filename's own (non-merged) build settings.
func (t *Tree) DistutilsInfo0(filename string) directives.BuildSettings {
	rec, err := extract.Parse(filename)
	if err != nil {
		return directives.New()
	}
	return rec.Settings
}

// Settings folds filename's own build settings with those of its transitive
// cimport closure, substitutes aliases, then merges base on top.
func (t *Tree) Settings(filename string, aliases map[string]interface{}, base directives.BuildSettings) directives.BuildSettings {
	folded := t.TransitiveMerge("distutils-settings", filename,
		func(f string) interface{} { return t.DistutilsInfo0(f) },
		func(a, b interface{}) interface{} {
			return a.(directives.BuildSettings).Merge(b.(directives.BuildSettings))
		},
	).(directives.BuildSettings)
	return folded.Subs(aliases).Merge(base)
}
