// Package cython implements the core of an incremental build driver that
// turns Cython-dialect source modules into generated C/C++ translation
// units and hands them to a downstream single-file compiler. This file
// holds the public entry points; the heavy lifting lives in the internal
// packages (extract, depgraph, planner, execpool).
package cython

import (
	"context"

	"github.com/ZackerySpytz/cython/internal/depgraph"
	"github.com/ZackerySpytz/cython/internal/execpool"
	"github.com/ZackerySpytz/cython/internal/planner"
	"github.com/ZackerySpytz/cython/internal/sysenv"
	"github.com/ZackerySpytz/cython/pkgdesc"
)

// Version is bumped by hand for each release, and feeds every transitive
// fingerprint so that stale caches from an older driver are never reused.
const Version = "1.0.0"

// SourceKind distinguishes a module source from its header.
type SourceKind int

const (
	KindSource SourceKind = iota // .pyx-equivalent
	KindPy                       // .py-equivalent
	KindHeader                   // .pxd-equivalent header
)

// SourceFile identifies a discovered module source. It is never mutated
// after discovery.
type SourceFile struct {
	Path string
	Kind SourceKind
}

// CompileOptions is the downstream options passthrough.
type CompileOptions struct {
	Cplus       bool
	IncludePath []string
	OutputFile  string
	// Cache, when non-empty, names the artifact cache directory.
	Cache string
}

// CompileResult reports the external compiler's outcome.
type CompileResult struct {
	NumErrors int
}

// Compiler is the external compile(sources, options) capability. This
// driver never generates C itself; production callers wire in a real
// back-end (e.g. ExecCompiler in cmd/cythonize), tests use a fake.
type Compiler interface {
	Compile(ctx context.Context, sources []string, opts CompileOptions) (CompileResult, error)
}

// Options configures a full Cythonize run.
type Options struct {
	Exclude     []string
	Aliases     map[string]interface{}
	NProcs      int
	Quiet       bool
	Force       bool
	IncludePath []string
	Cache       string
	Cplus       bool
	Log         func(format string, args ...interface{})
	Warn        func(format string, args ...interface{})
}

// CreateExtensionList expands patterns (bare globs or Extension templates)
// into the concrete module list, without deciding what needs recompiling.
func CreateExtensionList(tree *depgraph.Tree, patterns []planner.Pattern, opts Options) ([]*pkgdesc.Extension, error) {
	tree.IncludePath = mergeIncludePath(opts.IncludePath)
	return planner.CreateExtensionList(tree, patterns, planner.Options{
		Exclude: opts.Exclude,
		Aliases: opts.Aliases,
	})
}

// Cythonize is the user-facing entry point: it expands patterns, decides
// which modules need regeneration, and runs the parallel executor against
// compiler to produce translation units.
func Cythonize(ctx context.Context, patterns []planner.Pattern, compiler Compiler, opts Options) ([]*pkgdesc.Extension, error) {
	tree := depgraph.New()
	tree.IncludePath = mergeIncludePath(opts.IncludePath)
	if opts.Warn != nil {
		tree.Warnf = opts.Warn
	}

	plannerLog := opts.Log
	if opts.Quiet {
		plannerLog = nil
	}
	modules, items, err := planner.Plan(tree, patterns, planner.Options{
		Exclude: opts.Exclude,
		Aliases: opts.Aliases,
		Force:   opts.Force,
		Cache:   opts.Cache,
		Cplus:   opts.Cplus,
		Version: Version,
		Log:     plannerLog,
	})
	if err != nil {
		return nil, err
	}

	runOpts := execpool.Options{
		NProcs: opts.NProcs,
		Quiet:  opts.Quiet,
		Cache:  opts.Cache,
		Log:    opts.Log,
	}
	adapter := compilerAdapter{c: compiler}
	if err := execpool.Run(ctx, toExecItems(items), adapter, runOpts); err != nil {
		return nil, err
	}
	return modules, nil
}

// toExecItems converts the planner's work queue into execpool's own
// WorkItem type. The two are field-for-field identical, but Go does not
// implicitly convert between distinct named struct types (or slices of
// them), so the planner/execpool package boundary needs an explicit,
// field-by-field copy here.
func toExecItems(items []planner.WorkItem) []execpool.Item {
	out := make([]execpool.Item, len(items))
	for i, it := range items {
		out[i] = execpool.Item{
			Priority:    it.Priority,
			Source:      it.Source,
			Output:      it.Output,
			Fingerprint: it.Fingerprint,
			Cplus:       it.Cplus,
			IncludePath: it.IncludePath,
			Cache:       it.Cache,
		}
	}
	return out
}

type compilerAdapter struct{ c Compiler }

func (a compilerAdapter) Compile(ctx context.Context, sources []string, opts execpool.CompileOptions) (execpool.CompileResult, error) {
	res, err := a.c.Compile(ctx, sources, CompileOptions{
		Cplus:       opts.Cplus,
		IncludePath: opts.IncludePath,
		OutputFile:  opts.OutputFile,
		Cache:       opts.Cache,
	})
	return execpool.CompileResult{NumErrors: res.NumErrors}, err
}

func mergeIncludePath(explicit []string) []string {
	out := append([]string(nil), explicit...)
	out = append(out, sysenv.IncludePath()...)
	return out
}
