// Package planner expands glob patterns into modules, decides per-module
// whether to (re)compile, and emits a priority-sorted work queue.
package planner

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ZackerySpytz/cython/internal/depgraph"
	"github.com/ZackerySpytz/cython/internal/directives"
	"github.com/ZackerySpytz/cython/internal/extract"
	"github.com/ZackerySpytz/cython/internal/fingerprint"
	"github.com/ZackerySpytz/cython/pkgdesc"
)

// Pattern is exactly one of Glob or Template: a bare glob string, or an
// extension descriptor used as a template.
type Pattern struct {
	Glob     string
	Template *pkgdesc.Extension
}

// driverEligibleExtensions are the host-dialect source extensions this
// driver regenerates; any other extension in a Template's first source
// passes the pattern through unchanged.
var driverEligibleExtensions = map[string]bool{
	".pyx": true,
	".py":  true,
}

// Options configures one planner run.
type Options struct {
	Exclude []string
	Aliases map[string]interface{}
	Force   bool
	Cache   string
	Cplus   bool
	Version string
	Log     func(format string, args ...interface{})
}

// Priority orders the work queue: the source's own change outranks a
// direct dependency's, which outranks a transitive one's.
const (
	PrioritySelfChanged   = 0
	PriorityImmediateDep  = 1
	PriorityTransitiveDep = 2
)

// WorkItem is one unit of compilation work.
type WorkItem struct {
	Priority    int
	Source      string
	Output      string
	Fingerprint string // "" means caching is disabled for this unit
	Cplus       bool
	IncludePath []string
	Cache       string
}

// CreateExtensionList expands patterns into the concrete module list,
// without making any recompile decision.
func CreateExtensionList(tree *depgraph.Tree, patterns []Pattern, opts Options) ([]*pkgdesc.Extension, error) {
	toExclude := make(map[string]bool)
	for _, pat := range opts.Exclude {
		matches, err := extendedGlob(pat)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			toExclude[m] = true
		}
	}

	seen := make(map[string]bool)
	var modules []*pkgdesc.Extension

	for _, pat := range patterns {
		if pat.Template != nil && !isBarePattern(pat) {
			if len(pat.Template.Sources) == 0 || !driverEligibleExtensions[filepath.Ext(pat.Template.Sources[0])] {
				// Not a cython-dialect extension: pass through unchanged.
				modules = append(modules, pat.Template)
				continue
			}
		}

		filePattern, name, base, template := resolvePattern(pat)

		files, err := extendedGlob(filePattern)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			if toExclude[file] {
				continue
			}
			moduleName := name
			if strings.Contains(name, "*") {
				moduleName = tree.FullyQualifiedName(file)
			}
			// The seen-set keys on the resolved module name, never the
			// literal "*" pattern, so distinct wildcard matches survive.
			if seen[moduleName] {
				continue
			}
			seen[moduleName] = true

			// An unknown directive key or a relative cimport anywhere in the
			// closure aborts planning; the dependency graph itself only
			// warns about or skips such files.
			for _, dep := range tree.AllDependencies(file) {
				if _, err := extract.Parse(dep); errors.Is(err, directives.ErrUnknownKey) {
					return nil, err
				}
				for _, module := range tree.Cimports(dep) {
					if _, err := tree.FindHeader(module, dep); errors.Is(err, depgraph.ErrRelativeImport) {
						return nil, err
					}
				}
			}

			// The closure merge only promotes transitive settings from
			// base; fill in the template's remaining ones afterwards.
			settings := tree.Settings(file, opts.Aliases, base).FillIn(base)
			sources := []string{file}
			if template != nil && len(template.Sources) > 1 {
				sources = append(sources, template.Sources[1:]...)
			}
			modules = append(modules, &pkgdesc.Extension{
				Name:         moduleName,
				Sources:      sources,
				Scalars:      settings.Scalars,
				Lists:        settings.Lists,
				DefineMacros: settings.DefineMacros,
			})
		}
	}
	return modules, nil
}

func isBarePattern(pat Pattern) bool { return pat.Glob != "" }

func resolvePattern(pat Pattern) (filePattern, name string, base directives.BuildSettings, template *pkgdesc.Extension) {
	if isBarePattern(pat) {
		return pat.Glob, "*", directives.New(), nil
	}
	t := pat.Template
	fp := ""
	if len(t.Sources) > 0 {
		fp = t.Sources[0]
	}
	return fp, t.Name, t.Settings(), t
}

// Plan runs CreateExtensionList, then decides per-source whether to
// (re)compile, assigning priorities and fingerprints.
func Plan(tree *depgraph.Tree, patterns []Pattern, opts Options) ([]*pkgdesc.Extension, []WorkItem, error) {
	modules, err := CreateExtensionList(tree, patterns, Options{Exclude: opts.Exclude, Aliases: opts.Aliases})
	if err != nil {
		return nil, nil, err
	}

	var items []WorkItem
	for _, m := range modules {
		language := m.Scalars[directives.Language]
		// The output extension follows the module's own language setting;
		// the global Cplus option only reaches the back-end compile
		// options, never another module's file kind.
		cplus := language == "c++"

		var newSources []string
		for _, source := range m.Sources {
			ext := filepath.Ext(source)
			if ext != ".pyx" && ext != ".py" {
				newSources = append(newSources, source)
				continue
			}
			base := strings.TrimSuffix(source, ext)
			outExt := ".c"
			if cplus {
				outExt = ".cpp"
			}
			cFile := base + outExt

			item, err := decide(tree, source, cFile, cplus || opts.Cplus, language, opts)
			if err != nil {
				return nil, nil, err
			}
			if item != nil {
				items = append(items, *item)
			}
			newSources = append(newSources, cFile)
		}
		m.Sources = newSources
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority < items[j].Priority })
	return modules, items, nil
}

func decide(tree *depgraph.Tree, source, cFile string, cplus bool, language string, opts Options) (*WorkItem, error) {
	cTime, cExists, err := mtimeOrAbsent(cFile)
	if err != nil {
		return nil, err
	}
	srcTime, err := tree.Timestamp(source)
	if err != nil {
		return nil, err
	}

	var (
		triggerTime = srcTime
		trigger     = source
		priority    = PrioritySelfChanged
	)
	if cExists && !cTime.Before(srcTime) {
		depTime, dep, err := tree.NewestDependency(source)
		if err != nil {
			return nil, err
		}
		triggerTime, trigger = depTime, dep
		priority = PriorityTransitiveDep
		for _, imm := range tree.ImmediateDependencies(source) {
			if imm == dep {
				priority = PriorityImmediateDep
				break
			}
		}
	}

	stale := !cExists || cTime.Before(triggerTime)
	if !opts.Force && !stale {
		return nil, nil
	}

	if opts.Log != nil && stale {
		if trigger == source {
			opts.Log("Compiling %s because it changed.", source)
		} else {
			opts.Log("Compiling %s because it depends on %s.", source, trigger)
		}
	}

	fp := fingerprint.NoFingerprint
	if opts.Cache != "" {
		fp = fingerprint.Transitive(opts.Version, source, tree.AllDependencies(source), language)
	}

	return &WorkItem{
		Priority:    priority,
		Source:      source,
		Output:      cFile,
		Fingerprint: fp,
		Cplus:       cplus,
		IncludePath: tree.IncludePath,
		Cache:       opts.Cache,
	}, nil
}

// mtimeOrAbsent returns the mtime of path and whether it exists. A
// not-exist error is not propagated: an absent generated artifact is
// simply always stale.
func mtimeOrAbsent(path string) (time.Time, bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	return st.ModTime(), true, nil
}
