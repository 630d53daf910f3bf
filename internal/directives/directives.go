// Package directives parses the leading "# distutils: key = value" comment
// block of a source file into a closed set of build settings, and implements
// the merge/substitution algebra those settings follow when folded across a
// dependency closure.
package directives

import (
	"fmt"
	"strings"

	"github.com/ZackerySpytz/cython/internal/scrub"
	"golang.org/x/xerrors"
)

// Kind classifies how a setting is combined when two BuildSettings values
// are merged, and whether it is promoted from a dependency at all.
type Kind int

const (
	// Scalar settings: a repeated directive replaces the earlier value;
	// never promoted from a dependency.
	Scalar Kind = iota
	// List settings: a repeated directive replaces the earlier list (the
	// two are not concatenated); never promoted from a dependency.
	List
	// TransitiveScalar settings: adopted from a dependency only if the
	// child does not already define them.
	TransitiveScalar
	// TransitiveList settings: union-appended across dependencies,
	// preserving first-seen order and deduplicating by equality.
	TransitiveList
)

// Key names the recognised distutils-style settings.
type Key string

const (
	Name               Key = "name"
	Sources            Key = "sources"
	DefineMacros       Key = "define_macros"
	UndefMacros        Key = "undef_macros"
	Libraries          Key = "libraries"
	LibraryDirs        Key = "library_dirs"
	RuntimeLibraryDirs Key = "runtime_library_dirs"
	IncludeDirs        Key = "include_dirs"
	ExtraCompileArgs   Key = "extra_compile_args"
	ExtraLinkArgs      Key = "extra_link_args"
	Depends            Key = "depends"
	ExtraObjects       Key = "extra_objects"
	ExportSymbols      Key = "export_symbols"
	Language           Key = "language"
)

// Kinds maps every recognised key to its aggregation kind.
var Kinds = map[Key]Kind{
	Name:               Scalar,
	Sources:            List,
	DefineMacros:       List,
	UndefMacros:        List,
	Libraries:          TransitiveList,
	LibraryDirs:        TransitiveList,
	RuntimeLibraryDirs: TransitiveList,
	IncludeDirs:        TransitiveList,
	ExtraCompileArgs:   TransitiveList,
	ExtraLinkArgs:      TransitiveList,
	Depends:            TransitiveList,
	ExtraObjects:       List,
	ExportSymbols:      List,
	Language:           TransitiveScalar,
}

// ErrUnknownKey is returned (wrapped with the offending key) when a
// directive names a setting outside the closed Kinds table.
var ErrUnknownKey = xerrors.New("unknown distutils setting key")

// DefineMacro is a (name, value) pair, as produced by splitting a
// define_macros element on "=".
type DefineMacro [2]string

// BuildSettings holds one source file's (or one merged closure's) build
// settings. Only Scalar/TransitiveScalar string values live in Scalars;
// List/TransitiveList values live in Lists, except DefineMacros which keeps
// its own typed slice since each element is a pair, not a bare string.
type BuildSettings struct {
	Scalars      map[Key]string
	Lists        map[Key][]string
	DefineMacros []DefineMacro
}

func New() BuildSettings {
	return BuildSettings{
		Scalars: make(map[Key]string),
		Lists:   make(map[Key][]string),
	}
}

func (b BuildSettings) has(k Key) bool {
	if _, ok := b.Scalars[k]; ok {
		return true
	}
	if _, ok := b.Lists[k]; ok {
		return true
	}
	if k == DefineMacros && len(b.DefineMacros) > 0 {
		return true
	}
	return false
}

// Clone returns a deep copy, so merges never alias a caller's slices/maps.
func (b BuildSettings) Clone() BuildSettings {
	out := New()
	for k, v := range b.Scalars {
		out.Scalars[k] = v
	}
	for k, v := range b.Lists {
		cp := make([]string, len(v))
		copy(cp, v)
		out.Lists[k] = cp
	}
	out.DefineMacros = append([]DefineMacro(nil), b.DefineMacros...)
	return out
}

// Merge folds other into a copy of b following each key's Kind, and returns
// the result. b plays the role of the "child" (more specific) settings: a
// TransitiveScalar from other is only adopted if b does not already define
// it; TransitiveList entries from other are appended (deduplicated,
// order-preserving) after b's own.
func (b BuildSettings) Merge(other BuildSettings) BuildSettings {
	out := b.Clone()
	for k, v := range other.Scalars {
		switch Kinds[k] {
		case TransitiveScalar:
			if _, ok := out.Scalars[k]; !ok {
				out.Scalars[k] = v
			}
		}
	}
	for k, v := range other.Lists {
		if Kinds[k] != TransitiveList {
			continue
		}
		out.Lists[k] = unionAppend(out.Lists[k], v)
	}
	return out
}

// FillIn copies every setting base defines that b does not set at all,
// regardless of the key's Kind. Merge only ever promotes the transitive
// kinds, so a template's plain scalar/list settings (extra_objects,
// export_symbols, undef_macros, define_macros) survive only through this
// second, unconditional pass.
func (b BuildSettings) FillIn(base BuildSettings) BuildSettings {
	out := b.Clone()
	for k, v := range base.Scalars {
		if _, ok := out.Scalars[k]; !ok {
			out.Scalars[k] = v
		}
	}
	for k, v := range base.Lists {
		if _, ok := out.Lists[k]; !ok {
			out.Lists[k] = append([]string(nil), v...)
		}
	}
	if len(out.DefineMacros) == 0 {
		out.DefineMacros = append([]DefineMacro(nil), base.DefineMacros...)
	}
	return out
}

func unionAppend(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	for _, v := range base {
		seen[v] = true
	}
	out := append([]string(nil), base...)
	for _, v := range extra {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// Parse walks the leading run of blank/comment lines of source, looking for
// "# distutils: key = value" directives. It stops at the first line whose
// first non-whitespace character is not '#'.
func Parse(source string) (BuildSettings, error) {
	out := New()
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if trimmed[0] != '#' {
			break
		}
		body := strings.TrimSpace(trimmed[1:])
		if !strings.HasPrefix(body, "distutils:") {
			continue
		}
		body = strings.TrimPrefix(body, "distutils:")
		ix := strings.Index(body, "=")
		if ix == -1 {
			continue
		}
		key := Key(strings.TrimSpace(body[:ix]))
		value := strings.TrimSpace(body[ix+1:])
		kind, ok := Kinds[key]
		if !ok {
			return BuildSettings{}, xerrors.Errorf("%q: %w", key, ErrUnknownKey)
		}
		switch kind {
		case List, TransitiveList:
			items, err := ParseList(value)
			if err != nil {
				return BuildSettings{}, err
			}
			if key == DefineMacros {
				for _, item := range items {
					parts := strings.SplitN(item, "=", 2)
					if len(parts) == 1 {
						parts = append(parts, "")
					}
					out.DefineMacros = append(out.DefineMacros, DefineMacro{parts[0], parts[1]})
				}
			} else {
				out.Lists[key] = items
			}
		default:
			out.Scalars[key] = value
		}
	}
	return out, nil
}

// ParseList parses a distutils-style list value: "[a, b, c]" splits on
// commas, "a b c" splits on whitespace. Quoted separators inside the value
// do not split, since the value is scrubbed first and literals are
// restored element-by-element.
func ParseList(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	delim := " "
	if s[0] == '[' && s[len(s)-1] == ']' {
		s = s[1 : len(s)-1]
		delim = ","
	}
	scrubbed, literals := scrub.Strip(s)
	var out []string
	for _, item := range strings.Split(scrubbed, delim) {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, unquote(item, literals))
	}
	return out, nil
}

func unquote(item string, literals map[string]string) string {
	item = strings.TrimSpace(item)
	if item == "" {
		return item
	}
	if item[0] == '\'' || item[0] == '"' {
		label := item[1 : len(item)-1]
		if lit, ok := literals[label]; ok {
			return lit
		}
	}
	return item
}

// FromExtension builds a BuildSettings by reading the recognised keys off a
// template extension descriptor, mirroring distutils_settings's "exn="
// construction path: "name" and "sources" are never copied (those come from
// the planner's own file discovery), and a zero-valued field is skipped.
func FromExtension(scalars map[Key]string, lists map[Key][]string, macros []DefineMacro) BuildSettings {
	out := New()
	for k, v := range scalars {
		if k == Name || k == Sources || v == "" {
			continue
		}
		out.Scalars[k] = v
	}
	for k, v := range lists {
		if k == Name || k == Sources || len(v) == 0 {
			continue
		}
		out.Lists[k] = append([]string(nil), v...)
	}
	out.DefineMacros = append([]DefineMacro(nil), macros...)
	return out
}

// Subs substitutes aliased tokens inside list-valued settings, splicing
// list-valued substitutions in place, mirroring DistutilsInfo.subs.
func (b BuildSettings) Subs(aliases map[string]interface{}) BuildSettings {
	if aliases == nil {
		return b
	}
	out := New()
	for k, v := range b.Scalars {
		if repl, ok := aliases[v]; ok {
			if s, ok := repl.(string); ok {
				out.Scalars[k] = s
				continue
			}
		}
		out.Scalars[k] = v
	}
	for k, v := range b.Lists {
		var spliced []string
		for _, item := range v {
			repl, ok := aliases[item]
			if !ok {
				spliced = append(spliced, item)
				continue
			}
			switch r := repl.(type) {
			case string:
				spliced = append(spliced, r)
			case []string:
				spliced = append(spliced, r...)
			default:
				spliced = append(spliced, fmt.Sprintf("%v", r))
			}
		}
		out.Lists[k] = spliced
	}
	out.DefineMacros = append([]DefineMacro(nil), b.DefineMacros...)
	return out
}
