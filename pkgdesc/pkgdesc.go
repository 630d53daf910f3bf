// Package pkgdesc defines the extension-module descriptor: an opaque
// aggregate carrying build settings, ferried into the downstream toolchain.
// The planner (internal/planner) reads and writes it, but does not
// otherwise interpret it.
package pkgdesc

import "github.com/ZackerySpytz/cython/internal/directives"

// Extension is the extension-module descriptor.
type Extension struct {
	Name    string
	Sources []string

	Scalars      map[directives.Key]string
	Lists        map[directives.Key][]string
	DefineMacros []directives.DefineMacro
}

// Settings converts the descriptor's recognised fields into a
// BuildSettings value, used when an Extension is supplied as a template
// pattern.
func (e *Extension) Settings() directives.BuildSettings {
	return directives.FromExtension(e.Scalars, e.Lists, e.DefineMacros)
}
