package directives

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseScalarAndList(t *testing.T) {
	source := `# distutils: language = c++
# distutils: libraries = [m, pthread]
# distutils: define_macros = FOO=1 BAR
import numpy
`
	got, err := Parse(source)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Scalars[Language] != "c++" {
		t.Errorf("Scalars[language] = %q, want %q", got.Scalars[Language], "c++")
	}
	if diff := cmp.Diff([]string{"m", "pthread"}, got.Lists[Libraries]); diff != "" {
		t.Errorf("Lists[libraries] mismatch (-want +got):\n%s", diff)
	}
	want := []DefineMacro{{"FOO", "1"}, {"BAR", ""}}
	if diff := cmp.Diff(want, got.DefineMacros); diff != "" {
		t.Errorf("DefineMacros mismatch (-want +got):\n%s", diff)
	}
}

func TestParseStopsAtFirstNonComment(t *testing.T) {
	source := `# distutils: language = c++
import os
# distutils: libraries = [should, not, appear]
`
	got, err := Parse(source)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := got.Lists[Libraries]; ok {
		t.Errorf("directive after the comment block was parsed: %v", got.Lists[Libraries])
	}
}

func TestParseUnknownKey(t *testing.T) {
	_, err := Parse("# distutils: bogus = 1\n")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("Parse() error = %v, want wrapping ErrUnknownKey", err)
	}
}

func TestParseList(t *testing.T) {
	for _, test := range []struct {
		desc string
		in   string
		want []string
	}{
		{desc: "empty", in: "", want: nil},
		{desc: "space separated", in: "a b c", want: []string{"a", "b", "c"}},
		{desc: "bracketed comma separated", in: "[a, b, c]", want: []string{"a", "b", "c"}},
		{desc: "quoted element with spaces", in: `['a b', c]`, want: []string{"a b", "c"}},
	} {
		t.Run(test.desc, func(t *testing.T) {
			got, err := ParseList(test.in)
			if err != nil {
				t.Fatalf("ParseList(%q): %v", test.in, err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("ParseList(%q) mismatch (-want +got):\n%s", test.in, diff)
			}
		})
	}
}

func TestMergeTransitiveScalarPrefersChild(t *testing.T) {
	child := New()
	child.Scalars[Language] = "c"
	parent := New()
	parent.Scalars[Language] = "c++"

	merged := child.Merge(parent)
	if merged.Scalars[Language] != "c" {
		t.Errorf("Merge() Scalars[language] = %q, want child value %q", merged.Scalars[Language], "c")
	}
}

func TestMergeTransitiveListUnionAppends(t *testing.T) {
	child := New()
	child.Lists[Libraries] = []string{"m"}
	parent := New()
	parent.Lists[Libraries] = []string{"m", "pthread"}

	merged := child.Merge(parent)
	if diff := cmp.Diff([]string{"m", "pthread"}, merged.Lists[Libraries]); diff != "" {
		t.Errorf("Merge() Lists[libraries] mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeNonTransitiveKeyNotPromoted(t *testing.T) {
	child := New()
	parent := New()
	parent.Scalars[Name] = "parentmod"

	merged := child.Merge(parent)
	if _, ok := merged.Scalars[Name]; ok {
		t.Errorf("Merge() promoted non-transitive key %q from parent", Name)
	}
}

func TestFillInRestoresNonTransitiveSettings(t *testing.T) {
	merged := New()
	merged.Scalars[Language] = "c"
	merged.Lists[Libraries] = []string{"m"}

	base := New()
	base.Scalars[Language] = "c++"
	base.Lists[Libraries] = []string{"pthread"}
	base.Lists[ExtraObjects] = []string{"helper.o"}
	base.DefineMacros = []DefineMacro{{"FOO", "1"}}

	got := merged.FillIn(base)
	if got.Scalars[Language] != "c" {
		t.Errorf("FillIn() overwrote Scalars[language]: %q, want %q", got.Scalars[Language], "c")
	}
	if diff := cmp.Diff([]string{"m"}, got.Lists[Libraries]); diff != "" {
		t.Errorf("FillIn() Lists[libraries] mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"helper.o"}, got.Lists[ExtraObjects]); diff != "" {
		t.Errorf("FillIn() Lists[extra_objects] mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]DefineMacro{{"FOO", "1"}}, got.DefineMacros); diff != "" {
		t.Errorf("FillIn() DefineMacros mismatch (-want +got):\n%s", diff)
	}
}

func TestFromExtensionSkipsNameAndSources(t *testing.T) {
	got := FromExtension(
		map[Key]string{Name: "mymod", Language: "c++"},
		map[Key][]string{Sources: {"a.pyx"}, Libraries: {"m"}},
		nil)
	if _, ok := got.Scalars[Name]; ok {
		t.Errorf("FromExtension copied name into Scalars")
	}
	if _, ok := got.Lists[Sources]; ok {
		t.Errorf("FromExtension copied sources into Lists")
	}
	if got.Scalars[Language] != "c++" {
		t.Errorf("Scalars[language] = %q, want %q", got.Scalars[Language], "c++")
	}
}

func TestSubsSplicesListSubstitution(t *testing.T) {
	b := New()
	b.Lists[Libraries] = []string{"NUMPY"}
	aliases := map[string]interface{}{"NUMPY": []string{"npymath", "npyrandom"}}

	got := b.Subs(aliases)
	if diff := cmp.Diff([]string{"npymath", "npyrandom"}, got.Lists[Libraries]); diff != "" {
		t.Errorf("Subs() Lists[libraries] mismatch (-want +got):\n%s", diff)
	}
}
