package planner

import (
	"os"
	"path/filepath"
	"strings"
)

// extendedGlob expands a glob pattern whose "**/" segments each match
// zero or more directories. Matches are de-duplicated across the
// overlapping zero- and one-or-more expansions below.
func extendedGlob(pattern string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	if err := extendedGlobInto(pattern, seen, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func extendedGlobInto(pattern string, seen map[string]bool, out *[]string) error {
	const marker = "**/"
	idx := indexOfDoubleStar(pattern)
	if idx == -1 {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				*out = append(*out, m)
			}
		}
		return nil
	}

	first := strings.TrimSuffix(pattern[:idx], string(filepath.Separator))
	rest := pattern[idx+len(marker):]
	if first == "" {
		first = "."
	}
	// filepath.Glob has no "directories only" form, so enumerate and
	// filter.
	candidates, err := filepath.Glob(first)
	if err != nil {
		return err
	}
	for _, root := range candidates {
		if st, err := os.Stat(root); err != nil || !st.IsDir() {
			continue
		}
		// zero-or-more: match with zero extra directories...
		if err := extendedGlobInto(filepath.Join(root, rest), seen, out); err != nil {
			return err
		}
		// ...and with one-or-more, by inserting a wildcard directory and
		// recursing with another "**/".
		if err := extendedGlobInto(filepath.Join(root, "*", "**", rest), seen, out); err != nil {
			return err
		}
	}
	return nil
}

func indexOfDoubleStar(pattern string) int {
	const marker = "**/"
	for i := 0; i+len(marker) <= len(pattern); i++ {
		if pattern[i:i+len(marker)] == marker {
			return i
		}
	}
	return -1
}
