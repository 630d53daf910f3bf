// Package sysenv captures details about the build environment.
package sysenv

import (
	"os"
	"strings"
)

// includePathEnv names the environment variable holding a ':'-separated
// list of directories to search when a cimport or include cannot be
// resolved relative to the referencing file.
const includePathEnv = "CYTHONIZE_INCLUDE_PATH"

// IncludePath returns the directories named by CYTHONIZE_INCLUDE_PATH, in
// order, or nil if unset.
func IncludePath() []string {
	v := os.Getenv(includePathEnv)
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, string(os.PathListSeparator)) {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
