// Package fingerprint computes the content-hash fingerprints the build
// planner and artifact cache key on: a single file's hash, and a
// transitive hash spanning a file plus every non-generated dependency in
// its closure.
//
// The hash is 128-bit FNV-1a; it must be stable across runs and
// platforms.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"hash"
	"hash/fnv"
	"io/ioutil"
	"path/filepath"
	"sort"
)

// NoFingerprint marks a unit whose fingerprint could not be computed;
// caching is suppressed for it.
const NoFingerprint = ""

// GeneratedExtensions is the downstream-generated-artifact set. No
// fingerprint may depend on a generated file, or incremental builds would
// not be idempotent.
var GeneratedExtensions = map[string]bool{
	".c":   true,
	".cpp": true,
	".h":   true,
}

func newHash() hash.Hash {
	return fnv.New128a()
}

// FileHash digests the normalised path bytes, a length prefix, and the
// file's byte contents.
func FileHash(path string) (string, error) {
	norm := filepath.Clean(path)
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return "", err
	}
	h := newHash()
	fmt.Fprintf(h, "%d:", len(norm))
	h.Write([]byte(norm))
	h.Write(contents)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Transitive digests a driver version token, target's FileHash, then the
// FileHash of every dependency (in sorted order; Transitive sorts a copy of
// dependencies itself) whose extension is not in GeneratedExtensions, then
// an optional extra tag.
//
// On any I/O error it returns NoFingerprint, suppressing caching for that
// unit.
func Transitive(version, target string, dependencies []string, extra string) string {
	h := newHash()
	fmt.Fprint(h, version)

	fh, err := FileHash(target)
	if err != nil {
		return NoFingerprint
	}
	fmt.Fprint(h, fh)

	sorted := append([]string(nil), dependencies...)
	sort.Strings(sorted)
	for _, dep := range sorted {
		if GeneratedExtensions[filepath.Ext(dep)] {
			continue
		}
		dh, err := FileHash(dep)
		if err != nil {
			return NoFingerprint
		}
		fmt.Fprint(h, dh)
	}
	if extra != "" {
		fmt.Fprint(h, extra)
	}
	return hex.EncodeToString(h.Sum(nil))
}
