// Package extract turns one source file into its cimport, textual-include,
// external-header references and its build settings, without running the
// real front-end: everything is regex matching over a scrubbed buffer.
package extract

import (
	"io/ioutil"
	"regexp"
	"strings"
	"sync"

	"github.com/ZackerySpytz/cython/internal/directives"
	"github.com/ZackerySpytz/cython/internal/scrub"
)

// Record is the per-file dependency extraction result.
type Record struct {
	Cimports []string
	Includes []string
	Externs  []string
	Settings directives.BuildSettings
}

// dependencyRegex recognises the four dependency-introducing statement
// forms, each anchored at line start.
var dependencyRegex = regexp.MustCompile(
	`(?m)(?:^from +([0-9a-zA-Z_.]+) +cimport)|` +
		`(?:^cimport +([0-9a-zA-Z_.]+)\b)|` +
		`(?:^cdef +extern +from +['"]([^'"]+)['"])|` +
		`(?:^include +['"]([^'"]+)['"])`,
)

var (
	cacheMu sync.Mutex
	cache   = make(map[string]Record)
)

// Parse reads path, best-effort decoding it, and extracts its dependency
// record. Results are memoised per path until Reset.
func Parse(path string) (Record, error) {
	cacheMu.Lock()
	if r, ok := cache[path]; ok {
		cacheMu.Unlock()
		return r, nil
	}
	cacheMu.Unlock()

	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return Record{}, err
	}
	// Best-effort decode: unrepresentable bytes are dropped.
	source := strings.ToValidUTF8(string(raw), "")

	settings, err := directives.Parse(source)
	if err != nil {
		return Record{}, err
	}

	scrubbed, literals := scrub.Strip(source)
	scrubbed = strings.ReplaceAll(scrubbed, "\\\n", " ")
	scrubbed = strings.ReplaceAll(scrubbed, "\t", " ")

	var cimports, includes, externs []string
	for _, m := range dependencyRegex.FindAllStringSubmatch(scrubbed, -1) {
		switch {
		case m[1] != "":
			cimports = append(cimports, m[1])
		case m[2] != "":
			cimports = append(cimports, m[2])
		case m[3] != "":
			externs = append(externs, literals[m[3]])
		case m[4] != "":
			includes = append(includes, literals[m[4]])
		}
	}

	r := Record{
		Cimports: cimports,
		Includes: includes,
		Externs:  externs,
		Settings: settings,
	}
	cacheMu.Lock()
	cache[path] = r
	cacheMu.Unlock()
	return r, nil
}

// Reset clears the memoisation cache; tests and independent planner runs use
// this to start from a clean slate.
func Reset() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cache = make(map[string]Record)
}
