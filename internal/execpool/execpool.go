// Package execpool runs the planner's work queue: a bounded worker pool
// invokes the external compiler, consulting and populating a
// fingerprint-keyed artifact cache first.
//
// The pool is an errgroup.Group of goroutines draining a channel. Work
// items never depend on each other (generated translation units are
// leaves), so there is no follow-up scheduling as items complete.
package execpool

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ZackerySpytz/cython/internal/trace"
	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// CompileOptions mirrors cython.CompileOptions; kept as an independent type
// so this package does not import the root package (which imports this
// one).
type CompileOptions struct {
	Cplus       bool
	IncludePath []string
	OutputFile  string
	Cache       string
}

type CompileResult struct {
	NumErrors int
}

// Compiler is the narrow interface execpool needs from the external
// compile(sources, options) capability.
type Compiler interface {
	Compile(ctx context.Context, sources []string, opts CompileOptions) (CompileResult, error)
}

// WorkItem carries the same fields as planner.WorkItem; execpool declares
// its own type so that it does not depend on the planner package.
type WorkItem struct {
	Priority    int
	Source      string
	Output      string
	Fingerprint string
	Cplus       bool
	IncludePath []string
	Cache       string
}

// Options configures one execution run.
type Options struct {
	NProcs int
	Quiet  bool
	Cache  string
	Log    func(format string, args ...interface{})
}

// ErrCompileFailed is wrapped with the offending source path.
var ErrCompileFailed = xerrors.New("compile failed")

// Run executes items against compiler with up to opts.NProcs concurrent
// workers; opts.NProcs <= 0 falls back to a single worker.
//
// A failing unit aborts the whole build; workers do not retry. Already
// generated files are left in place.
func Run(ctx context.Context, items []Item, compiler Compiler, opts Options) error {
	logf := opts.Log
	if logf == nil {
		logf = log.Printf
	}

	n := opts.NProcs
	if n <= 0 {
		n = 1
	}

	eg, ctx := errgroup.WithContext(ctx)
	work := make(chan Item, len(items))
	for _, it := range items {
		work <- it
	}
	close(work)

	for w := 0; w < n; w++ {
		w := w
		eg.Go(func() error {
			for it := range work {
				if err := ctx.Err(); err != nil {
					return err
				}
				ev := trace.Event("compile "+it.Source, w)
				err := compileOne(ctx, it, compiler, opts.Quiet, logf)
				ev.Done()
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return eg.Wait()
}

// Item is the executor's work-item shape (identical fields to WorkItem;
// kept for call-site clarity where both planner and execpool types are in
// scope).
type Item = WorkItem

func compileOne(ctx context.Context, it Item, compiler Compiler, quiet bool, logf func(string, ...interface{})) error {
	if it.Fingerprint != "" && it.Cache != "" {
		hit, err := cacheLookup(it.Cache, it.Fingerprint, it.Output)
		if err != nil {
			return err
		}
		if hit {
			if !quiet {
				logf("Found compiled %s in cache", it.Source)
			}
			return nil
		}
	}

	if !quiet {
		logf("Cythonizing %s", it.Source)
	}

	res, err := compiler.Compile(ctx, []string{it.Source}, CompileOptions{
		Cplus:       it.Cplus,
		IncludePath: it.IncludePath,
		OutputFile:  it.Output,
		Cache:       it.Cache,
	})
	if err != nil {
		return xerrors.Errorf("%s: %w: %v", it.Source, ErrCompileFailed, err)
	}
	if res.NumErrors > 0 {
		return xerrors.Errorf("%s: %w", it.Source, ErrCompileFailed)
	}

	if it.Fingerprint != "" && it.Cache != "" {
		if err := cachePublish(it.Cache, it.Fingerprint, it.Output); err != nil {
			return err
		}
	}
	return nil
}

// cacheKey is "<fingerprint>-<basename of the generated file>".
func cacheKey(fingerprint, output string) string {
	return fingerprint + "-" + filepath.Base(output)
}

func ensureCacheDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		// Concurrent creation attempts must not race-fail: recheck
		// existence after the error.
		if st, statErr := os.Stat(dir); statErr == nil && st.IsDir() {
			return nil
		}
		return err
	}
	return nil
}

func cacheLookup(dir, fingerprint, output string) (bool, error) {
	if err := ensureCacheDir(dir); err != nil {
		return false, err
	}
	entry := filepath.Join(dir, cacheKey(fingerprint, output))
	src, err := os.Open(entry)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	defer src.Close()

	if err := copyAtomic(output, src); err != nil {
		return false, err
	}
	now := time.Now()
	_ = os.Chtimes(entry, now, now) // touch on hit
	return true, nil
}

func cachePublish(dir, fingerprint, output string) error {
	if err := ensureCacheDir(dir); err != nil {
		return err
	}
	entry := filepath.Join(dir, cacheKey(fingerprint, output))
	src, err := os.Open(output)
	if err != nil {
		return err
	}
	defer src.Close()
	return copyAtomic(entry, src)
}

// copyAtomic publishes src's contents to dest via a temp file + rename, so
// a crash mid-copy never leaves a truncated cache entry or generated file
// behind.
func copyAtomic(dest string, src io.Reader) error {
	f, err := renameio.TempFile("", dest)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	if _, err := io.Copy(f, src); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// GC removes cache entries whose mtime is older than maxAge. The build
// path never calls this; it is reachable only through the "cache-gc" CLI
// verb, since touch-on-hit keeps live entries fresh and everything else is
// safe to drop.
func GC(dir string, maxAge time.Duration) (removed int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	var errs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				errs = append(errs, err.Error())
				continue
			}
			removed++
		}
	}
	if len(errs) > 0 {
		return removed, fmt.Errorf("gc: %s", strings.Join(errs, "; "))
	}
	return removed, nil
}
