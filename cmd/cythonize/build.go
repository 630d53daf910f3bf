package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"

	"github.com/ZackerySpytz/cython"
	"github.com/ZackerySpytz/cython/internal/planner"
	"github.com/ZackerySpytz/cython/internal/trace"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// cmdBuild is the "build" verb: it wires a ExecCompiler back-end and runs
// cython.Cythonize over the glob patterns given on the command line, the
// CLI analogue of calling cythonize(["*.pyx"]) from a setup.py.
func cmdBuild(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("build", flag.ExitOnError)
	nprocs := fset.Int("j", 1, "number of files to cythonize in parallel")
	force := fset.Bool("force", false, "force recompilation even if the target looks up to date")
	quiet := fset.Bool("quiet", false, "suppress per-file progress output")
	cplus := fset.Bool("cplus", false, "generate C++ instead of C")
	cache := fset.String("cache", "", "artifact cache directory (disabled if empty)")
	exclude := fset.String("exclude", "", "comma-separated glob patterns to exclude")
	includePath := fset.String("include_dir", "", "comma-separated include-path directories")
	compiler := fset.String("compiler", "cython", "source-to-C compiler binary to invoke per work item")
	tracePrefix := fset.String("trace_prefix", "", "if set, enables Chrome trace-event output under this prefix")
	fset.Parse(args)

	patterns := fset.Args()
	if len(patterns) == 0 {
		return fmt.Errorf("build: at least one glob pattern is required")
	}

	if *tracePrefix != "" {
		if err := trace.Enable(*tracePrefix); err != nil {
			return err
		}
		onExit(trace.Close)
	}

	statusLine := newStatusLogger(*quiet)

	var patternList []planner.Pattern
	for _, p := range patterns {
		patternList = append(patternList, planner.Pattern{Glob: p})
	}

	var excludeList []string
	if *exclude != "" {
		excludeList = strings.Split(*exclude, ",")
	}
	var includeDirs []string
	if *includePath != "" {
		includeDirs = strings.Split(*includePath, ",")
	}

	opts := cython.Options{
		Exclude:     excludeList,
		NProcs:      *nprocs,
		Quiet:       *quiet,
		Force:       *force,
		IncludePath: includeDirs,
		Cache:       *cache,
		Cplus:       *cplus,
		Log:         statusLine.Logf,
		Warn: func(format string, a ...interface{}) {
			log.Printf("warning: "+format, a...)
		},
	}

	ec := &ExecCompiler{Binary: *compiler}
	modules, err := cython.Cythonize(ctx, patternList, ec, opts)
	if err != nil {
		return xerrors.Errorf("build: %w", err)
	}
	if !*quiet {
		log.Printf("cythonized %d module(s)", len(modules))
	}
	return nil
}

// ExecCompiler shells out to an external source-to-C compiler binary, one
// invocation per work item, so "cythonize build" can be exercised
// standalone against a real back-end.
type ExecCompiler struct {
	Binary string
}

func (e *ExecCompiler) Compile(ctx context.Context, sources []string, opts cython.CompileOptions) (cython.CompileResult, error) {
	var args []string
	if opts.Cplus {
		args = append(args, "--cplus")
	}
	for _, dir := range opts.IncludePath {
		args = append(args, "-I", dir)
	}
	if opts.OutputFile != "" {
		args = append(args, "-o", opts.OutputFile)
	}
	args = append(args, sources...)

	cmd := exec.CommandContext(ctx, e.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return cython.CompileResult{NumErrors: 1}, xerrors.Errorf("%s exited with %s", e.Binary, exitErr)
		}
		return cython.CompileResult{}, err
	}
	return cython.CompileResult{NumErrors: 0}, nil
}

// statusLogger collapses per-file progress into a single refreshed
// terminal line when stderr is a tty, and logs one line per call
// otherwise.
type statusLogger struct {
	quiet bool
	tty   bool
}

func newStatusLogger(quiet bool) *statusLogger {
	return &statusLogger{quiet: quiet, tty: isTerminal(os.Stderr.Fd())}
}

func (s *statusLogger) Logf(format string, args ...interface{}) {
	if s.quiet {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if s.tty {
		fmt.Fprintf(os.Stderr, "\r\x1b[K%s", msg)
		return
	}
	log.Println(msg)
}

// isTerminal reports whether fd refers to a real tty: TCGETS succeeds
// only on terminals.
func isTerminal(fd uintptr) bool {
	_, err := unix.IoctlGetTermios(int(fd), unix.TCGETS)
	return err == nil
}
