// Command cythonize drives an incremental build of Cython-dialect
// extension modules, dispatching to one of a small set of verbs.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/ZackerySpytz/cython/internal/execpool"
)

var verbs = map[string]func(ctx context.Context, args []string) error{
	"build":    cmdBuild,
	"graph":    cmdGraph,
	"cache-gc": cmdCacheGC,
}

func usage() {
	fmt.Fprintf(os.Stderr, `cythonize: incremental Cython-dialect build driver

Usage: cythonize <command> [args]

Commands:
`)
	names := make([]string, 0, len(verbs))
	for name := range verbs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %s\n", name)
	}
}

func main() {
	log.SetFlags(0)
	if err := logic(); err != nil {
		log.Fatal(err)
	}
}

func logic() error {
	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("no command specified")
	}
	verb, ok := verbs[os.Args[1]]
	if !ok {
		usage()
		return fmt.Errorf("unknown command %q", os.Args[1])
	}

	ctx, canc := interruptContext()
	defer canc()

	defer func() {
		if err := runExitHooks(); err != nil {
			log.Printf("exit cleanup: %v", err)
		}
	}()

	return verb(ctx, os.Args[2:])
}

func cmdCacheGC(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("cache-gc", flag.ExitOnError)
	cacheDir := fset.String("cache", "", "artifact cache directory")
	maxAge := fset.Duration("max_age", 0, "remove entries older than this")
	fset.Parse(args)
	if *cacheDir == "" {
		return fmt.Errorf("cache-gc: -cache is required")
	}
	removed, err := execpool.GC(*cacheDir, *maxAge)
	if err != nil {
		return err
	}
	log.Printf("removed %d stale cache entries", removed)
	return nil
}
