package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/ZackerySpytz/cython/internal/depgraph"
	"github.com/ZackerySpytz/cython/internal/fingerprint"
	"gonum.org/v1/gonum/graph/topo"
)

// cmdGraph prints one file's immediate and transitive dependencies plus
// its fingerprint, and optionally every dependency cycle found while
// walking its dependencies (whether or not the file itself is on it).
func cmdGraph(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("graph", flag.ExitOnError)
	includePath := fset.String("include_dir", "", "comma-separated include-path directories")
	version := fset.String("version", "dev", "version token folded into the fingerprint")
	showCycles := fset.Bool("cycles", false, "report strongly connected components of size > 1")
	fset.Parse(args)

	if fset.NArg() != 1 {
		return fmt.Errorf("graph: exactly one file argument is required")
	}
	target := fset.Arg(0)

	tree := depgraph.New()
	if *includePath != "" {
		tree.IncludePath = strings.Split(*includePath, ",")
	}

	immediate := tree.ImmediateDependencies(target)
	all := tree.AllDependencies(target)

	fmt.Printf("%s\n", target)
	fmt.Printf("  immediate dependencies:\n")
	for _, d := range immediate {
		fmt.Printf("    %s\n", d)
	}
	fmt.Printf("  transitive dependencies:\n")
	for _, d := range all {
		fmt.Printf("    %s\n", d)
	}

	fp := fingerprint.Transitive(*version, target, all, "")
	if fp == fingerprint.NoFingerprint {
		fmt.Printf("  fingerprint: unavailable (I/O error reading a dependency)\n")
	} else {
		fmt.Printf("  fingerprint: %s\n", fp)
	}

	if *showCycles {
		sccs := topo.TarjanSCC(tree.Graph())
		for _, scc := range sccs {
			if len(scc) < 2 {
				continue
			}
			var names []string
			for _, n := range scc {
				if p, ok := tree.PathOf(n.ID()); ok {
					names = append(names, p)
				}
			}
			fmt.Printf("  cycle: %s\n", strings.Join(names, " -> "))
		}
	}

	return nil
}
