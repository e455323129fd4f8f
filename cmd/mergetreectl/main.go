// Command mergetreectl is an offline admin tool over a PerspectiveDB store
// directory: stats/info and rmpe.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/perspectivedb/internal/kvstore"
	"github.com/i5heu/perspectivedb/pkg/mergetree"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(1)
	}

	dbPath := os.Args[1]
	cmd := os.Args[2]

	log := logrus.New()
	store, err := kvstore.Open(kvstore.Config{Path: dbPath, Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mergetreectl: open store: %v\n", err)
		os.Exit(1)
	}

	mt, err := mergetree.New(mergetree.Config{Store: store, Perspectives: discoverPerspectives(os.Args[3:]), Logger: log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "mergetreectl: open mergetree: %v\n", err)
		os.Exit(1)
	}
	defer mt.Close()

	switch cmd {
	case "info":
		runInfo(mt)
	case "rmpe":
		if len(os.Args) < 4 {
			usage()
			os.Exit(1)
		}
		runRmpe(mt, os.Args[3])
	default:
		usage()
		os.Exit(1)
	}
}

func discoverPerspectives(args []string) []string {
	if len(args) == 0 {
		return nil
	}
	return []string{args[0]}
}

func runInfo(mt *mergetree.MergeTree) {
	stats, err := mt.ComputeStats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "mergetreectl: stats: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("local:     items=%d heads=%d\n", stats.Local.Items, stats.Local.Heads)
	fmt.Printf("stage:     items=%d heads=%d\n", stats.Stage.Items, stats.Stage.Heads)
	fmt.Printf("conflicts: %d\n", stats.Conflicts)
	for name, s := range stats.Perspectives {
		fmt.Printf("pe %-16s items=%d heads=%d\n", name, s.Items, s.Heads)
	}
}

func runRmpe(mt *mergetree.MergeTree, pe string) {
	if err := mt.DeletePerspective(pe); err != nil {
		fmt.Fprintf(os.Stderr, "mergetreectl: rmpe %s: %v\n", pe, err)
		os.Exit(1)
	}
	fmt.Printf("rmpe %s: done\n", pe)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mergetreectl <dbpath> info [perspective]")
	fmt.Fprintln(os.Stderr, "       mergetreectl <dbpath> rmpe <perspective>")
}
