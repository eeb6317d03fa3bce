// Command peeps is the operator CLI for a running peepsd collector: it
// fetches the current cycle analysis and triggers coordinated cuts.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "cycles":
		if err := runCycles(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "peeps cycles: %v\n", err)
			os.Exit(1)
		}
	case "cut":
		if err := runCut(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "peeps cut: %v\n", err)
			os.Exit(1)
		}
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "peeps: unknown command %q\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: peeps <command> [flags]

Commands:
  cycles   Show the collector's current cycle candidates
  cut      Trigger a coordinated cut across all watched processes

Run 'peeps <command> --help' for command-specific flags.
`)
}
