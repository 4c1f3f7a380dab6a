// Package main is the entry point for the l2rate CLI.
//
// Usage:
//
//	l2rate [flags] <command> [args]
//
// Commands:
//
//	run      - Run a cross-validated augmentation experiment
//	extract  - Precompute the feature cache without training
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/aalto-speech/l2rate/cmd/l2rate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
