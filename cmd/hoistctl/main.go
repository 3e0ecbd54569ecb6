// Package main is the entry point for hoistctl, the operator CLI for
// inspecting a running hoistd control plane.
package main

import (
	"fmt"
	"os"

	"github.com/hoistd/hoist/internal/cli"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Execute(version, commit, date); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
