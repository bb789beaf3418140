package main

import (
	"fmt"
	"os"

	"github.com/tidemark-io/tideline/internal/cli/cmd"
	"github.com/tidemark-io/tideline/internal/cli/runner"
)

// Version information set via ldflags at build time:
//
//	go build -ldflags "-X main.version=v0.3.0 -X main.gitCommit=$(git rev-parse --short HEAD)"
var (
	version   = "dev"
	gitCommit = ""
	buildDate = ""
)

func main() {
	cmd.SetVersionInfo(version, gitCommit, buildDate)

	// The standalone binary carries no extraction boundary; embedding
	// applications wire their own Extract before Execute.
	cmd.SetFactories(runner.Factories{})

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
