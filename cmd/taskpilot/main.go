// Package main is the single-binary entrypoint for taskpilot.
package main

import "github.com/taskpilot/taskpilot/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
