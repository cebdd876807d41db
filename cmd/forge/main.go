// Package main is the single-binary entrypoint for Forge.
package main

import "github.com/tensorforge/forge/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
