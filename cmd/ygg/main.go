// Package main is the single-binary entrypoint for the yggdrasil dispatcher.
package main

import "github.com/asgard-lab/yggdrasil/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
