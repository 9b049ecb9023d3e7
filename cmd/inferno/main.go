package main

import "github.com/inferno-ai/inferno/internal/cli"

// version is stamped by the release build.
var version = "0.4.0"

func main() {
	cli.Execute(version)
}
