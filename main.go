package main

import (
	"os"

	"galion/internal/cli"
)

// version is stamped by the release build via -ldflags.
var version = "dev"

func main() {
	if err := cli.Execute(version); err != nil {
		os.Exit(1)
	}
}
