package main

import (
	"os"

	"github.com/atekin/mprt/cmd"
	"github.com/atekin/mprt/internal/buildinfo"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	build := buildinfo.NewContext(version, buildDate)

	rootCmd := cmd.RootCommand(build)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
