package main

import "fetchbridge/internal/cli"

// set via -ldflags at build time
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cli.Execute(cli.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate})
}
