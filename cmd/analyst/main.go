package main

import (
	"os"

	"github.com/malbeclabs/analyst/internal/cli"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(int(cli.Run(cli.BuildInfo{Version: version, Commit: commit, Date: date}, os.Args[1:])))
}
