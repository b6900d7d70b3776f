package main

import (
	"os"

	"github.com/prodigy-dev/prodigy/cmd/prodigy/cmd"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.SetVersion(version, commit, date)
	os.Exit(cmd.Execute())
}
