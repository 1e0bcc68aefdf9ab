package main

import "github.com/mailroom/mailroom/cmd"

// set at build time
var (
	version = "0.10.0-dev"
	commit  = ""
	date    = ""
	builtBy = ""
)

func main() {
	cmd.SetApp(version, commit, date, builtBy)
	cmd.Execute()
}
