package main

import "github.com/fzft/go-reactor-httpd/cmd"

// set with -ldflags "-X main.gitSHA1=..."
var (
	gitSHA1   = "unknown"
	gitDirty  = "unknown"
	buildDate = "unknown"
)

func Version() string {
	return cmd.Version("httpd", gitSHA1, gitDirty) + " built " + buildDate
}
