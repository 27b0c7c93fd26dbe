package main

import (
	"os"

	"golang.org/x/term"
)

// isInteractiveEnvironment reports whether log output is going to a person's
// terminal rather than a log collector.
func isInteractiveEnvironment() bool {
	if os.Getenv("CI") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
