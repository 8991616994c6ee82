// rqctl is a command-line companion for RQ message-queue controllers:
// it sends one-shot requests and consumes queues from the terminal.
package main

import (
	"os"

	"github.com/hyperq/librq/cmd/rqctl/commands"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := commands.Execute(version, commit); err != nil {
		os.Exit(1)
	}
}
