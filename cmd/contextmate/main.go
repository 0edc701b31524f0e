// Command contextmate is the client: account setup, the sync daemon, and
// adapter management for AI-agent context vaults.
package main

import (
	"os"

	"contextmate/internal/cli"
)

var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
