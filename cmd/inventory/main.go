// inventory is the command-line interface of the event-sourced inventory
// service.
//
// Usage:
//
//	inventory <command> [flags]
//
// Commands:
//
//	init        Create an inventory.yaml configuration file
//	serve       Run the HTTP API
//	product     Create products and change their stock
//	migrate     Create and inspect database tables
//	projection  Inspect and rebuild the read model
//	diagnose    Run diagnostic checks on your setup
//	version     Show version information
//
// Examples:
//
//	# Create a configuration backed by PostgreSQL
//	inventory init --driver postgres --non-interactive
//
//	# Create the tables and start the API
//	inventory migrate up
//	inventory serve --addr :8080
//
//	# Check subscriber lag
//	inventory projection status
package main

import (
	"os"

	"github.com/matsushun1/inventory/cli/commands"
)

// Build information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.BuildDate = buildDate

	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
