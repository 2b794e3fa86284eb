package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/matsushun1/inventory/cli/commands"
)

func TestVersionVariables(t *testing.T) {
	// Defaults before ldflags override them
	assert.Equal(t, "dev", version)
	assert.Equal(t, "none", commit)
	assert.Equal(t, "unknown", buildDate)
}

func TestVersionAssignment(t *testing.T) {
	origVersion, origCommit, origBuildDate := commands.Version, commands.Commit, commands.BuildDate
	t.Cleanup(func() {
		commands.Version, commands.Commit, commands.BuildDate = origVersion, origCommit, origBuildDate
	})

	commands.Version = "1.2.3"
	commands.Commit = "abc123"
	commands.BuildDate = "2026-10-16"

	root := commands.NewRootCommand()
	var found bool
	for _, c := range root.Commands() {
		if c.Name() == "version" {
			found = true
		}
	}
	assert.True(t, found)
}
