package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.NotNil(t, cmd, "BuildCLI should return a non-nil command")
	assert.Equal(t, "zisk-coordinator", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	commands := cmd.Commands()
	assert.Len(t, commands, 3, "should have run, submit, and status subcommands")

	names := make(map[string]bool)
	for _, c := range commands {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["submit"])
	assert.True(t, names["status"])
}

func TestBuildRunCommand(t *testing.T) {
	cmd := buildRunCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "run", cmd.Use)
	assert.NotNil(t, cmd.RunE)

	modeFlag := cmd.Flags().Lookup("mode")
	assert.NotNil(t, modeFlag, "should have --mode flag")
	assert.Equal(t, "coordinator", modeFlag.DefValue)

	configFlag := cmd.Flags().Lookup("config")
	assert.NotNil(t, configFlag, "should have --config flag")
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "submit", cmd.Use)
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("block-id"))
	assert.NotNil(t, cmd.Flags().Lookup("capacity"))
	assert.NotNil(t, cmd.Flags().Lookup("input-path"))
}

func TestBuildStatusCommand(t *testing.T) {
	cmd := buildStatusCommand()

	assert.NotNil(t, cmd)
	assert.Equal(t, "status", cmd.Use)
	assert.NotNil(t, cmd.RunE)
	assert.NotNil(t, cmd.Flags().Lookup("job-id"))
}

func TestRunSystemRejectsUnknownMode(t *testing.T) {
	cmd := buildRunCommand()
	cmd.SetArgs([]string{"--mode", "bogus"})
	err := cmd.Execute()
	assert.Error(t, err, "an unrecognised --mode should fail fast before touching the network")
}
