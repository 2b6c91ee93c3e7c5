package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "tillsync", cmd.Use)
	assert.Contains(t, cmd.Long, "idempotency key")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"enqueue"}, {"process"}, {"status"}, {"cancel"}, {"health"},
		{"alerts"}, {"recover"}, {"cleanup"}, {"schema", "list"}, {"schema", "check"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "db", "dsn", "ledger", "archive"} {
		flag := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, flag, name)
		assert.Empty(t, flag.DefValue)
	}
}

func TestEnqueueCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	enqueueCmd, _, err := cmd.Find([]string{"enqueue"})
	require.NoError(t, err)

	for _, name := range []string{"tenant", "key", "type", "op", "entity-type", "entity-id", "priority", "batch", "payload", "payload-file"} {
		assert.NotNil(t, enqueueCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "0", enqueueCmd.Flags().Lookup("priority").DefValue)
}

func TestProcessCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	processCmd, _, err := cmd.Find([]string{"process"})
	require.NoError(t, err)

	for _, name := range []string{"max-items", "max-batches", "tenant", "workers"} {
		assert.NotNil(t, processCmd.Flags().Lookup(name), name)
	}
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--format", "yaml", "schema", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "yaml"`)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
