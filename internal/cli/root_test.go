package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "syncd", cmd.Use)
	assert.Contains(t, cmd.Long, "offline")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "status", "list", "enqueue", "retry", "sync", "clear", "conflicts"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("addr"))
	require.NotNil(t, cmd.PersistentFlags().Lookup("verbose"))
}

func TestEnqueueCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	enqueueCmd, _, err := cmd.Find([]string{"enqueue"})
	require.NoError(t, err)

	priority := enqueueCmd.Flags().Lookup("priority")
	require.NotNil(t, priority)
	assert.Equal(t, "medium", priority.DefValue)
	assert.Equal(t, "0", enqueueCmd.Flags().Lookup("attempt-limit").DefValue)
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "status", "--addr", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.False(t, Reported(err))
	assert.Contains(t, err.Error(), "invalid format")
}

func TestClearRequiresConfirmation(t *testing.T) {
	out, err := execute(t, "clear", "--addr", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, Reported(err))
	assert.Contains(t, out, "--yes")
}

func TestUnreachableDaemon(t *testing.T) {
	out, err := execute(t, "status", "--addr", "127.0.0.1:1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "daemon unreachable")
}
