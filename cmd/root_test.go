package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubcommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"], "run subcommand must be registered")
	assert.True(t, names["worker"], "worker subcommand must be registered")
}

func TestRunCommandRequiresTaskFile(t *testing.T) {
	err := runCmd.Args(runCmd, []string{})
	assert.Error(t, err)
	require.NoError(t, runCmd.Args(runCmd, []string{"tasks.yaml"}))
}

func TestRootCommandMetadata(t *testing.T) {
	assert.Equal(t, "chromeherd", rootCmd.Name())
	assert.Equal(t, Version, rootCmd.Version)

	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)

	results := runCmd.Flags().Lookup("results")
	require.NotNil(t, results)
	assert.Equal(t, "-", results.DefValue)
}
