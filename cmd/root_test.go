//go:build !integration

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{"quakes", "imagery", "render", "serve", "renders", "cache", "regions"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "quakemap", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestQueryFlags_Defaults(t *testing.T) {
	for _, c := range []string{"quakes", "imagery", "render"} {
		cmd, _, err := rootCmd.Find([]string{c})
		require.NoError(t, err)

		start := cmd.Flags().Lookup("start")
		require.NotNil(t, start, "%s should have --start", c)
		assert.Equal(t, "2013-01-01", start.DefValue)

		end := cmd.Flags().Lookup("end")
		require.NotNil(t, end, "%s should have --end", c)
		assert.Equal(t, "2023-01-31", end.DefValue)

		minMag := cmd.Flags().Lookup("min-mag")
		require.NotNil(t, minMag, "%s should have --min-mag", c)
		assert.Equal(t, "6", minMag.DefValue)

		assert.NotNil(t, cmd.Flags().Lookup("region"))
		assert.NotNil(t, cmd.Flags().Lookup("bbox"))
	}
}

func TestQuakesCommand_Flags(t *testing.T) {
	flag := quakesCmd.Flags().Lookup("format")
	require.NotNil(t, flag)
	assert.Equal(t, "table", flag.DefValue)
	assert.NotNil(t, quakesCmd.Flags().Lookup("out"))
}

func TestRenderCommand_Flags(t *testing.T) {
	for _, name := range []string{"out", "no-imagery", "policy", "title", "no-cluster", "boundary"} {
		assert.NotNil(t, renderCmd.Flags().Lookup(name), "render should have --%s flag", name)
	}
}

func TestImageryCommand_Flags(t *testing.T) {
	flag := imageryCmd.Flags().Lookup("out")
	require.NotNil(t, flag)
	assert.Equal(t, "imagery", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestRendersCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rendersCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["list"])
	assert.True(t, names["show"])
	assert.True(t, names["stats"])

	limit := rendersListCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "20", limit.DefValue)
}

func TestCacheCommand_HasPrune(t *testing.T) {
	cmd, _, err := rootCmd.Find([]string{"cache", "prune"})
	require.NoError(t, err)
	assert.Equal(t, "prune", cmd.Name())
}
