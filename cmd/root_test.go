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

	expected := []string{"serve", "process", "enrich-batch", "reconcile", "migrate", "ingest", "items"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "lead-pipeline", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
	for _, c := range rootCmd.Commands() {
		if c.Hidden || c.Name() == "help" || c.Name() == "completion" {
			continue
		}
		assert.Contains(t, rootCmd.Long, "  "+c.Name()+" ", "root help should list %q", c.Name())
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestIngestCommand_Flags(t *testing.T) {
	flag := ingestCmd.Flags().Lookup("file")
	require.NotNil(t, flag, "ingest command should have --file flag")
}

func TestItemsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range itemsCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["stuck"])
	assert.True(t, names["retry"])
}
