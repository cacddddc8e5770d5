package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteSpecScaffoldWritesRunnableConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeSpecScaffold(dir))

	_, err := os.Stat(filepath.Join(dir, "rootfs"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	var spec specs.Spec
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, []string{"sh"}, spec.Process.Args)
	assert.Equal(t, "bock", spec.Hostname)
	assert.True(t, spec.Root.Readonly)
	assert.NotEmpty(t, spec.Linux.Namespaces)
}
