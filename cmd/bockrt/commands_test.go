package main

import (
	"errors"
	"flag"
	"os"
	"testing"

	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

func contextWithRoot(t *testing.T, root string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String("root", root, "")
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestResolveRootPrefersFlagOverEverything(t *testing.T) {
	c := contextWithRoot(t, "/custom/root")
	assert.Equal(t, "/custom/root", resolveRoot(c))
}

func TestResolveRootFallsBackToXDGRuntimeDir(t *testing.T) {
	old := os.Getenv("XDG_RUNTIME_DIR")
	defer os.Setenv("XDG_RUNTIME_DIR", old)
	require.NoError(t, os.Setenv("XDG_RUNTIME_DIR", "/run/user/1000"))

	c := contextWithRoot(t, "")
	assert.Equal(t, "/run/user/1000/bock", resolveRoot(c))
}

func TestResolveRootFallsBackToVarLibBock(t *testing.T) {
	old := os.Getenv("XDG_RUNTIME_DIR")
	defer os.Setenv("XDG_RUNTIME_DIR", old)
	require.NoError(t, os.Unsetenv("XDG_RUNTIME_DIR"))

	c := contextWithRoot(t, "")
	assert.Equal(t, "/var/lib/bock", resolveRoot(c))
}

func TestParseSignalAcceptsNumeric(t *testing.T) {
	sig, err := parseSignal("9")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGKILL, sig)
}

func TestParseSignalAcceptsNameWithOrWithoutSIGPrefix(t *testing.T) {
	sig, err := parseSignal("SIGTERM")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGTERM, sig)

	sig, err = parseSignal("term")
	require.NoError(t, err)
	assert.Equal(t, unix.SIGTERM, sig)
}

func TestParseSignalRejectsUnknownName(t *testing.T) {
	_, err := parseSignal("NOTASIGNAL")
	assert.Error(t, err)
}

func TestExecExitCodeMapsByKind(t *testing.T) {
	assert.Equal(t, 127, execExitCode(bockerr.New(bockerr.NotFound, "no such file")))
	assert.Equal(t, 126, execExitCode(bockerr.New(bockerr.Permission, "not executable")))
	assert.Equal(t, 125, execExitCode(bockerr.New(bockerr.Internal, "boom")))
	assert.Equal(t, 125, execExitCode(errors.New("plain error")))
}

func TestCreateExitErrorMapsByKind(t *testing.T) {
	assertExit := func(err error, code int) {
		exitErr, ok := createExitError(err).(cli.ExitCoder)
		require.True(t, ok)
		assert.Equal(t, code, exitErr.ExitCode())
	}
	assertExit(bockerr.New(bockerr.InvalidSpec, "bad spec"), 1)
	assertExit(bockerr.New(bockerr.AlreadyExists, "dup"), 2)
	assertExit(bockerr.New(bockerr.Internal, "boom"), 3)
}

func TestExitCodeForPrefersExplicitCliExit(t *testing.T) {
	assert.Equal(t, 42, exitCodeFor(cli.Exit("custom", 42)))
}

func TestExitCodeForFallsBackToBockerrKind(t *testing.T) {
	assert.Equal(t, 1, exitCodeFor(bockerr.New(bockerr.InvalidSpec, "bad")))
	assert.Equal(t, 2, exitCodeFor(bockerr.New(bockerr.AlreadyExists, "dup")))
	assert.Equal(t, 1, exitCodeFor(bockerr.New(bockerr.Internal, "boom")))
}
