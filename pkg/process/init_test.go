package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
)

func TestResolveIdentityCollectsUIDGIDAndGroups(t *testing.T) {
	p := &bundle.Process{}
	p.User.UID = 1000
	p.User.GID = 1000
	p.User.AdditionalGids = []uint32{100, 200}

	id, err := resolveIdentity(p)
	require.NoError(t, err)
	assert.Equal(t, 1000, id.UID)
	assert.Equal(t, 1000, id.GID)
	assert.Equal(t, []int{100, 200}, id.Groups)
}

func TestResolveIdentityOnNilProcessIsZeroValue(t *testing.T) {
	id, err := resolveIdentity(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, id.UID)
	assert.Empty(t, id.Groups)
}

func TestLookPathInAcceptsAbsoluteAndRelativePaths(t *testing.T) {
	path, err := lookPathIn("/bin/sh", nil)
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", path)

	path, err = lookPathIn("./entrypoint", nil)
	require.NoError(t, err)
	assert.Equal(t, "./entrypoint", path)
}

func TestLookPathInSearchesEnvPATHOverDefault(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "mytool")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	path, err := lookPathIn("mytool", []string{"PATH=" + dir})
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}

func TestLookPathInRejectsNonExecutableMatch(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "notexec")
	require.NoError(t, os.WriteFile(bin, []byte("nope"), 0o644))

	_, err := lookPathIn("notexec", []string{"PATH=" + dir})
	assert.Error(t, err)
	assert.Equal(t, bockerr.NotFound, bockerr.KindOf(err))
}

func TestLookPathInReportsNotFoundWhenMissingFromPATH(t *testing.T) {
	_, err := lookPathIn("does-not-exist-anywhere", []string{"PATH=" + t.TempDir()})
	assert.Error(t, err)
	assert.Equal(t, bockerr.NotFound, bockerr.KindOf(err))
}

func TestWaitForExecFifoUnblocksWhenWriterOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exec.fifo")
	require.NoError(t, unix.Mkfifo(path, 0o600))

	done := make(chan error, 1)
	go func() { done <- waitForExecFifo(path) }()

	time.Sleep(50 * time.Millisecond)
	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waitForExecFifo did not unblock")
	}
}
