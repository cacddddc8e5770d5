package lifecycle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/event"
)

func TestWriteStateThenReadStateRoundTrips(t *testing.T) {
	root := t.TempDir()
	s := &State{
		ID:        "abc",
		Status:    StatusCreated,
		PID:       1234,
		Bundle:    "/bundles/abc",
		Rootfs:    "/bundles/abc/rootfs",
		CreatedAt: time.Now().Truncate(time.Second),
		Annotations: map[string]string{
			"bock.io/lower-dirs": "/a:/b",
		},
		OwnerUID: 0,
	}
	require.NoError(t, WriteState(root, s))

	got, err := ReadState(root, "abc")
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Status, got.Status)
	assert.Equal(t, s.PID, got.PID)
	assert.Equal(t, s.Annotations, got.Annotations)
}

func TestReadStateMissingReportsNotFound(t *testing.T) {
	root := t.TempDir()
	_, err := ReadState(root, "nope")
	require.Error(t, err)
	assert.Equal(t, bockerr.NotFound, bockerr.KindOf(err))
}

func TestWriteStateOverwritesPriorRevision(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WriteState(root, &State{ID: "x", Status: StatusCreating}))
	require.NoError(t, WriteState(root, &State{ID: "x", Status: StatusRunning, PID: 42}))

	got, err := ReadState(root, "x")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 42, got.PID)
}

func TestListSkipsEntriesWithoutState(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WriteState(root, &State{ID: "a", Status: StatusCreated}))
	require.NoError(t, WriteState(root, &State{ID: "b", Status: StatusRunning}))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "containers", "c"), 0o700))

	states, err := List(root)
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, s := range states {
		ids[s.ID] = true
	}
	assert.True(t, ids["a"])
	assert.True(t, ids["b"])
	assert.False(t, ids["c"])
	assert.Len(t, states, 2)
}

func TestListOnMissingRootIsEmptyNotError(t *testing.T) {
	states, err := List(filepath.Join(t.TempDir(), "never-created"))
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestRemoveAllDeletesContainerDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WriteState(root, &State{ID: "gone", Status: StatusStopped}))
	require.NoError(t, RemoveAll(root, "gone"))

	_, err := ReadState(root, "gone")
	assert.Equal(t, bockerr.NotFound, bockerr.KindOf(err))
}

func TestProcAliveRejectsNonPositivePID(t *testing.T) {
	assert.False(t, ProcAlive(0))
	assert.False(t, ProcAlive(-1))
}

func TestProcAliveOfCurrentProcessIsTrue(t *testing.T) {
	assert.True(t, ProcAlive(os.Getpid()))
}

func TestCreateExecFifoThenSignalUnblocksInit(t *testing.T) {
	root := t.TempDir()
	path, err := createExecFifo(root, "c1")
	require.NoError(t, err)
	assert.Equal(t, execFifoPath(root, "c1"), path)

	opened := make(chan error, 1)
	go func() {
		f, err := os.OpenFile(path, os.O_RDONLY, 0)
		if err == nil {
			f.Close()
		}
		opened <- err
	}()

	require.NoError(t, signalExecFifo(root, "c1"))

	select {
	case err := <-opened:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("signalExecFifo did not unblock the reader")
	}
}

func TestCreateExecFifoRemovesStaleFifo(t *testing.T) {
	root := t.TempDir()
	_, err := createExecFifo(root, "c2")
	require.NoError(t, err)
	_, err = createExecFifo(root, "c2")
	require.NoError(t, err, "a second create for the same ID should clear the stale fifo rather than fail")
}

func TestAcquireThenReleaseRoundTrips(t *testing.T) {
	root := t.TempDir()
	lock, err := Acquire(root, "lockme")
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}

func TestReleaseOnNilLockIsNoop(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}

func TestAcquireCanBeReacquiredAfterRelease(t *testing.T) {
	root := t.TempDir()
	first, err := Acquire(root, "seq")
	require.NoError(t, err)
	require.NoError(t, first.Release())

	second, err := Acquire(root, "seq")
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestRunHooksStopsAtFirstFailure(t *testing.T) {
	var ran []string
	sink := newCapturingSink(t)

	hooks := []specs.Hook{
		{Path: "/bin/sh", Args: []string{"/bin/sh", "-c", "exit 0"}},
		{Path: "/bin/sh", Args: []string{"/bin/sh", "-c", "exit 1"}},
		{Path: "/bin/sh", Args: []string{"/bin/sh", "-c", "exit 0"}},
	}
	err := runHooks("hookc", sink, hooks, nil)
	require.Error(t, err)
	assert.Equal(t, bockerr.HookFailed, bockerr.KindOf(err))
	_ = ran
}

func TestRunHooksSucceedsWhenAllExitZero(t *testing.T) {
	sink := newCapturingSink(t)
	hooks := []specs.Hook{
		{Path: "/bin/sh", Args: []string{"/bin/sh", "-c", "exit 0"}},
		{Path: "/bin/sh", Args: []string{"/bin/sh", "-c", "exit 0"}},
	}
	require.NoError(t, runHooks("hookok", sink, hooks, []byte(`{"status":"created"}`)))
}

func TestRunHooksEmptyListIsNoop(t *testing.T) {
	require.NoError(t, runHooks("nohooks", nil, nil, nil))
}

// newCapturingSink opens a real event.Sink backed by a temp root, since
// runHooks only needs something satisfying the Emit calls and event.Open
// is cheap enough to use directly rather than faking the interface.
func newCapturingSink(t *testing.T) *event.Sink {
	t.Helper()
	sink, err := event.Open(t.TempDir(), "hooks-test")
	require.NoError(t, err)
	return sink
}
