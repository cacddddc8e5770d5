package lifecycle

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// execFifoPath is $ROOT/containers/$ID/exec.fifo, the handoff point
// between create and start: init blocks opening it for read, start
// unblocks that open by opening it for write. Named after runc's
// ExecFifoPath, the same mechanism for the same reason — create and
// start are two separate CLI invocations with no shared memory.
func execFifoPath(root, id string) string {
	return filepath.Join(containerDir(root, id), "exec.fifo")
}

// createExecFifo makes the fifo create leaves for init to block on.
func createExecFifo(root, id string) (string, error) {
	path := execFifoPath(root, id)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", bockerr.Wrap(bockerr.IoFailed, "creating container dir for exec fifo", err)
	}
	_ = os.Remove(path) // stale fifo from a previous failed create
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return "", bockerr.Wrap(bockerr.IoFailed, "mkfifo exec fifo", err)
	}
	return path, nil
}

// signalExecFifo opens the fifo for writing and immediately closes it,
// which is enough to unblock init's O_RDONLY open — no byte needs to
// cross the pipe, the rendezvous at open(2) is the signal.
func signalExecFifo(root, id string) error {
	f, err := os.OpenFile(execFifoPath(root, id), os.O_WRONLY, 0)
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "opening exec fifo to signal start", err)
	}
	return f.Close()
}
