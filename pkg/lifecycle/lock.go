package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// Lock is the per-container advisory file lock at
// $ROOT/containers/$ID/lock (spec.md §3, §5) that serializes mutating
// Lifecycle operations for one container ID. It is safe to hold across
// goroutines within one process only if the caller does not attempt a
// second Lock for the same ID concurrently from the same process;
// flock(2) itself only arbitrates across distinct open file
// descriptions, which a single process can defeat by opening the file
// twice — callers are expected to also serialize in-process access
// (the CLI is single-shot per invocation, so this never arises there).
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) and flock(LOCK_EX)s the lock file
// for id, blocking until it is available.
func Acquire(root, id string) (*Lock, error) {
	dir := containerDir(root, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, bockerr.Wrap(bockerr.IoFailed, "creating container dir for lock", err)
	}
	path := filepath.Join(dir, "lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, bockerr.Wrap(bockerr.IoFailed, "opening lock file", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, bockerr.Wrap(bockerr.IoFailed, fmt.Sprintf("flock %s", path), err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file descriptor.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	closeErr := l.f.Close()
	if err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "unlocking", err)
	}
	if closeErr != nil {
		return bockerr.Wrap(bockerr.IoFailed, "closing lock fd", closeErr)
	}
	return nil
}
