// Package lifecycle implements the Lifecycle component of spec.md §4.1:
// the per-container state machine, its on-disk persistence, and the
// advisory locking that serializes transitions.
package lifecycle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// Status is one of the five states spec.md §3 names.
type Status string

const (
	StatusCreating Status = "creating"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
)

// State is the ContainerState persisted at
// $ROOT/containers/$ID/state.json (spec.md §3).
type State struct {
	ID          string            `json:"id"`
	Status      Status            `json:"status"`
	PID         int               `json:"pid"`
	Bundle      string            `json:"bundle"`
	Rootfs      string            `json:"rootfs"`
	CreatedAt   time.Time         `json:"created_at"`
	Annotations map[string]string `json:"annotations"`
	OwnerUID    int               `json:"owner_uid"`
}

func containerDir(root, id string) string {
	return filepath.Join(root, "containers", id)
}

func statePath(root, id string) string {
	return filepath.Join(containerDir(root, id), "state.json")
}

// ReadState loads state.json. Absence is reported as bockerr.NotFound
// so read operations (state, list) can tolerate transient absence per
// spec.md §4.1.
func ReadState(root, id string) (*State, error) {
	data, err := os.ReadFile(statePath(root, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, bockerr.Wrap(bockerr.NotFound, fmt.Sprintf("container %s", id), err)
		}
		return nil, bockerr.Wrap(bockerr.IoFailed, "reading state.json", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, bockerr.Wrap(bockerr.IoFailed, "parsing state.json", err)
	}
	return &s, nil
}

// WriteState persists s atomically: write to a temp file in the same
// directory, fsync, then rename over state.json, so observers never
// see a torn write (spec.md §3, §5 Ordering guarantees).
func WriteState(root string, s *State) error {
	dir := containerDir(root, s.ID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "creating container dir", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return bockerr.Wrap(bockerr.Internal, "marshaling state", err)
	}

	tmp, err := os.CreateTemp(dir, "state.json.tmp-*")
	if err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "creating temp state file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return bockerr.Wrap(bockerr.IoFailed, "writing temp state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return bockerr.Wrap(bockerr.IoFailed, "fsyncing temp state file", err)
	}
	if err := tmp.Close(); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "closing temp state file", err)
	}

	if err := os.Rename(tmpName, statePath(root, s.ID)); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "renaming state file into place", err)
	}
	return nil
}

// RemoveAll deletes $ROOT/containers/$ID entirely, used by delete and
// by create-failure rollback.
func RemoveAll(root, id string) error {
	if err := os.RemoveAll(containerDir(root, id)); err != nil {
		return bockerr.Wrap(bockerr.IoFailed, "removing container dir", err)
	}
	return nil
}

// List enumerates every persisted container under root, skipping
// entries whose state.json is missing or unreadable (a container mid
// rollback or mid create) rather than failing the whole call, since
// spec.md §5 says list() must tolerate no ordering guarantees against
// concurrent create/delete.
func List(root string) ([]*State, error) {
	entries, err := os.ReadDir(filepath.Join(root, "containers"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, bockerr.Wrap(bockerr.IoFailed, "listing containers dir", err)
	}

	var states []*State
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := ReadState(root, e.Name())
		if err != nil {
			continue
		}
		states = append(states, s)
	}
	return states, nil
}

// ProcAlive reports whether /proc/$pid exists, backing the invariant
// status=running ⇒ pid>0 ∧ /proc/$pid exists (spec.md §3).
func ProcAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}
