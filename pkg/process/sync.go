package process

import (
	"encoding/json"
	"io"

	"github.com/bock-rs/bock-core/pkg/bockerr"
)

// syncType is one step of the supervisor<->init handshake carried over
// the sync pipe, the same small JSON-frames-over-a-pipe idea as
// plpan-runc__init_linux.go's syncT/syncParentReady, trimmed to the
// steps ProcessLauncher actually needs. The final "proceed to execve"
// step is not one of these frames: it is a blocking open() on the
// container's exec fifo (see lifecycle.ExecFifo), since by that point
// the supervisor process that ran this handshake may have already
// exited.
type syncType string

const (
	syncUserNSReady syncType = "userns_ready" // init -> supervisor: unshared CLONE_NEWUSER, here is nothing else needed
	syncMapsWritten syncType = "maps_written" // supervisor -> init: uid/gid maps written, continue
	syncPid1Ready   syncType = "pid1_ready"   // helper -> supervisor: host pid of the container's PID 1
	syncInitReady   syncType = "init_ready"   // pid1 -> supervisor: rootfs done, about to block on the exec fifo
)

type syncFrame struct {
	Type  syncType `json:"type"`
	Error string   `json:"error,omitempty"`
	PID   int      `json:"pid,omitempty"`
}

func writeSync(w io.Writer, t syncType) error {
	if err := json.NewEncoder(w).Encode(syncFrame{Type: t}); err != nil {
		return bockerr.Wrap(bockerr.Internal, "writing sync frame", err)
	}
	return nil
}

func writeSyncPID(w io.Writer, t syncType, pid int) error {
	if err := json.NewEncoder(w).Encode(syncFrame{Type: t, PID: pid}); err != nil {
		return bockerr.Wrap(bockerr.Internal, "writing sync frame", err)
	}
	return nil
}

func writeSyncError(w io.Writer, t syncType, cause error) error {
	return json.NewEncoder(w).Encode(syncFrame{Type: t, Error: cause.Error()})
}

func readSync(r io.Reader, want syncType) error {
	_, err := readSyncPID(r, want)
	return err
}

func readSyncPID(r io.Reader, want syncType) (int, error) {
	var f syncFrame
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		if err == io.EOF {
			return 0, bockerr.New(bockerr.Internal, "sync pipe closed by peer")
		}
		return 0, bockerr.Wrap(bockerr.Internal, "decoding sync frame", err)
	}
	if f.Error != "" {
		return 0, bockerr.New(bockerr.Internal, "peer reported: "+f.Error)
	}
	if f.Type != want {
		return 0, bockerr.New(bockerr.Internal, "unexpected sync step "+string(f.Type)+", wanted "+string(want))
	}
	return f.PID, nil
}
