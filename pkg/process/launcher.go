// Package process implements the ProcessLauncher component of
// spec.md §4.6: the double-fork-via-re-exec container launch, PTY and
// stdio wiring, init's PID1 duties, and exec-into-running-container.
//
// The re-exec-instead-of-fork approach, and the supervisor/init sync
// pipe handshake, are grounded on moby's reexec package and on
// plpan-runc__init_linux.go's syncParentReady pattern; PTY allocation
// uses containerd/console the way containerd's own runtime shim does
// (named in SPEC_FULL.md's domain stack; the pack carries no PTY
// example, so this is ecosystem-grounded rather than pack-grounded —
// see DESIGN.md).
package process

import (
	"encoding/json"
	"os"
	"os/exec"

	"github.com/containerd/console"
	"golang.org/x/sys/unix"

	"github.com/bock-rs/bock-core/internal/reexec"
	"github.com/bock-rs/bock-core/pkg/bockerr"
	"github.com/bock-rs/bock-core/pkg/bundle"
	"github.com/bock-rs/bock-core/pkg/cgroup"
	"github.com/bock-rs/bock-core/pkg/namespace"
)

// reexecInitName is the argv[0] bockrt re-invokes itself with to reach
// bockInit instead of the CLI's normal command dispatch.
const reexecInitName = "bock-init"

func init() {
	reexec.Register(reexecInitName, bockInit)
}

// StdioMode selects how the container's stdio is wired, matching
// spec.md §4.6's terminal vs pipe modes.
type StdioMode int

const (
	StdioPipes StdioMode = iota
	StdioTerminal
)

// LaunchResult is everything the caller (Lifecycle) needs once the
// supervisor handshake completes: the init process's host pid and,
// in terminal mode, the master side of its pty.
type LaunchResult struct {
	PID     int
	Console console.Console // nil unless Mode == StdioTerminal
}

// Launcher starts one container's init process.
type Launcher struct {
	Spec     *bundle.SpecView
	Plan     *namespace.Plan
	Mode     StdioMode
	Rootless bool
}

// initPayload is everything bockInit needs that cannot be recovered
// from the environment; sent as JSON on fd 5 immediately after start,
// the same "config over a pipe" idea as initConfig in
// plpan-runc__init_linux.go, trimmed to this runtime's own types.
//
// FifoPath names the exec fifo init blocks on once it is ready to run
// (opening a fifo for read blocks until a writer opens it too), the
// same mechanism runc's ExecFifoPath uses so `create` and `start` can
// be two entirely separate CLI invocations yet still hand off cleanly:
// create's supervisor process does not need to stay alive for start
// to unblock init.
type initPayload struct {
	Spec       *bundle.SpecView
	FifoPath   string
	OverlayDir string
}

// Start spawns the helper/init process via /proc/self/exe re-exec,
// completes the user-namespace mapping handshake, and returns once
// init reports it is ready to run. fifoPath must already exist as a
// fifo (see lifecycle.ExecFifo); init opens it for reading right
// before execve and blocks there until something opens it for
// writing, which is what decouples this call (one `bockrt create`
// process) from the later `bockrt start` that actually unblocks it.
func (l *Launcher) Start(cg *cgroup.Handle, fifoPath, overlayDir string) (*LaunchResult, error) {
	self, err := reexec.Self()
	if err != nil {
		return nil, err
	}

	// Two pipes give each side a dedicated read end: childToParentR/W
	// carries child->parent frames (syncUserNSReady, syncPid1Ready,
	// syncInitReady), parentToChildR/W carries the parent->child frame
	// (syncMapsWritten). fd3/fd4 in the child are fixed by
	// fdSyncRead/fdSyncWrite in init.go.
	childToParentR, childToParentW, err := os.Pipe()
	if err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "creating child->parent sync pipe", err)
	}
	parentToChildR, parentToChildW, err := os.Pipe()
	if err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "creating parent->child sync pipe", err)
	}
	configR, configW, err := os.Pipe()
	if err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "creating config pipe", err)
	}

	cmd := exec.Command(self)
	cmd.Args = []string{reexecInitName}
	cmd.ExtraFiles = []*os.File{parentToChildR, childToParentW, configR}
	cmd.SysProcAttr = &unix.SysProcAttr{}

	var result LaunchResult
	if l.Mode == StdioTerminal {
		pty, slave, err := console.NewPty()
		if err != nil {
			return nil, bockerr.Wrap(bockerr.Internal, "allocating pty", err)
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
		result.Console = pty
	} else {
		cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, bockerr.Wrap(bockerr.Internal, "starting init process", err)
	}
	parentToChildR.Close()
	childToParentW.Close()
	configR.Close()

	if err := writeInitPayload(configW, &initPayload{Spec: l.Spec, FifoPath: fifoPath, OverlayDir: overlayDir}); err != nil {
		return nil, err
	}
	configW.Close()

	if err := readSync(childToParentR, syncUserNSReady); err != nil {
		return nil, err
	}

	if l.Plan.HasUserNS {
		if err := namespace.WriteIDMaps(cmd.Process.Pid, l.Spec.UIDMappings, l.Spec.GIDMappings, l.Rootless); err != nil {
			_ = writeSyncError(parentToChildW, syncMapsWritten, err)
			return nil, err
		}
	}
	if err := writeSync(parentToChildW, syncMapsWritten); err != nil {
		return nil, err
	}
	parentToChildW.Close()

	if cg != nil {
		if err := cg.AddProcess(cmd.Process.Pid); err != nil {
			return nil, err
		}
	}

	// The helper process that was actually spawned above is never the
	// container's pid 1 (unshare(2) only moves its subsequent children
	// into the fresh pid namespace); it forks again internally and
	// reports that child's real host pid here.
	pid1PID, err := readSyncPID(childToParentR, syncPid1Ready)
	if err != nil {
		return nil, err
	}
	if err := readSync(childToParentR, syncInitReady); err != nil {
		return nil, err
	}
	childToParentR.Close()

	result.PID = pid1PID
	return &result, nil
}

func writeInitPayload(w *os.File, p *initPayload) error {
	if err := json.NewEncoder(w).Encode(p); err != nil {
		return bockerr.Wrap(bockerr.Internal, "writing init payload", err)
	}
	return nil
}
